// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package subscriber implements the subscription actor: the single goroutine
// that owns the broker connection and the topic watcher registry, and the
// Handle through which the rest of the gateway talks to it.
//
// All broker operations and all registry inserts are serialized through the
// actor's mailbox. A separate event pump reads incoming broker events and
// pushes payloads into existing watcher entries; it only ever takes the
// registry's read lock.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/turtacn/web2mqtt/pkg/actor"
	"github.com/turtacn/web2mqtt/pkg/metrics"
	"github.com/turtacn/web2mqtt/pkg/mqttclient"
	"github.com/turtacn/web2mqtt/pkg/topic"
)

// ErrStopped is returned by Start when the actor has already shut down.
var ErrStopped = errors.New("subscription actor stopped")

// DefaultOperationTimeout bounds a single broker publish, subscribe or
// disconnect issued by the actor.
const DefaultOperationTimeout = 10 * time.Second

const pollRetryDelay = 100 * time.Millisecond

// State is the lifecycle state of the actor.
type State int32

const (
	StateNew State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Options tune an Actor. Zero values select the defaults.
type Options struct {
	Logger *slog.Logger
	// OperationTimeout bounds each broker call.
	OperationTimeout time.Duration
	// SubscribeQoS is the QoS used for broker-level subscribes.
	SubscribeQoS mqttclient.QoS
}

// Actor owns the broker client and the watcher registry.
type Actor struct {
	client    mqttclient.Client
	registry  *topic.Registry
	mailbox   *actor.Mailbox[Message]
	logger    *slog.Logger
	opTimeout time.Duration
	subQoS    mqttclient.QoS

	// pending holds topics whose broker subscribe failed, inflight those
	// still waiting for SUBACK. Only the actor goroutine touches them.
	pending  map[string]struct{}
	inflight map[string]struct{}
	waiters  sync.WaitGroup
	started  time.Time
	state    atomic.Int32
}

// New creates an actor reading from mailbox. The actor does not run until
// Start is called.
func New(client mqttclient.Client, registry *topic.Registry, mailbox *actor.Mailbox[Message], opts Options) *Actor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.OperationTimeout
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	logger.Debug("Creating subscriber actor")
	return &Actor{
		client:    client,
		registry:  registry,
		mailbox:   mailbox,
		logger:    logger.With("component", "subscriber"),
		opTimeout: timeout,
		subQoS:    opts.SubscribeQoS,
		pending:   make(map[string]struct{}),
		inflight:  make(map[string]struct{}),
	}
}

// Handle returns a handle sending to this actor's mailbox.
func (a *Actor) Handle() Handle {
	return NewHandle(a.mailbox)
}

// State returns the current lifecycle state. It is safe to call from any
// goroutine.
func (a *Actor) State() State {
	return State(a.state.Load())
}

// Start runs the actor until ctx is done. It implements actor.Actor.
//
// Once ctx is done the actor stops taking messages, closes the mailbox so
// queued and future requests are answered with "no response", closes every
// watcher, disconnects the broker client and waits for the event pump to
// exit. Broker acknowledgements are awaited on separate goroutines, which
// are cut short and waited for during the drain. A panic while handling a
// message answers that message's caller and unwinds without closing
// anything else, so a supervisor can call Start again with the registry
// intact.
func (a *Actor) Start(ctx context.Context) error {
	select {
	case <-a.mailbox.Closed():
		return ErrStopped
	default:
	}

	if a.started.IsZero() {
		a.started = time.Now()
	}
	a.state.Store(int32(StateRunning))
	a.logger.Info("Subscriber actor started")

	pumpCtx, stopPump := context.WithCancel(context.WithoutCancel(ctx))
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		a.pump(pumpCtx)
	}()
	awaitPump := func() {
		stopPump()
		<-pumpDone
	}
	defer awaitPump()

	// Token waiters outlive a panicking run so their results still reach
	// the next one.
	waitCtx, stopWaiters := context.WithCancel(context.WithoutCancel(ctx))

	for {
		// The stop signal wins over queued messages.
		select {
		case <-ctx.Done():
			a.drain(ctx)
			stopWaiters()
			a.waiters.Wait()
			awaitPump()
			a.state.Store(int32(StateStopped))
			a.logger.Info("Subscriber actor stopped")
			return nil
		default:
		}

		select {
		case <-ctx.Done():
		case msg := <-a.mailbox.Chan():
			// Both cases can be ready at once; a stop that raced the
			// receive still wins.
			if ctx.Err() != nil {
				msg.abandon()
				metrics.MailboxDroppedTotal.Inc()
				continue
			}
			a.handle(waitCtx, msg)
		}
	}
}

func (a *Actor) drain(ctx context.Context) {
	a.state.Store(int32(StateDraining))
	a.logger.Debug("Setting stop signal")

	rest := a.mailbox.Close()
	for _, msg := range rest {
		msg.abandon()
		metrics.MailboxDroppedTotal.Inc()
	}
	if len(rest) > 0 {
		a.logger.Info("Abandoned queued messages", "count", len(rest))
	}

	a.registry.Close()

	opCtx, cancel := a.opContext(ctx)
	defer cancel()
	if err := a.client.Disconnect(opCtx); err != nil {
		a.logger.Warn("Error disconnecting from broker", "error", err)
	}
}

// opContext detaches a broker call from the stop signal so an operation
// that already started can finish, bounded by the operation timeout.
func (a *Actor) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), a.opTimeout)
}

// handle runs on the actor goroutine. ctx bounds the token waiters it
// starts and is canceled once the actor has drained.
func (a *Actor) handle(ctx context.Context, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			msg.abandon()
			panic(r)
		}
	}()

	metrics.MailboxMessagesTotal.WithLabelValues(msg.kind()).Inc()
	a.logger.Debug("Actor message received", "kind", msg.kind())

	switch m := msg.(type) {
	case Publish:
		a.publish(ctx, m)
	case Subscribe:
		a.subscribe(ctx, m)
	case Status:
		reply(m.ReplyTo, a.status())
	case resubscribe:
		a.retryPending(ctx)
	case subscribeResult:
		a.subscribed(m)
	default:
		a.logger.Warn("Received unknown message type", "type", fmt.Sprintf("%T", m))
	}
}

// publish hands the payload to the client in mailbox order and answers the
// caller from a waiter once the broker acknowledged it.
func (a *Actor) publish(ctx context.Context, m Publish) {
	tok := a.client.Publish(m.Topic, m.QoS, m.Retain, m.Payload)
	a.awaitToken(ctx, tok, func(err error) {
		if err == nil {
			metrics.PublishTotal.WithLabelValues("ok").Inc()
			reply(m.ReplyTo, ReplyOK)
			return
		}
		if ctx.Err() != nil {
			closeReply(m.ReplyTo)
			return
		}
		metrics.PublishTotal.WithLabelValues("error").Inc()
		a.logger.Warn("Sending failed",
			"topic", m.Topic,
			"qos", m.QoS,
			"retain", m.Retain,
			"bytes", len(m.Payload),
			"error", err)
		reply(m.ReplyTo, ReplyError)
	})
}

func (a *Actor) subscribe(ctx context.Context, m Subscribe) {
	rx, created := a.registry.Watch(m.Topic)
	_, retry := a.pending[m.Topic]
	if created || retry {
		a.brokerSubscribe(ctx, m.Topic)
	}
	reply(m.ReplyTo, rx)
}

// brokerSubscribe issues the broker-level subscribe for t. The SUBACK is
// awaited off the actor goroutine and reported back as a subscribeResult.
func (a *Actor) brokerSubscribe(ctx context.Context, t string) {
	a.logger.Debug("Subscribing", "topic", t)
	tok := a.client.Subscribe(t, a.subQoS)
	delete(a.pending, t)
	a.inflight[t] = struct{}{}

	a.awaitToken(ctx, tok, func(err error) {
		if err := a.mailbox.Send(ctx, subscribeResult{topic: t, err: err}); err != nil {
			a.logger.Debug("Dropping subscribe result", "topic", t, "error", err)
		}
	})
}

// subscribed records the broker's answer for a subscribe. A failure leaves
// the watcher entry untouched and marks the topic for retry.
func (a *Actor) subscribed(r subscribeResult) {
	delete(a.inflight, r.topic)
	if r.err != nil {
		a.pending[r.topic] = struct{}{}
		metrics.BrokerSubscribeTotal.WithLabelValues("error").Inc()
		a.logger.Error("Error subscribing", "topic", r.topic, "error", r.err)
		return
	}
	metrics.BrokerSubscribeTotal.WithLabelValues("ok").Inc()
	a.logger.Debug("Subscribed", "topic", r.topic)
}

// awaitToken waits for tok on a new goroutine, bounded by the operation
// timeout, and passes the outcome to done.
func (a *Actor) awaitToken(ctx context.Context, tok mqttclient.Token, done func(error)) {
	a.waiters.Add(1)
	go func() {
		defer a.waiters.Done()
		opCtx, cancel := context.WithTimeout(ctx, a.opTimeout)
		defer cancel()
		done(mqttclient.Wait(opCtx, tok))
	}()
}

func (a *Actor) retryPending(ctx context.Context) {
	if len(a.pending) == 0 {
		return
	}
	topics := make([]string, 0, len(a.pending))
	for t := range a.pending {
		topics = append(topics, t)
	}
	sort.Strings(topics)

	a.logger.Info("Retrying failed subscribes", "count", len(topics))
	for _, t := range topics {
		a.brokerSubscribe(ctx, t)
	}
}

func (a *Actor) status() string {
	broker := "disconnected"
	if a.client.IsConnected() {
		broker = "connected"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "state: %s\n", a.State())
	fmt.Fprintf(&b, "broker: %s\n", broker)
	fmt.Fprintf(&b, "topics: %d\n", a.registry.Len())
	fmt.Fprintf(&b, "watchers: %d\n", a.registry.Receivers())
	fmt.Fprintf(&b, "pending subscribes: %d\n", len(a.pending))
	fmt.Fprintf(&b, "in-flight subscribes: %d\n", len(a.inflight))
	fmt.Fprintf(&b, "mailbox: %d/%d\n", a.mailbox.Len(), a.mailbox.Cap())
	fmt.Fprintf(&b, "uptime: %s\n", time.Since(a.started).Truncate(time.Second))
	return b.String()
}

// pump moves incoming broker events into the registry until ctx is done or
// the client is disconnected. It never inserts into the registry.
func (a *Actor) pump(ctx context.Context) {
	a.logger.Debug("Broker event pump started")
	defer a.logger.Debug("Broker event pump stopped")

	for {
		ev, err := a.client.Poll(ctx)
		if err != nil {
			if errors.Is(err, mqttclient.ErrClosed) || ctx.Err() != nil {
				return
			}
			a.logger.Error("Error polling", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollRetryDelay):
			}
			continue
		}

		switch ev.Kind {
		case mqttclient.EventMessage:
			a.deliver(ev)
		case mqttclient.EventConnected:
			if !a.mailbox.TrySend(resubscribe{}) {
				a.logger.Debug("Mailbox busy, resubscribe deferred to next subscribe")
			}
		case mqttclient.EventConnectionLost:
			a.logger.Warn("Broker connection lost", "error", ev.Err)
		}
	}
}

func (a *Actor) deliver(ev mqttclient.Event) {
	w, ok := a.registry.Lookup(ev.Topic)
	if !ok {
		metrics.BrokerMessagesTotal.WithLabelValues("dropped").Inc()
		a.logger.Debug("No watcher for topic", "topic", ev.Topic)
		return
	}
	n := w.Send(string(ev.Payload))
	metrics.BrokerMessagesTotal.WithLabelValues("delivered").Inc()
	a.logger.Debug("Delivered broker message", "topic", ev.Topic, "receivers", n, "bytes", len(ev.Payload))
}
