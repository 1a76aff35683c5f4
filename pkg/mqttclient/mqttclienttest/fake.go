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

// Package mqttclienttest provides an in-memory mqttclient.Client for tests.
package mqttclienttest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/turtacn/web2mqtt/pkg/mqttclient"
)

// Published records one Publish call.
type Published struct {
	Topic   string
	QoS     mqttclient.QoS
	Retain  bool
	Payload []byte
}

// Client is a fake broker connection. With Loopback set, publishes to a
// subscribed topic are delivered back through Poll like a real broker would.
type Client struct {
	Loopback bool

	mu           sync.Mutex
	published    []Published
	subscribes   map[string]int
	subscribed   map[string]bool
	publishErr   error
	subscribeErr error
	disconnects  int
	holdSubs     bool
	heldSubs     []*token

	events    chan mqttclient.Event
	done      chan struct{}
	closeOnce sync.Once
	connected atomic.Bool
}

// New returns a connected fake client.
func New() *Client {
	c := &Client{
		subscribes: make(map[string]int),
		subscribed: make(map[string]bool),
		events:     make(chan mqttclient.Event, 64),
		done:       make(chan struct{}),
	}
	c.connected.Store(true)
	return c
}

// NewLoopback returns a connected fake client with Loopback enabled.
func NewLoopback() *Client {
	c := New()
	c.Loopback = true
	return c
}

// SetPublishError makes every following Publish fail with err (nil clears).
func (c *Client) SetPublishError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishErr = err
}

// SetSubscribeError makes every following Subscribe fail with err (nil clears).
func (c *Client) SetSubscribeError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribeErr = err
}

// HoldSubscribes leaves the tokens of following Subscribe calls incomplete
// until ReleaseSubscribes, like a broker that is slow to send SUBACK.
func (c *Client) HoldSubscribes() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holdSubs = true
}

// ReleaseSubscribes completes every held subscribe token and stops holding.
func (c *Client) ReleaseSubscribes() {
	c.mu.Lock()
	held := c.heldSubs
	c.heldSubs = nil
	c.holdSubs = false
	c.mu.Unlock()
	for _, tok := range held {
		tok.complete()
	}
}

// Publish implements mqttclient.Client.
func (c *Client) Publish(topic string, qos mqttclient.QoS, retain bool, payload []byte) mqttclient.Token {
	c.mu.Lock()
	err := c.publishErr
	if err == nil {
		c.published = append(c.published, Published{Topic: topic, QoS: qos, Retain: retain, Payload: payload})
	}
	loop := c.Loopback && c.subscribed[topic]
	c.mu.Unlock()

	if err == nil && loop {
		c.Deliver(topic, payload)
	}
	return completed(err)
}

// Subscribe implements mqttclient.Client.
func (c *Client) Subscribe(topic string, qos mqttclient.QoS) mqttclient.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribes[topic]++
	err := c.subscribeErr
	if err == nil {
		c.subscribed[topic] = true
	}
	if c.holdSubs {
		tok := &token{done: make(chan struct{}), err: err}
		c.heldSubs = append(c.heldSubs, tok)
		return tok
	}
	return completed(err)
}

// Disconnect implements mqttclient.Client.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.disconnects++
	c.mu.Unlock()
	c.connected.Store(false)
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Poll implements mqttclient.Client.
func (c *Client) Poll(ctx context.Context) (mqttclient.Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case <-c.done:
		return mqttclient.Event{}, mqttclient.ErrClosed
	case <-ctx.Done():
		return mqttclient.Event{}, ctx.Err()
	}
}

// IsConnected implements mqttclient.Client.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Deliver pushes an incoming message into the event stream. It returns false
// once the client is disconnected.
func (c *Client) Deliver(topic string, payload []byte) bool {
	return c.emit(mqttclient.Event{Kind: mqttclient.EventMessage, Topic: topic, Payload: payload})
}

// Reconnect simulates a lost connection followed by a successful reconnect.
func (c *Client) Reconnect() {
	c.connected.Store(false)
	c.emit(mqttclient.Event{Kind: mqttclient.EventConnectionLost})
	c.connected.Store(true)
	c.emit(mqttclient.Event{Kind: mqttclient.EventConnected})
}

// SubscribeCalls returns how many broker-level subscribes were issued for topic.
func (c *Client) SubscribeCalls(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes[topic]
}

// PublishedMessages returns a copy of the successful publishes.
func (c *Client) PublishedMessages() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Published, len(c.published))
	copy(out, c.published)
	return out
}

// Disconnects returns how many times Disconnect was called.
func (c *Client) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

func (c *Client) emit(ev mqttclient.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

type token struct {
	done chan struct{}
	err  error
}

func completed(err error) *token {
	t := &token{done: make(chan struct{}), err: err}
	t.complete()
	return t
}

func (t *token) complete() { close(t.done) }

func (t *token) Done() <-chan struct{} { return t.done }

func (t *token) Error() error { return t.err }
