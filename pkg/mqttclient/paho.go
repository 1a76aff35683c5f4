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

package mqttclient

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/turtacn/web2mqtt/pkg/metrics"
)

// Options configures the Paho adapter.
type Options struct {
	// Host is a hostname, or a full broker URL such as "ssl://host:8883"
	// in which case Port is ignored.
	Host     string
	Port     int
	ClientID string
	Username string
	Password string
	// KeepAlive is the MQTT keep-alive interval.
	KeepAlive time.Duration
	// EventBuffer is the capacity of the event stream buffer.
	EventBuffer int
	Logger      *slog.Logger
}

// BrokerURL returns the URL handed to Paho.
func (o Options) BrokerURL() string {
	if strings.Contains(o.Host, "://") {
		return o.Host
	}
	return fmt.Sprintf("tcp://%s:%d", o.Host, o.Port)
}

// DefaultClientID returns "hcs-<hostname>-<8 random characters>".
func DefaultClientID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "client"
	}
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("hcs-%s-%s", hostname, random)
}

// Paho adapts a Paho client to the Client interface. Paho delivers messages
// and connection changes through callbacks; the adapter turns them into an
// ordered event stream.
type Paho struct {
	client    mqtt.Client
	opts      Options
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	connected atomic.Bool
	logger    *slog.Logger
}

// NewPaho creates the adapter. No network activity happens until Connect.
func NewPaho(opts Options) *Paho {
	if opts.EventBuffer < 1 {
		opts.EventBuffer = 64
	}
	if opts.ClientID == "" {
		opts.ClientID = DefaultClientID()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Paho{
		opts:   opts,
		events: make(chan Event, opts.EventBuffer),
		done:   make(chan struct{}),
		logger: logger.With("component", "mqtt"),
	}

	co := mqtt.NewClientOptions()
	co.AddBroker(opts.BrokerURL())
	co.SetClientID(opts.ClientID)
	if opts.Username != "" && opts.Password != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	if opts.KeepAlive > 0 {
		co.SetKeepAlive(opts.KeepAlive)
	}
	// Reconnection is the library's business. Keeping the session lets the
	// broker retain our subscriptions across reconnects.
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(5 * time.Second)
	co.SetCleanSession(false)
	co.SetResumeSubs(true)
	co.SetOrderMatters(true)
	co.SetDefaultPublishHandler(p.onMessage)
	co.SetOnConnectHandler(p.onConnect)
	co.SetConnectionLostHandler(p.onConnectionLost)

	p.client = mqtt.NewClient(co)
	return p
}

// Connect starts connecting and waits until the first connection succeeds or
// ctx ends. When ctx ends first Paho keeps retrying in the background and
// the EventConnected event reports the eventual success.
func (p *Paho) Connect(ctx context.Context) error {
	p.logger.Info("Using mqtt",
		"broker", p.opts.BrokerURL(),
		"client_id", p.opts.ClientID,
		"with_credentials", p.opts.Username != "")
	if err := Wait(ctx, p.client.Connect()); err != nil {
		return fmt.Errorf("connect to %s: %w", p.opts.BrokerURL(), err)
	}
	return nil
}

// Publish implements Client. The returned token is Paho's own.
func (p *Paho) Publish(topic string, qos QoS, retain bool, payload []byte) Token {
	return p.client.Publish(topic, byte(qos), retain, payload)
}

// Subscribe implements Client. Messages for the topic arrive through the
// default publish handler and therefore through Poll.
func (p *Paho) Subscribe(topic string, qos QoS) Token {
	return p.client.Subscribe(topic, byte(qos), nil)
}

// Disconnect implements Client.
func (p *Paho) Disconnect(ctx context.Context) error {
	// Release any callback blocked on the event stream first, otherwise
	// Paho's disconnect waits on its own router goroutine.
	p.closeOnce.Do(func() { close(p.done) })

	quiesce := 250 * time.Millisecond
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < quiesce {
			quiesce = max(left, 0)
		}
	}
	p.client.Disconnect(uint(quiesce.Milliseconds()))
	p.setConnected(false)
	return nil
}

// Poll implements Client.
func (p *Paho) Poll(ctx context.Context) (Event, error) {
	select {
	case ev := <-p.events:
		return ev, nil
	case <-p.done:
		return Event{}, ErrClosed
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// IsConnected implements Client.
func (p *Paho) IsConnected() bool {
	return p.connected.Load()
}

func (p *Paho) onMessage(_ mqtt.Client, m mqtt.Message) {
	p.emit(Event{
		Kind:     EventMessage,
		Topic:    m.Topic(),
		Payload:  m.Payload(),
		Retained: m.Retained(),
	})
}

func (p *Paho) onConnect(mqtt.Client) {
	p.setConnected(true)
	p.logger.Info("Connected to broker", "broker", p.opts.BrokerURL())
	p.emit(Event{Kind: EventConnected})
}

func (p *Paho) onConnectionLost(_ mqtt.Client, err error) {
	p.setConnected(false)
	p.logger.Warn("Broker connection lost", "error", err)
	p.emit(Event{Kind: EventConnectionLost, Err: err})
}

func (p *Paho) setConnected(up bool) {
	p.connected.Store(up)
	if up {
		metrics.BrokerConnected.Set(1)
	} else {
		metrics.BrokerConnected.Set(0)
	}
}

// emit blocks until the pump takes the event so ordering is preserved and
// nothing is lost while the adapter is open.
func (p *Paho) emit(ev Event) {
	select {
	case p.events <- ev:
	case <-p.done:
	}
}
