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

// Package mqttclient defines the broker client capability used by the
// gateway and implements it on top of the Eclipse Paho MQTT client.
//
// The capability is deliberately small: publish, subscribe, disconnect and a
// sequential, pollable stream of broker events. Connection management,
// keep-alive and packet framing stay inside the client library.
package mqttclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is returned by Poll once the client has been disconnected.
var ErrClosed = errors.New("mqtt client closed")

// QoS is the MQTT delivery guarantee level.
type QoS byte

const (
	// AtMostOnce is QoS 0.
	AtMostOnce QoS = 0
	// AtLeastOnce is QoS 1.
	AtLeastOnce QoS = 1
	// ExactlyOnce is QoS 2.
	ExactlyOnce QoS = 2
)

// ParseQoS converts n to a QoS, rejecting anything outside 0..2.
func ParseQoS(n int) (QoS, error) {
	if n < 0 || n > 2 {
		return 0, fmt.Errorf("invalid qos %d: must be 0, 1 or 2", n)
	}
	return QoS(n), nil
}

// Valid reports whether q is 0, 1 or 2.
func (q QoS) Valid() bool {
	return q <= ExactlyOnce
}

func (q QoS) String() string {
	switch q {
	case AtMostOnce:
		return "at-most-once"
	case AtLeastOnce:
		return "at-least-once"
	case ExactlyOnce:
		return "exactly-once"
	default:
		return fmt.Sprintf("qos(%d)", byte(q))
	}
}

// UnmarshalJSON accepts the numbers 0, 1 and 2.
func (q *QoS) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("qos must be a number: %w", err)
	}
	parsed, err := ParseQoS(n)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

// EventKind tells what happened on the broker connection.
type EventKind int

const (
	// EventMessage is an incoming PUBLISH for a subscribed topic.
	EventMessage EventKind = iota
	// EventConnected fires every time the connection is (re)established.
	EventConnected
	// EventConnectionLost fires when an established connection drops.
	EventConnectionLost
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventConnected:
		return "connected"
	case EventConnectionLost:
		return "connection-lost"
	default:
		return "unknown"
	}
}

// Event is a single item of the broker event stream.
type Event struct {
	Kind     EventKind
	Topic    string
	Payload  []byte
	Retained bool
	// Err is set for EventConnectionLost.
	Err error
}

// Token tracks the completion of an asynchronous broker operation. Done is
// closed once the operation finished; Error is only meaningful afterwards.
type Token interface {
	Done() <-chan struct{}
	Error() error
}

// Wait blocks until tok completes or ctx ends.
func Wait(ctx context.Context, tok Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Client is the broker capability consumed by the subscription actor.
// Publish, Subscribe and Disconnect are only called from the actor
// goroutine; Poll is only called from the event pump.
type Client interface {
	// Publish queues payload for topic and returns without waiting for
	// the broker. Calls are sent in the order they are made.
	Publish(topic string, qos QoS, retain bool, payload []byte) Token
	// Subscribe queues a subscription request for topic. The token
	// completes once the broker acknowledged it.
	Subscribe(topic string, qos QoS) Token
	// Disconnect closes the broker connection. Poll returns ErrClosed
	// afterwards.
	Disconnect(ctx context.Context) error
	// Poll blocks until the next broker event, ctx ends, or the client is
	// closed.
	Poll(ctx context.Context) (Event, error)
	// IsConnected reports whether the broker connection is currently up.
	IsConnected() bool
}
