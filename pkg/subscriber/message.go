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

package subscriber

import (
	"github.com/turtacn/web2mqtt/pkg/mqttclient"
	"github.com/turtacn/web2mqtt/pkg/topic"
)

// Replies sent to Publish callers, plus the fallback callers use when the
// actor never answers.
const (
	ReplyOK    = "OK"
	ReplyError = "Error"
	NoResponse = "No response"
)

// Message is a request accepted by the subscription actor. Each request
// carries its own reply channel, answered at most once.
type Message interface {
	// kind names the message for logs and metrics.
	kind() string
	// abandon closes the reply channel of a message the actor will never
	// handle, so a waiting caller sees "no response" instead of hanging.
	abandon()
}

// Publish forwards a payload to the broker. The actor replies ReplyOK or
// ReplyError.
type Publish struct {
	Topic   string
	Payload []byte
	QoS     mqttclient.QoS
	Retain  bool
	ReplyTo chan<- string
}

// Subscribe registers interest in Topic. The actor always replies with a
// receiver bound to the topic's watcher entry.
type Subscribe struct {
	Topic   string
	ReplyTo chan<- *topic.Receiver
}

// Status asks for diagnostic text.
type Status struct {
	ReplyTo chan<- string
}

// resubscribe is queued by the event pump after the broker connection comes
// back, so topics whose broker subscribe failed are retried.
type resubscribe struct{}

// subscribeResult carries the broker's answer to a subscribe the actor
// issued earlier.
type subscribeResult struct {
	topic string
	err   error
}

func (Publish) kind() string         { return "publish" }
func (Subscribe) kind() string       { return "subscribe" }
func (Status) kind() string          { return "status" }
func (resubscribe) kind() string     { return "resubscribe" }
func (subscribeResult) kind() string { return "subscribe_result" }

func (m Publish) abandon()       { closeReply(m.ReplyTo) }
func (m Subscribe) abandon()     { closeReply(m.ReplyTo) }
func (m Status) abandon()        { closeReply(m.ReplyTo) }
func (resubscribe) abandon()     {}
func (subscribeResult) abandon() {}

// reply delivers v without ever blocking the actor. Reply channels are
// created with capacity 1 and answered once, so the buffered send succeeds
// even when the caller has already given up.
func reply[T any](ch chan<- T, v T) {
	if ch == nil {
		return
	}
	select {
	case ch <- v:
	default:
	}
}

func closeReply[T any](ch chan<- T) {
	if ch != nil {
		close(ch)
	}
}
