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
	"context"

	"github.com/turtacn/web2mqtt/pkg/actor"
	"github.com/turtacn/web2mqtt/pkg/mqttclient"
	"github.com/turtacn/web2mqtt/pkg/topic"
)

// Handle is the only way to reach the subscription actor. It is a small
// value and safe to copy and share between goroutines.
type Handle struct {
	mailbox *actor.Mailbox[Message]
}

// NewHandle returns a handle sending to mailbox.
func NewHandle(mailbox *actor.Mailbox[Message]) Handle {
	return Handle{mailbox: mailbox}
}

// Send queues msg for the actor. It blocks while the mailbox is full and
// reports false when the actor has stopped or ctx ended first; the message
// is then dropped.
func (h Handle) Send(ctx context.Context, msg Message) bool {
	return h.mailbox.Send(ctx, msg) == nil
}

// Publish asks the actor to publish payload and waits for the result:
// ReplyOK, ReplyError, or NoResponse when no answer arrives before ctx ends.
func (h Handle) Publish(ctx context.Context, t string, payload []byte, qos mqttclient.QoS, retain bool) string {
	ch := make(chan string, 1)
	msg := Publish{Topic: t, Payload: payload, QoS: qos, Retain: retain, ReplyTo: ch}
	if !h.Send(ctx, msg) {
		return NoResponse
	}
	return await(ctx, ch, NoResponse)
}

// Status returns the actor's diagnostic text, or NoResponse.
func (h Handle) Status(ctx context.Context) string {
	ch := make(chan string, 1)
	if !h.Send(ctx, Status{ReplyTo: ch}) {
		return NoResponse
	}
	return await(ctx, ch, NoResponse)
}

// Subscribe registers interest in t and returns a receiver bound to the
// topic's watcher entry. ok is false when the actor did not answer. The
// caller owns the receiver and must Release it.
func (h Handle) Subscribe(ctx context.Context, t string) (rx *topic.Receiver, ok bool) {
	ch := make(chan *topic.Receiver, 1)
	if !h.Send(ctx, Subscribe{Topic: t, ReplyTo: ch}) {
		return nil, false
	}
	select {
	case rx, ok = <-ch:
		return rx, ok && rx != nil
	case <-ctx.Done():
		// The actor still answers or closes ch eventually; release what
		// it hands out so the watcher's receiver count stays accurate.
		go func() {
			if late, ok := <-ch; ok && late != nil {
				late.Release()
			}
		}()
		return nil, false
	}
}

func await(ctx context.Context, ch <-chan string, fallback string) string {
	select {
	case v, ok := <-ch:
		if !ok {
			return fallback
		}
		return v
	case <-ctx.Done():
		return fallback
	}
}
