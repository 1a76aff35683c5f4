// Copyright 2022 The emqx-go Authors
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

// Package actor provides the minimal building blocks for actor processes:
// the Actor interface run by a supervisor and a bounded, closable Mailbox.
package actor

import (
	"context"
	"errors"
	"sync"
)

// ErrMailboxClosed is returned by Send once the owning actor has closed its
// mailbox.
var ErrMailboxClosed = errors.New("mailbox closed")

// Actor defines the interface for an actor process.
// Start is called by the supervisor and must block until the actor is
// terminated. The context controls the lifecycle of the actor: once it is
// done the actor drains and returns. A nil error means an orderly stop.
type Actor interface {
	Start(ctx context.Context) error
}

// Mailbox is a bounded message queue for an actor.
// Senders block while the queue is full, which gives natural admission
// control against a slow actor. Once closed, every Send fails with
// ErrMailboxClosed instead of blocking or panicking.
type Mailbox[T any] struct {
	messages chan T
	done     chan struct{}
	once     sync.Once
	// mu keeps Close from racing with an in-flight Send: senders hold the
	// read side, Close takes the write side before draining.
	mu sync.RWMutex
}

// NewMailbox creates a new mailbox with the given buffer size.
// A size below one is treated as one.
func NewMailbox[T any](size int) *Mailbox[T] {
	if size < 1 {
		size = 1
	}
	return &Mailbox[T]{
		messages: make(chan T, size),
		done:     make(chan struct{}),
	}
}

// Send puts a message into the mailbox.
// It blocks while the buffer is full until space is available, the mailbox
// is closed or ctx is done.
func (mb *Mailbox[T]) Send(ctx context.Context, msg T) error {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	select {
	case <-mb.done:
		return ErrMailboxClosed
	default:
	}

	select {
	case mb.messages <- msg:
		return nil
	case <-mb.done:
		return ErrMailboxClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend puts a message into the mailbox without blocking.
// It reports whether the message was queued.
func (mb *Mailbox[T]) TrySend(msg T) bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	select {
	case <-mb.done:
		return false
	default:
	}

	select {
	case mb.messages <- msg:
		return true
	default:
		return false
	}
}

// Receive blocks until a message is received from the mailbox or the context
// is canceled.
func (mb *Mailbox[T]) Receive(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case msg := <-mb.messages:
		return msg, nil
	}
}

// Chan returns the underlying message channel so an actor can select on it
// together with other signals.
func (mb *Mailbox[T]) Chan() <-chan T {
	return mb.messages
}

// Len returns the number of queued messages.
func (mb *Mailbox[T]) Len() int {
	return len(mb.messages)
}

// Cap returns the capacity of the mailbox.
func (mb *Mailbox[T]) Cap() int {
	return cap(mb.messages)
}

// Closed returns a channel that is closed once Close has been called.
func (mb *Mailbox[T]) Closed() <-chan struct{} {
	return mb.done
}

// Close rejects all future sends and returns the messages that were still
// queued, in arrival order. It is safe to call more than once; later calls
// return whatever was queued in between, which is always nothing.
func (mb *Mailbox[T]) Close() []T {
	mb.once.Do(func() { close(mb.done) })

	mb.mu.Lock()
	defer mb.mu.Unlock()

	var rest []T
	for {
		select {
		case msg := <-mb.messages:
			rest = append(rest, msg)
		default:
			return rest
		}
	}
}
