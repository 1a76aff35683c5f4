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

// Package watch implements a single-value broadcast channel.
//
// A Sender holds the latest value together with a version counter. Any number
// of Receivers can wait for the version to move past the one they last
// observed. Slow receivers skip intermediate values and only ever see the
// most recent one: last value wins, nothing is queued.
package watch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Receiver.Changed once the sender has been closed
// and the receiver has already seen the final value.
var ErrClosed = errors.New("watch: sender closed")

// Sender is the writing side of a watch channel.
type Sender[T any] struct {
	mu      sync.RWMutex
	value   T
	version uint64
	closed  bool
	// notify is closed and replaced on every change.
	notify chan struct{}

	receivers atomic.Int64
}

// New creates a watch channel holding initial at version 0.
func New[T any](initial T) *Sender[T] {
	return &Sender[T]{
		value:  initial,
		notify: make(chan struct{}),
	}
}

// Send stores v as the latest value and wakes every waiting receiver.
// It returns the number of live receivers at the time of the send; zero only
// means nobody is watching and is not an error. Sending on a closed channel
// is a no-op.
func (s *Sender[T]) Send(v T) int {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	s.value = v
	s.version++
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()

	return int(s.receivers.Load())
}

// Borrow returns the current value and its version.
func (s *Sender[T]) Borrow() (T, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value, s.version
}

// Subscribe returns a new receiver that has seen version 0. If a value was
// sent since the channel was created, the receiver's first Changed call
// returns immediately so it observes the latest value without waiting.
func (s *Sender[T]) Subscribe() *Receiver[T] {
	s.receivers.Add(1)
	return &Receiver[T]{sender: s}
}

// Receivers returns the number of receivers that have not been released.
func (s *Sender[T]) Receivers() int {
	return int(s.receivers.Load())
}

// Close marks the channel closed and wakes every waiting receiver.
func (s *Sender[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.notify)
}

// Receiver is the reading side of a watch channel. A Receiver is not safe
// for concurrent use; Clone it to hand a copy to another goroutine.
type Receiver[T any] struct {
	sender   *Sender[T]
	seen     uint64
	released atomic.Bool
}

// Changed blocks until the sender's version differs from the last version
// this receiver observed. It returns ErrClosed when the sender is closed and
// no newer value is pending, or the context error if ctx ends first.
func (r *Receiver[T]) Changed(ctx context.Context) error {
	for {
		s := r.sender
		s.mu.RLock()
		if s.version != r.seen {
			s.mu.RUnlock()
			return nil
		}
		if s.closed {
			s.mu.RUnlock()
			return ErrClosed
		}
		notify := s.notify
		s.mu.RUnlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// BorrowAndUpdate returns the latest value and marks it as seen.
func (r *Receiver[T]) BorrowAndUpdate() T {
	v, version := r.sender.Borrow()
	r.seen = version
	return v
}

// Borrow returns the latest value without marking it as seen.
func (r *Receiver[T]) Borrow() T {
	v, _ := r.sender.Borrow()
	return v
}

// Clone returns a new receiver sharing this receiver's seen version.
func (r *Receiver[T]) Clone() *Receiver[T] {
	r.sender.receivers.Add(1)
	return &Receiver[T]{sender: r.sender, seen: r.seen}
}

// Release tells the sender this receiver is no longer watching. It is safe
// to call more than once.
func (r *Receiver[T]) Release() {
	if r.released.CompareAndSwap(false, true) {
		r.sender.receivers.Add(-1)
	}
}
