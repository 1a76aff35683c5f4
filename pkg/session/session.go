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

// Package session runs one streaming client connection: it turns the
// client's subscribe commands into per-topic forwarders and merges their
// output into the connection's single outbound stream.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/turtacn/web2mqtt/pkg/metrics"
	"github.com/turtacn/web2mqtt/pkg/topic"
	"github.com/turtacn/web2mqtt/pkg/transport"
	"github.com/turtacn/web2mqtt/pkg/watch"
)

const (
	// DefaultSubscribeTimeout bounds the wait for the actor's subscribe reply.
	DefaultSubscribeTimeout = 10 * time.Second
	// DefaultOutboundBuffer is the capacity of the merged outbound channel.
	DefaultOutboundBuffer = 16
)

// Transport is the per-connection frame transport.
type Transport interface {
	Ping(ctx context.Context) error
	ReadFrame(ctx context.Context) (transport.Frame, error)
	WriteFrame(ctx context.Context, f transport.Frame) error
	Close() error
}

// Subscriber hands out receivers for topics. subscriber.Handle implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (*topic.Receiver, bool)
}

// Options tune a Session. Zero values select the defaults.
type Options struct {
	Logger           *slog.Logger
	Remote           string
	SubscribeTimeout time.Duration
	OutboundBuffer   int
}

type forwarder struct {
	topic  string
	cancel context.CancelFunc
	done   chan struct{}
}

// Session is the server side of one streaming connection. A Session is run
// once; its forwarders are owned by the Run goroutine.
type Session struct {
	ID string

	transport  Transport
	subs       Subscriber
	logger     *slog.Logger
	subTimeout time.Duration
	out        chan transport.Frame

	forwarders map[int]*forwarder
	nextID     int
}

// New creates a session for an established connection.
func New(t Transport, subs Subscriber, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.SubscribeTimeout
	if timeout <= 0 {
		timeout = DefaultSubscribeTimeout
	}
	buf := opts.OutboundBuffer
	if buf <= 0 {
		buf = DefaultOutboundBuffer
	}
	id := uuid.NewString()
	return &Session{
		ID:         id,
		transport:  t,
		subs:       subs,
		logger:     logger.With("component", "session", "session", id, "remote", opts.Remote),
		subTimeout: timeout,
		out:        make(chan transport.Frame, buf),
		forwarders: make(map[int]*forwarder),
	}
}

// Run serves the connection until the client ends the stream, a write fails
// or ctx is done. Every forwarder has exited and the transport is closed
// when Run returns. A clean end of stream returns nil.
func (s *Session) Run(ctx context.Context) error {
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	if err := s.transport.Ping(ctx); err != nil {
		s.logger.Debug("Could not send ping", "error", err)
		_ = s.transport.Close()
		return fmt.Errorf("initial ping failed: %w", err)
	}
	s.logger.Debug("Pinged client")

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	in := make(chan transport.Frame)
	readErr := make(chan error, 1)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		s.read(loopCtx, in, readErr)
	}()

	err := s.loop(loopCtx, in, readErr)

	s.stopForwarders()
	_ = s.transport.Close()
	cancel()
	<-readerDone

	s.logger.Debug("Websocket session destroyed")
	return err
}

func (s *Session) read(ctx context.Context, in chan<- transport.Frame, errc chan<- error) {
	for {
		f, err := s.transport.ReadFrame(ctx)
		if err != nil {
			errc <- err
			return
		}
		select {
		case in <- f:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) loop(ctx context.Context, in <-chan transport.Frame, readErr <-chan error) error {
	for {
		select {
		case f := <-s.out:
			if err := s.transport.WriteFrame(ctx, f); err != nil {
				return err
			}
			metrics.FramesTotal.WithLabelValues("out").Inc()
		case f := <-in:
			metrics.FramesTotal.WithLabelValues("in").Inc()
			s.dispatch(ctx, f)
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Session) dispatch(ctx context.Context, f transport.Frame) {
	if f.Binary {
		metrics.InvalidCommandsTotal.Inc()
		s.logger.Warn("Ignoring binary frame", "bytes", len(f.Data))
		return
	}
	cmd, err := ParseCommand(f.Data)
	if err != nil {
		metrics.InvalidCommandsTotal.Inc()
		s.logger.Warn("Ignoring client frame", "error", err)
		return
	}

	subCtx, cancel := context.WithTimeout(ctx, s.subTimeout)
	defer cancel()
	rx, ok := s.subs.Subscribe(subCtx, cmd.Topic)
	if !ok {
		s.logger.Warn("Could not subscribe to topic", "topic", cmd.Topic)
		return
	}
	s.spawn(ctx, cmd.Topic, rx)
}

func (s *Session) spawn(ctx context.Context, t string, rx *topic.Receiver) {
	fctx, cancel := context.WithCancel(ctx)
	f := &forwarder{topic: t, cancel: cancel, done: make(chan struct{})}
	s.nextID++
	s.forwarders[s.nextID] = f
	metrics.ForwardersActive.Inc()

	go func() {
		defer close(f.done)
		defer metrics.ForwardersActive.Dec()
		defer rx.Release()
		s.forward(fctx, t, rx)
	}()
	s.logger.Debug("Watcher task started", "topic", t, "forwarders", len(s.forwarders))
}

// forward pushes the latest value of rx to the outbound channel every time
// it changes.
func (s *Session) forward(ctx context.Context, t string, rx *topic.Receiver) {
	for {
		if err := rx.Changed(ctx); err != nil {
			if errors.Is(err, watch.ErrClosed) {
				s.logger.Debug("Watcher closed", "topic", t)
			}
			return
		}
		select {
		case s.out <- payloadFrame(rx.BorrowAndUpdate()):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) stopForwarders() {
	for _, f := range s.forwarders {
		f.cancel()
	}
	for id, f := range s.forwarders {
		<-f.done
		delete(s.forwarders, id)
	}
}

func payloadFrame(v string) transport.Frame {
	if utf8.ValidString(v) {
		return transport.TextFrame(v)
	}
	return transport.Frame{Binary: true, Data: []byte(v)}
}
