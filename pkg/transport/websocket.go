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

// Package transport adapts gorilla/websocket connections to the frame
// oriented transport used by streaming sessions.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeDeadline = 5 * time.Second
	closeDeadline = time.Second
)

// Frame is one WebSocket data message.
type Frame struct {
	Binary bool
	Data   []byte
}

// TextFrame returns a text frame carrying s.
func TextFrame(s string) Frame {
	return Frame{Data: []byte(s)}
}

// NewUpgrader returns an upgrader accepting the given origins. An empty list
// or "*" accepts every origin.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedOrigins) == 0 {
				return true
			}
			for _, o := range allowedOrigins {
				if o == "*" || strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		},
	}
}

// Conn is a WebSocket connection. Reads must come from a single goroutine;
// writes, pings and Close may be called concurrently.
type Conn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an upgraded gorilla connection.
func NewConn(conn *websocket.Conn) *Conn {
	return &Conn{conn: conn}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Ping sends a ping control frame.
func (c *Conn) Ping(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteControl(websocket.PingMessage, []byte{1, 2, 3}, deadline(ctx, writeDeadline)); err != nil {
		return fmt.Errorf("failed to send ping: %w", err)
	}
	return nil
}

// ReadFrame blocks until the next data frame arrives. It returns io.EOF when
// the peer closed the connection. Control frames are handled internally.
// ctx is only checked before reading; Close unblocks a pending read.
func (c *Conn) ReadFrame(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	typ, data, err := c.conn.ReadMessage()
	if err != nil {
		if isClosed(err) {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("failed to read frame: %w", err)
	}
	return Frame{Binary: typ == websocket.BinaryMessage, Data: data}, nil
}

// WriteFrame sends f as a text or binary message.
func (c *Conn) WriteFrame(ctx context.Context, f Frame) error {
	typ := websocket.TextMessage
	if f.Binary {
		typ = websocket.BinaryMessage
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline(ctx, writeDeadline))
	if err := c.conn.WriteMessage(typ, f.Data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Close sends a normal closure frame on a best-effort basis and closes the
// underlying connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeDeadline))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func deadline(ctx context.Context, max time.Duration) time.Time {
	d := time.Now().Add(max)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

func isClosed(err error) bool {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}
