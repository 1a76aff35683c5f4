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

// Package devbroker runs an in-process MQTT broker for local development and
// for loopback tests of the gateway.
package devbroker

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
)

// Broker is an embedded MQTT broker accepting every client.
type Broker struct {
	server *mqtt.Server
	addr   string
}

// Start listens on addr (host:port) and serves until Close.
func Start(addr string, logger *slog.Logger) (*Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	server := mqtt.New(&mqtt.Options{
		InlineClient: true,
		Logger:       logger.With("component", "devbroker"),
	})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("failed to add auth hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "dev", Address: addr})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if err := server.Serve(); err != nil {
		return nil, fmt.Errorf("failed to start broker: %w", err)
	}

	logger.Info("Embedded MQTT broker listening", "addr", addr)
	return &Broker{server: server, addr: addr}, nil
}

// Addr returns the listen address.
func (b *Broker) Addr() string {
	return b.addr
}

// Host returns the host part of Addr, defaulting to loopback.
func (b *Broker) Host() string {
	host, _, _ := net.SplitHostPort(b.addr)
	if host == "" {
		return "127.0.0.1"
	}
	return host
}

// Port returns the TCP port of Addr.
func (b *Broker) Port() int {
	_, port, _ := net.SplitHostPort(b.addr)
	n, _ := strconv.Atoi(port)
	return n
}

// Publish injects a message as if an external client had published it.
func (b *Broker) Publish(topic string, payload []byte, retain bool, qos byte) error {
	return b.server.Publish(topic, payload, retain, qos)
}

// Close stops the broker and disconnects all clients.
func (b *Broker) Close() error {
	return b.server.Close()
}

// FreeAddr returns a loopback address with a currently unused TCP port.
func FreeAddr() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer l.Close()
	return l.Addr().String(), nil
}
