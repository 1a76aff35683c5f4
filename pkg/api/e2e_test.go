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

package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/web2mqtt/pkg/actor"
	"github.com/turtacn/web2mqtt/pkg/devbroker"
	"github.com/turtacn/web2mqtt/pkg/mqttclient"
	"github.com/turtacn/web2mqtt/pkg/subscriber"
	"github.com/turtacn/web2mqtt/pkg/topic"
)

// TestGatewayWithEmbeddedBroker runs the whole gateway against a real broker.
func TestGatewayWithEmbeddedBroker(t *testing.T) {
	addr, err := devbroker.FreeAddr()
	require.NoError(t, err)
	broker, err := devbroker.Start(addr, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = broker.Close() })

	client := mqttclient.NewPaho(mqttclient.Options{
		Host:      broker.Host(),
		Port:      broker.Port(),
		ClientID:  "e2e-gateway",
		KeepAlive: 15 * time.Second,
	})
	connectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(connectCtx))

	a := subscriber.New(client, topic.NewRegistry(), actor.NewMailbox[subscriber.Message](8), subscriber.Options{})
	actorCtx, stopActor := context.WithCancel(context.Background())
	actorDone := make(chan error, 1)
	go func() { actorDone <- a.Start(actorCtx) }()
	t.Cleanup(func() {
		stopActor()
		<-actorDone
	})

	s := NewServer(Options{}, a.Handle())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"cmd":"sub","topic":"e2e/room1/temp"}`)))
	// The SUBACK is reported back to the actor once the topic is no
	// longer in flight.
	require.Eventually(t, func() bool {
		status := a.Handle().Status(context.Background())
		return strings.Contains(status, "topics: 1") &&
			strings.Contains(status, "in-flight subscribes: 0") &&
			strings.Contains(status, "pending subscribes: 0")
	}, 2*time.Second, 10*time.Millisecond)

	readValue := func(t *testing.T) string {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		return string(data)
	}

	t.Run("ExternalPublishReachesWebSocket", func(t *testing.T) {
		require.NoError(t, broker.Publish("e2e/room1/temp", []byte("21.5"), false, 0))
		assert.Equal(t, "21.5", readValue(t))
	})

	t.Run("HTTPPublishLoopsBack", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/api/publish", "application/json",
			strings.NewReader(`{"topic":"e2e/room1/temp","value":"22.0","qos":1}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		// Values may coalesce; wait for the published one.
		for v := readValue(t); v != "22.0"; v = readValue(t) {
			t.Logf("skipping earlier value %q", v)
		}
	})

	t.Run("StatusReportsConnectedBroker", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/status")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "broker: connected")
		assert.Contains(t, string(body), "watchers: 1")
	})
}
