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
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/web2mqtt/pkg/devbroker"
)

func TestParseQoS(t *testing.T) {
	for n := 0; n <= 2; n++ {
		q, err := ParseQoS(n)
		require.NoError(t, err)
		assert.Equal(t, QoS(n), q)
		assert.True(t, q.Valid())
	}
	_, err := ParseQoS(3)
	assert.Error(t, err)
	_, err = ParseQoS(-1)
	assert.Error(t, err)
	assert.False(t, QoS(7).Valid())
	assert.Equal(t, "at-least-once", AtLeastOnce.String())
}

func TestQoSUnmarshalJSON(t *testing.T) {
	var body struct {
		QoS QoS `json:"qos"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"qos":2}`), &body))
	assert.Equal(t, ExactlyOnce, body.QoS)

	assert.Error(t, json.Unmarshal([]byte(`{"qos":5}`), &body))
	assert.Error(t, json.Unmarshal([]byte(`{"qos":"high"}`), &body))
}

type testToken struct {
	done chan struct{}
	err  error
}

func (t testToken) Done() <-chan struct{} { return t.done }

func (t testToken) Error() error { return t.err }

func TestWait(t *testing.T) {
	tok := testToken{done: make(chan struct{}), err: errors.New("refused")}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, Wait(ctx, tok), context.DeadlineExceeded)

	close(tok.done)
	assert.EqualError(t, Wait(context.Background(), tok), "refused")
}

func TestBrokerURL(t *testing.T) {
	assert.Equal(t, "tcp://broker.local:1883", Options{Host: "broker.local", Port: 1883}.BrokerURL())
	assert.Equal(t, "ssl://broker.local:8883", Options{Host: "ssl://broker.local:8883", Port: 1}.BrokerURL())
}

func TestDefaultClientID(t *testing.T) {
	id := DefaultClientID()
	assert.True(t, strings.HasPrefix(id, "hcs-"))
	parts := strings.Split(id, "-")
	assert.Len(t, parts[len(parts)-1], 8)
	assert.NotEqual(t, id, DefaultClientID())
}

func startBroker(t *testing.T) *devbroker.Broker {
	t.Helper()
	addr, err := devbroker.FreeAddr()
	require.NoError(t, err)
	b, err := devbroker.Start(addr, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func pollMessage(t *testing.T, p *Paho, topic string) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		ev, err := p.Poll(ctx)
		require.NoError(t, err)
		if ev.Kind == EventMessage && ev.Topic == topic {
			return ev
		}
	}
}

func TestPahoLoopback(t *testing.T) {
	b := startBroker(t)

	p := NewPaho(Options{Host: b.Host(), Port: b.Port(), ClientID: "loopback-test", KeepAlive: 15 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Connect(ctx))
	assert.Eventually(t, p.IsConnected, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, Wait(ctx, p.Subscribe("room1/temp", AtMostOnce)))
	require.NoError(t, Wait(ctx, p.Publish("room1/temp", AtLeastOnce, false, []byte("21.5"))))

	ev := pollMessage(t, p, "room1/temp")
	assert.Equal(t, "21.5", string(ev.Payload))

	// Messages from other publishers arrive the same way.
	require.NoError(t, b.Publish("room1/temp", []byte("22.0"), false, 0))
	ev = pollMessage(t, p, "room1/temp")
	assert.Equal(t, "22.0", string(ev.Payload))

	require.NoError(t, p.Disconnect(ctx))
	assert.False(t, p.IsConnected())
	_, err := p.Poll(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPahoConnectTimeout(t *testing.T) {
	addr, err := devbroker.FreeAddr()
	require.NoError(t, err)

	// Nothing listens on addr, so the first attempt cannot complete.
	p := NewPaho(Options{Host: "tcp://" + addr})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.Error(t, p.Connect(ctx))
	assert.False(t, p.IsConnected())

	require.NoError(t, p.Disconnect(context.Background()))
}
