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

package transport

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
)

// setupTestServer upgrades every request and hands the server side of the
// connection to the test through the returned channel.
func setupTestServer(t *testing.T, origins []string) (*httptest.Server, <-chan *Conn) {
	t.Helper()
	conns := make(chan *Conn, 1)
	upgrader := NewUpgrader(origins)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- NewConn(ws)
	}))
	t.Cleanup(srv.Close)
	return srv, conns
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func accept(t *testing.T, conns <-chan *Conn) *Conn {
	t.Helper()
	select {
	case c := <-conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func TestConn_ReadWriteFrames(t *testing.T) {
	srv, conns := setupTestServer(t, nil)
	client := dial(t, srv, nil)
	server := accept(t, conns)
	ctx := context.Background()

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"cmd":"sub","topic":"a"}`)))
	f, err := server.ReadFrame(ctx)
	require.NoError(t, err)
	assert.False(t, f.Binary)
	assert.Equal(t, `{"cmd":"sub","topic":"a"}`, string(f.Data))

	require.NoError(t, server.WriteFrame(ctx, TextFrame("21.5")))
	typ, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, typ)
	assert.Equal(t, "21.5", string(data))

	require.NoError(t, server.WriteFrame(ctx, Frame{Binary: true, Data: []byte{0xff, 0x00}}))
	typ, data, err = client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, typ)
	assert.Equal(t, []byte{0xff, 0x00}, data)
}

func TestConn_Ping(t *testing.T) {
	srv, conns := setupTestServer(t, nil)
	client := dial(t, srv, nil)
	server := accept(t, conns)

	pinged := make(chan string, 1)
	client.SetPingHandler(func(appData string) error {
		pinged <- appData
		return nil
	})
	// Control frames are processed while the client reads.
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.NoError(t, server.Ping(context.Background()))
	select {
	case data := <-pinged:
		assert.Equal(t, string([]byte{1, 2, 3}), data)
	case <-time.After(2 * time.Second):
		t.Fatal("ping not received")
	}
}

func TestConn_ReadFrameEOFOnClientClose(t *testing.T) {
	srv, conns := setupTestServer(t, nil)
	client := dial(t, srv, nil)
	server := accept(t, conns)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	_, err := server.ReadFrame(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestConn_CloseUnblocksRead(t *testing.T) {
	srv, conns := setupTestServer(t, nil)
	_ = dial(t, srv, nil)
	server := accept(t, conns)

	errCh := make(chan error, 1)
	go func() {
		_, err := server.ReadFrame(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, server.Close())
	assert.NoError(t, server.Close(), "second close is a no-op")

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("read not unblocked by Close")
	}

	assert.Error(t, server.WriteFrame(context.Background(), TextFrame("late")))
}

func TestConn_ReadFrameCanceledContext(t *testing.T) {
	srv, conns := setupTestServer(t, nil)
	_ = dial(t, srv, nil)
	server := accept(t, conns)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := server.ReadFrame(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUpgraderOrigins(t *testing.T) {
	srv, _ := setupTestServer(t, []string{"https://app.example.com"})
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	assert.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}

	header = http.Header{"Origin": []string{"https://app.example.com"}}
	_ = dial(t, srv, header)
}
