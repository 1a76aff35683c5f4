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

package devbroker

import (
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartAndClose(t *testing.T) {
	addr, err := FreeAddr()
	require.NoError(t, err)

	b, err := Start(addr, nil)
	require.NoError(t, err)

	assert.Equal(t, addr, b.Addr())
	assert.Equal(t, "127.0.0.1", b.Host())
	_, port, _ := net.SplitHostPort(addr)
	assert.Equal(t, port, strconv.Itoa(b.Port()))

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_ = conn.Close()

	assert.NoError(t, b.Publish("dev/topic", []byte("x"), false, 0))
	assert.NoError(t, b.Close())
}

func TestHostDefaultsToLoopback(t *testing.T) {
	b := &Broker{addr: ":1883"}
	assert.Equal(t, "127.0.0.1", b.Host())
	assert.Equal(t, 1883, b.Port())
}

func TestStartFailsOnBusyAddress(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	_, err = Start(l.Addr().String(), nil)
	assert.Error(t, err)
}
