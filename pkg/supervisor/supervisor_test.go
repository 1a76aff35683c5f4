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

package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockActor is a controllable actor for testing purposes.
type mockActor struct {
	starts    atomic.Int32
	startFunc func(ctx context.Context) error
}

func (m *mockActor) Start(ctx context.Context) error {
	m.starts.Add(1)
	if m.startFunc != nil {
		return m.startFunc(ctx)
	}
	// Block until context is cancelled by default
	<-ctx.Done()
	return nil
}

func newTestSupervisor() *OneForOneSupervisor {
	sup := NewOneForOneSupervisor(nil)
	sup.RestartDelay = 10 * time.Millisecond
	return sup
}

func waitDone(t *testing.T, sup *OneForOneSupervisor) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		sup.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not finish")
	}
}

func TestSupervisor_StartAndShutdown(t *testing.T) {
	sup := newTestSupervisor()
	ctx, cancel := context.WithCancel(context.Background())

	a := &mockActor{}
	err := sup.Start(ctx, []Spec{{ID: "test-actor", Actor: a, Restart: RestartPermanent}})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return a.starts.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	waitDone(t, sup)
	assert.Equal(t, int32(1), a.starts.Load(), "cancelled actor must not be restarted")
}

func TestSupervisor_OneForOne_PermanentRestart(t *testing.T) {
	sup := newTestSupervisor()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := &mockActor{startFunc: func(ctx context.Context) error {
		return errors.New("i have failed")
	}}
	require.NoError(t, sup.Start(ctx, []Spec{{ID: "actor-to-restart", Actor: a, Restart: RestartPermanent}}))

	assert.Eventually(t, func() bool { return a.starts.Load() > 2 }, 2*time.Second, 5*time.Millisecond,
		"Actor should have been restarted")

	cancel()
	waitDone(t, sup)
}

func TestSupervisor_OneForOne_PanicRestart(t *testing.T) {
	sup := newTestSupervisor()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := &mockActor{startFunc: func(ctx context.Context) error {
		panic("something went horribly wrong")
	}}
	require.NoError(t, sup.Start(ctx, []Spec{{ID: "panicking-actor", Actor: a, Restart: RestartTransient}}))

	assert.Eventually(t, func() bool { return a.starts.Load() > 1 }, 2*time.Second, 5*time.Millisecond,
		"Actor should have panicked and been restarted by the supervisor")

	cancel()
	waitDone(t, sup)
}

func TestSupervisor_OneForOne_NoRestart(t *testing.T) {
	sup := newTestSupervisor()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := &mockActor{startFunc: func(ctx context.Context) error {
		return errors.New("terminated")
	}}
	require.NoError(t, sup.Start(ctx, []Spec{{ID: "temp-actor", Actor: a, Restart: RestartTemporary}}))

	// Wait returns on its own because the child is never restarted.
	waitDone(t, sup)
	assert.Equal(t, int32(1), a.starts.Load(), "Temporary actor should only start once")
}

func TestSupervisor_Strategies(t *testing.T) {
	t.Run("start with no specs", func(t *testing.T) {
		sup := newTestSupervisor()
		err := sup.Start(context.Background(), []Spec{})
		assert.Error(t, err)
		assert.Equal(t, "no child specs provided", err.Error())
	})

	t.Run("transient restart on error", func(t *testing.T) {
		sup := newTestSupervisor()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		a := &mockActor{startFunc: func(ctx context.Context) error {
			return errors.New("i failed")
		}}
		require.NoError(t, sup.Start(ctx, []Spec{{ID: "transient-actor-fail", Actor: a, Restart: RestartTransient}}))

		assert.Eventually(t, func() bool { return a.starts.Load() > 1 }, 2*time.Second, 5*time.Millisecond,
			"Transient actor should restart after failure")
		cancel()
		waitDone(t, sup)
	})

	t.Run("transient no restart on success", func(t *testing.T) {
		sup := newTestSupervisor()
		a := &mockActor{startFunc: func(ctx context.Context) error {
			return nil // Normal termination
		}}
		require.NoError(t, sup.Start(context.Background(), []Spec{{ID: "transient-actor-success", Actor: a, Restart: RestartTransient}}))

		waitDone(t, sup)
		assert.Equal(t, int32(1), a.starts.Load(), "Transient actor should not restart after normal termination")
	})

	t.Run("strategy names", func(t *testing.T) {
		assert.Equal(t, "permanent", RestartPermanent.String())
		assert.Equal(t, "transient", RestartTransient.String())
		assert.Equal(t, "temporary", RestartTemporary.String())
	})
}
