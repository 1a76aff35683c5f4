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

// package supervisor provides an OTP-style supervisor for managing the
// lifecycle of concurrent actors.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/turtacn/web2mqtt/pkg/actor"
	"github.com/turtacn/web2mqtt/pkg/metrics"
)

// RestartStrategy defines the restart behavior for a supervised child actor.
type RestartStrategy int

const (
	// RestartPermanent indicates that the child actor should always be restarted.
	RestartPermanent RestartStrategy = iota
	// RestartTransient indicates that the child actor should be restarted only if
	// it terminates abnormally (i.e., with an error or a panic).
	RestartTransient
	// RestartTemporary indicates that the child actor should never be restarted.
	RestartTemporary
)

func (r RestartStrategy) String() string {
	switch r {
	case RestartPermanent:
		return "permanent"
	case RestartTransient:
		return "transient"
	case RestartTemporary:
		return "temporary"
	default:
		return fmt.Sprintf("RestartStrategy(%d)", int(r))
	}
}

// DefaultRestartDelay is the pause between a child terminating and its restart.
const DefaultRestartDelay = time.Second

// Spec describes a child actor managed by a supervisor.
type Spec struct {
	// ID is a unique identifier for the child actor, used for logging.
	ID string
	// Actor is the actor instance to be supervised.
	Actor actor.Actor
	// Restart defines the restart strategy for this child.
	Restart RestartStrategy
}

// Supervisor defines the interface for a supervisor process.
type Supervisor interface {
	// Start begins the supervision of a set of child actors.
	Start(ctx context.Context, specs []Spec) error
	// StartChild starts and supervises a single child actor dynamically.
	StartChild(ctx context.Context, spec Spec)
	// Wait blocks until every supervised child has terminated for good.
	Wait()
}

// OneForOneSupervisor implements a one-for-one supervision strategy.
// If a child process terminates, only that process is restarted.
type OneForOneSupervisor struct {
	// RestartDelay throttles restarts of a failing child.
	RestartDelay time.Duration
	logger       *slog.Logger
	wg           sync.WaitGroup
}

// NewOneForOneSupervisor creates a new one-for-one supervisor.
func NewOneForOneSupervisor(logger *slog.Logger) *OneForOneSupervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &OneForOneSupervisor{
		RestartDelay: DefaultRestartDelay,
		logger:       logger.With("component", "supervisor"),
	}
}

// Start launches the initial set of supervised children. This method is non-blocking.
func (s *OneForOneSupervisor) Start(ctx context.Context, specs []Spec) error {
	if len(specs) == 0 {
		return fmt.Errorf("no child specs provided")
	}
	for _, spec := range specs {
		s.StartChild(ctx, spec)
	}
	return nil
}

// StartChild launches and monitors a single new child actor in its own goroutine.
func (s *OneForOneSupervisor) StartChild(ctx context.Context, spec Spec) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorChild(ctx, spec)
	}()
}

// Wait blocks until all children have returned and will not be restarted.
// Callers cancel the context passed to Start first.
func (s *OneForOneSupervisor) Wait() {
	s.wg.Wait()
}

// monitorChild is the internal loop that monitors a single child actor.
// It handles actor termination, panics, and restart logic.
func (s *OneForOneSupervisor) monitorChild(ctx context.Context, spec Spec) {
	log := s.logger.With("actor", spec.ID)
	for {
		err := s.runActor(ctx, spec)
		if err != nil {
			log.Error("Actor terminated", "error", err)
		} else {
			log.Info("Actor terminated")
		}

		// If the supervisor's context is done, do not restart.
		if ctx.Err() != nil {
			log.Info("Supervisor context is done, not restarting actor")
			return
		}

		shouldRestart := false
		switch spec.Restart {
		case RestartPermanent:
			shouldRestart = true
		case RestartTransient:
			shouldRestart = err != nil
		case RestartTemporary:
			shouldRestart = false
		}

		if !shouldRestart {
			log.Info("Actor will not be restarted", "strategy", spec.Restart)
			return
		}

		metrics.SupervisorRestartsTotal.WithLabelValues(spec.ID).Inc()
		log.Warn("Restarting actor", "delay", s.RestartDelay)

		timer := time.NewTimer(s.RestartDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// runActor calls the actor's Start method and turns a panic into an error.
func (s *OneForOneSupervisor) runActor(ctx context.Context, spec Spec) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actor %s panicked: %v", spec.ID, r)
		}
	}()
	s.logger.Info("Starting actor", "actor", spec.ID)
	return spec.Actor.Start(ctx)
}
