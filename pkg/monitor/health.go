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

// Package monitor provides health checking for the gateway: the broker
// connection, the subscription actor and basic runtime figures.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// HealthChecker provides health checking functionality
type HealthChecker struct {
	mu sync.RWMutex

	healthy   bool
	lastCheck time.Time
	errors    []string
	started   time.Time
	version   string

	checks map[string]HealthCheck
	logger *slog.Logger
}

// HealthCheck represents a health check function
type HealthCheck struct {
	Name        string
	CheckFunc   func() error
	Critical    bool
	LastChecked time.Time
	LastError   error
	Enabled     bool
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status     string                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Uptime     int64                  `json:"uptime"`
	Version    string                 `json:"version"`
	Errors     []string               `json:"errors,omitempty"`
	Checks     map[string]CheckResult `json:"checks"`
	SystemInfo SystemInfo             `json:"system_info"`
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Message     string    `json:"message,omitempty"`
	Critical    bool      `json:"critical"`
}

// SystemInfo contains runtime information
type SystemInfo struct {
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	NumGC      uint32 `json:"num_gc"`
	GoVersion  string `json:"go_version"`
}

// NewHealthChecker creates a new health checker instance
func NewHealthChecker(version string, logger *slog.Logger) *HealthChecker {
	if logger == nil {
		logger = slog.Default()
	}
	hc := &HealthChecker{
		healthy: true,
		started: time.Now(),
		version: version,
		checks:  make(map[string]HealthCheck),
		logger:  logger.With("component", "monitor"),
	}

	hc.RegisterCheck("goroutines", func() error {
		count := runtime.NumGoroutine()
		if count > 100000 {
			return fmt.Errorf("high goroutine count: %d", count)
		}
		return nil
	}, false)

	return hc
}

// RegisterCheck registers a new health check
func (hc *HealthChecker) RegisterCheck(name string, checkFunc func() error, critical bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.checks[name] = HealthCheck{
		Name:      name,
		CheckFunc: checkFunc,
		Critical:  critical,
		Enabled:   true,
	}
}

// UnregisterCheck removes a health check
func (hc *HealthChecker) UnregisterCheck(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	delete(hc.checks, name)
}

// EnableCheck enables a health check
func (hc *HealthChecker) EnableCheck(name string) {
	hc.setEnabled(name, true)
}

// DisableCheck disables a health check
func (hc *HealthChecker) DisableCheck(name string) {
	hc.setEnabled(name, false)
}

func (hc *HealthChecker) setEnabled(name string, enabled bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if check, exists := hc.checks[name]; exists {
		check.Enabled = enabled
		hc.checks[name] = check
	}
}

// RunChecks executes all registered health checks
func (hc *HealthChecker) RunChecks() HealthStatus {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	now := time.Now()
	hc.lastCheck = now

	checkResults := make(map[string]CheckResult)
	overallHealthy := true
	var criticalErrors []string

	for name, check := range hc.checks {
		if !check.Enabled {
			continue
		}

		start := time.Now()
		err := check.CheckFunc()
		if d := time.Since(start); d > time.Second {
			hc.logger.Warn("Slow health check", "check", name, "duration", d)
		}

		result := CheckResult{Status: "passed", LastChecked: now, Critical: check.Critical}
		check.LastError = err
		if err != nil {
			result.Status = "failed"
			result.Message = err.Error()
			if check.Critical {
				criticalErrors = append(criticalErrors, fmt.Sprintf("%s: %s", name, err.Error()))
				overallHealthy = false
			}
		}
		check.LastChecked = now
		hc.checks[name] = check
		checkResults[name] = result
	}

	sort.Strings(criticalErrors)
	hc.healthy = overallHealthy
	hc.errors = criticalErrors

	return hc.status(now, checkResults)
}

// GetStatus returns the current health status without running checks
func (hc *HealthChecker) GetStatus() HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	checkResults := make(map[string]CheckResult)
	for name, check := range hc.checks {
		if !check.Enabled {
			continue
		}
		result := CheckResult{Status: "unknown", LastChecked: check.LastChecked, Critical: check.Critical}
		if !check.LastChecked.IsZero() {
			result.Status = "passed"
			if check.LastError != nil {
				result.Status = "failed"
				result.Message = check.LastError.Error()
			}
		}
		checkResults[name] = result
	}
	return hc.status(hc.lastCheck, checkResults)
}

func (hc *HealthChecker) status(ts time.Time, checks map[string]CheckResult) HealthStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	status := "healthy"
	if !hc.healthy {
		status = "unhealthy"
	}
	return HealthStatus{
		Status:    status,
		Timestamp: ts,
		Uptime:    int64(time.Since(hc.started).Seconds()),
		Version:   hc.version,
		Errors:    hc.errors,
		Checks:    checks,
		SystemInfo: SystemInfo{
			Goroutines: runtime.NumGoroutine(),
			HeapAlloc:  m.HeapAlloc,
			NumGC:      m.NumGC,
			GoVersion:  runtime.Version(),
		},
	}
}

// IsHealthy reports the result of the last RunChecks.
func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.healthy
}

// Run executes the checks once and then every interval until ctx is done.
func (hc *HealthChecker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	wasHealthy := true
	check := func() {
		status := hc.RunChecks()
		healthy := status.Status == "healthy"
		if healthy != wasHealthy {
			if healthy {
				hc.logger.Info("Health restored")
			} else {
				hc.logger.Warn("Health check failed", "errors", status.Errors)
			}
		}
		wasHealthy = healthy
	}

	check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

// Connectivity is implemented by the broker client.
type Connectivity interface {
	IsConnected() bool
}

// BrokerCheck fails while the broker connection is down.
func BrokerCheck(c Connectivity) func() error {
	return func() error {
		if !c.IsConnected() {
			return fmt.Errorf("broker disconnected")
		}
		return nil
	}
}

// StateCheck fails unless state() returns want.
func StateCheck[S fmt.Stringer](state func() S, want S) func() error {
	return func() error {
		if s := state(); s.String() != want.String() {
			return fmt.Errorf("state is %s, want %s", s, want)
		}
		return nil
	}
}

// HealthServer provides HTTP endpoints for health checking
type HealthServer struct {
	checker *HealthChecker
}

// NewHealthServer creates a new health server instance
func NewHealthServer(checker *HealthChecker) *HealthServer {
	return &HealthServer{checker: checker}
}

// RegisterRoutes registers health check routes
func (hs *HealthServer) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", hs.handleHealth)
	r.Get("/healthz/live", hs.handleLiveness)
	r.Get("/healthz/ready", hs.handleReadiness)
}

// handleHealth runs the checks and returns the detailed status.
func (hs *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hs.checker.RunChecks()
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// handleLiveness only reports that the process serves HTTP.
func (hs *HealthServer) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReadiness reports the result of the last check run.
func (hs *HealthServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if hs.checker.IsHealthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("Service Unavailable"))
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
