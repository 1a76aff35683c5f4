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

// Package api serves the gateway's web surface: plain HTTP status and
// publish endpoints and the WebSocket streaming endpoint, all backed by the
// subscription actor's handle.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/turtacn/web2mqtt/pkg/auth"
	"github.com/turtacn/web2mqtt/pkg/metrics"
	"github.com/turtacn/web2mqtt/pkg/monitor"
	"github.com/turtacn/web2mqtt/pkg/mqttclient"
	"github.com/turtacn/web2mqtt/pkg/session"
	"github.com/turtacn/web2mqtt/pkg/transport"
)

const (
	// DefaultRequestTimeout bounds status and publish requests.
	DefaultRequestTimeout = 10 * time.Second
	// ShutdownTimeout bounds graceful shutdown of the HTTP server.
	ShutdownTimeout = 10 * time.Second

	maxBodyBytes = 1 << 20
)

// Gateway is what the handlers need from the subscription actor.
// subscriber.Handle implements it.
type Gateway interface {
	session.Subscriber
	Publish(ctx context.Context, topic string, payload []byte, qos mqttclient.QoS, retain bool) string
	Status(ctx context.Context) string
}

// Options configure a Server. Zero values disable the matching limit.
type Options struct {
	Addr           string
	AllowedOrigins []string
	// MaxSessions caps concurrent WebSocket sessions.
	MaxSessions int
	// PublishRate is the sustained rate of publish requests per second.
	PublishRate  float64
	PublishBurst int
	// RequestTimeout defaults to DefaultRequestTimeout. It does not apply
	// to WebSocket sessions.
	RequestTimeout   time.Duration
	SubscribeTimeout time.Duration

	Auth   *auth.AuthChain
	Health *monitor.HealthChecker
	Logger *slog.Logger
}

// PublishRequest is the body of POST /api/publish.
type PublishRequest struct {
	Topic  string         `json:"topic"`
	Value  string         `json:"value"`
	QoS    mqttclient.QoS `json:"qos"`
	Retain bool           `json:"retain"`
}

// Server is the gateway's HTTP server.
type Server struct {
	httpServer *http.Server
	router     chi.Router
	gateway    Gateway
	upgrader   *websocket.Upgrader
	limiter    *rate.Limiter
	opts       Options
	logger     *slog.Logger

	sessions   atomic.Int64
	baseCtx    context.Context
	cancelBase context.CancelFunc
	sessionsWG sync.WaitGroup
	closeOnce  sync.Once
}

// NewServer creates a server routing to gw.
func NewServer(opts Options, gw Gateway) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		gateway:    gw,
		upgrader:   transport.NewUpgrader(opts.AllowedOrigins),
		opts:       opts,
		logger:     logger.With("component", "api"),
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
	if opts.PublishRate > 0 {
		burst := opts.PublishBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.PublishRate), burst)
	}

	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", metrics.Handler())
	if s.opts.Health != nil {
		monitor.NewHealthServer(s.opts.Health).RegisterRoutes(r)
	}

	r.Route("/api", func(r chi.Router) {
		if s.opts.Auth != nil {
			r.Use(auth.Middleware(s.opts.Auth))
		}
		r.Group(func(r chi.Router) {
			r.Use(withTimeout(s.opts.RequestTimeout))
			r.Get("/status", s.handleStatus)
			r.Post("/publish", s.handlePublish)
		})
		r.Get("/ws", s.handleWS)
	})
	s.router = r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Sessions returns the number of open WebSocket sessions.
func (s *Server) Sessions() int {
	return int(s.sessions.Load())
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully and waits for every WebSocket session to end.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("Listening", "addr", ln.Addr().String())

	errc := make(chan error, 1)
	go func() {
		errc <- s.httpServer.Serve(ln)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	s.Close()
	s.logger.Debug("Shutdown completed")

	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	if err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}

// Close ends every WebSocket session and waits for them. The HTTP listener
// is left to Serve.
func (s *Server) Close() {
	s.closeOnce.Do(s.cancelBase)
	s.sessionsWG.Wait()
}

// handleStatus returns the actor's status text.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, s.gateway.Status(r.Context()))
}

// handlePublish publishes the request body's value to its topic and answers
// with the actor's reply text.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		metrics.PublishRateLimitedTotal.Inc()
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	var req PublishRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Topic == "" {
		http.Error(w, "Invalid request body: missing topic", http.StatusBadRequest)
		return
	}

	reply := s.gateway.Publish(r.Context(), req.Topic, []byte(req.Value), req.QoS, req.Retain)
	writeText(w, http.StatusOK, reply)
}

// handleWS upgrades the connection and runs a session on it. Sessions
// outlive the request and end with Close.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.baseCtx.Err() != nil {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.acquireSession() {
		metrics.SessionsRejectedTotal.Inc()
		s.logger.Warn("Session limit reached", "remote", r.RemoteAddr, "max", s.opts.MaxSessions)
		http.Error(w, "Too many sessions", http.StatusServiceUnavailable)
		return
	}

	s.sessionsWG.Add(1)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied.
		s.logger.Debug("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		s.releaseSession()
		s.sessionsWG.Done()
		return
	}

	sess := session.New(transport.NewConn(conn), s.gateway, session.Options{
		Logger:           s.logger,
		Remote:           r.RemoteAddr,
		SubscribeTimeout: s.opts.SubscribeTimeout,
	})
	go func() {
		defer s.sessionsWG.Done()
		defer s.releaseSession()
		if err := sess.Run(s.baseCtx); err != nil {
			s.logger.Debug("Session ended with error", "session", sess.ID, "error", err)
		}
	}()
}

func (s *Server) acquireSession() bool {
	n := s.sessions.Add(1)
	if s.opts.MaxSessions > 0 && n > int64(s.opts.MaxSessions) {
		s.sessions.Add(-1)
		return false
	}
	return true
}

func (s *Server) releaseSession() {
	s.sessions.Add(-1)
}

// logRequests logs one line per request with slog.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// withTimeout bounds the request context. Handlers degrade to a text reply
// on expiry instead of failing the request.
func withTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}
