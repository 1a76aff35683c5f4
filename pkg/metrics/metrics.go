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

// package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "web2mqtt"

var (
	// MailboxMessagesTotal counts messages accepted by the subscription
	// actor, by kind (publish, subscribe, status, resubscribe).
	MailboxMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "actor",
		Name:      "mailbox_messages_total",
		Help:      "The total number of messages handled by the subscription actor.",
	},
		[]string{"kind"},
	)

	// MailboxDroppedTotal counts messages abandoned because the actor was
	// stopping.
	MailboxDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "actor",
		Name:      "mailbox_dropped_total",
		Help:      "The total number of queued messages abandoned during actor shutdown.",
	})

	// PublishTotal counts broker publishes by result (ok, error).
	PublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broker",
		Name:      "publish_total",
		Help:      "The total number of publish requests forwarded to the broker.",
	},
		[]string{"result"},
	)

	// BrokerSubscribeTotal counts broker-level subscribe calls by result.
	BrokerSubscribeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broker",
		Name:      "subscribe_total",
		Help:      "The total number of broker-level subscribe calls.",
	},
		[]string{"result"},
	)

	// BrokerMessagesTotal counts incoming broker messages, split into
	// delivered (a watcher exists) and dropped (no watcher for the topic).
	BrokerMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broker",
		Name:      "messages_total",
		Help:      "The total number of messages received from the broker.",
	},
		[]string{"outcome"},
	)

	// BrokerConnected is 1 while the broker connection is up.
	BrokerConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "broker",
		Name:      "connected",
		Help:      "Whether the broker connection is currently up.",
	})

	// PublishRateLimitedTotal counts publish requests refused by the HTTP
	// rate limiter.
	PublishRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "publish_rate_limited_total",
		Help:      "The total number of publish requests rejected by the rate limiter.",
	})

	// RegistryTopics is the number of watcher entries in the registry.
	RegistryTopics = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "topics",
		Help:      "The number of topics with a watcher entry.",
	})

	// SessionsActive is the number of open streaming sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "websocket",
		Name:      "sessions_active",
		Help:      "The number of active WebSocket sessions.",
	})

	// SessionsRejectedTotal counts sessions refused by the connection limiter.
	SessionsRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "websocket",
		Name:      "sessions_rejected_total",
		Help:      "The total number of WebSocket sessions rejected at capacity.",
	})

	// ForwardersActive is the number of running per-topic forwarders.
	ForwardersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "websocket",
		Name:      "forwarders_active",
		Help:      "The number of running per-topic forwarding goroutines.",
	})

	// FramesTotal counts WebSocket frames by direction (in, out).
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "websocket",
		Name:      "frames_total",
		Help:      "The total number of WebSocket data frames.",
	},
		[]string{"direction"},
	)

	// InvalidCommandsTotal counts client frames that could not be parsed.
	InvalidCommandsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "websocket",
		Name:      "invalid_commands_total",
		Help:      "The total number of malformed or unknown client commands.",
	})

	// SupervisorRestartsTotal is a counter for the total number of supervisor restarts.
	SupervisorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "supervisor",
		Name:      "restarts_total",
		Help:      "The total number of times a supervised actor has been restarted.",
	},
		[]string{"actor_id"},
	)
)

// Handler returns the HTTP handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes the metrics on a dedicated listener until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Metrics server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
