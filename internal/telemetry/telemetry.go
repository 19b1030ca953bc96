// Package telemetry exposes the agent's own operational counters via
// Prometheus. The registry is package-scoped; the optional /metrics listener
// is started by Serve when a listen address is configured.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// EventsDispatched counts events that reached the dispatched state.
	EventsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigil_agent_events_dispatched_total",
		Help: "Events successfully delivered by the dispatcher.",
	})

	// BatchesSent counts batch payloads handed to the dispatcher sink,
	// labeled by outcome.
	BatchesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_agent_batches_total",
		Help: "Dispatcher batches by sink outcome.",
	}, []string{"outcome"})

	// AuthFailures counts failed authentication attempts against the manager.
	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigil_agent_auth_failures_total",
		Help: "Failed authentication attempts.",
	})

	// PendingEvents tracks the pending backlog observed on each dispatcher tick.
	PendingEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vigil_agent_pending_events",
		Help: "Events waiting in the persistent queue.",
	})
)

// Serve runs the /metrics listener on addr until ctx is cancelled.
// Returns nil on graceful shutdown.
func Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	logger.Info("metrics listener started", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
