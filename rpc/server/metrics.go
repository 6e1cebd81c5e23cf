package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ValentinKolb/dLock/rpc/common"
	"github.com/ValentinKolb/dLock/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// countRequest increments dlock_requests_total for the action and the
// status of its response
func countRequest(action string, status common.Status) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`dlock_requests_total{action=%q,status=%q}`, action, status.String())).Inc()
}

// metricsRouter serves /metrics in the Prometheus text format and /health
func metricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"status":"ok","connections":%d}`, transport.OpenConnections())
	})
	return r
}

// serveMetrics runs the metrics endpoint until ctx is cancelled
func serveMetrics(ctx context.Context, endpoint string) {
	server := &http.Server{
		Addr:              endpoint,
		Handler:           metricsRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	Logger.Infof("Serving metrics on %s", endpoint)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		Logger.Errorf("Metrics endpoint failed: %v", err)
	}
}
