package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scarson/pgworker/internal/runner"
)

// stateReporter is the part of *runner.Runner the health endpoint needs.
type stateReporter interface {
	State() runner.State
}

type metricsServer struct {
	srv *http.Server
}

// newRouter serves Prometheus metrics on /metrics and the runner state on
// /healthz (200 while active, 503 once stopped).
func newRouter(r stateReporter) http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)

	mux.Handle("/metrics", promhttp.Handler())
	mux.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		state := r.State()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if state != runner.StateActive {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = w.Write([]byte(state.String() + "\n"))
	})
	return mux
}

func startMetricsServer(addr string, r stateReporter) *metricsServer {
	// Explicit timeouts; the endpoints are cheap and never stream.
	srv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(r),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		slog.Info("metrics server started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server", "error", err)
		}
	}()
	return &metricsServer{srv: srv}
}

func (m *metricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
