package main

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/pgworker/internal/config"
	"github.com/scarson/pgworker/internal/metrics"
	"github.com/scarson/pgworker/internal/runner"
)

type fixedState runner.State

func (s fixedState) State() runner.State { return runner.State(s) }

func TestHealthz(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state runner.State
		code  int
	}{
		{runner.StateActive, http.StatusOK},
		{runner.StateStopped, http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.state.String(), func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			newRouter(fixedState(tc.state)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			assert.Equal(t, tc.code, rec.Code)
			assert.Equal(t, tc.state.String()+"\n", rec.Body.String())
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	// Registers the collectors on the default registry served by promhttp.
	metrics.Default().PoolErrors.Inc()

	rec := httptest.NewRecorder()
	newRouter(fixedState(runner.StateActive)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pgworker_pool_errors_total")
}

func TestRunnerOptions(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		DatabaseURL:          "postgres://localhost/jobs",
		DBMaxConns:           4,
		DBStatementTimeoutMS: 1500,
		DBQueryExecMode:      "simple_protocol",
		TaskDirectory:        "/srv/tasks",
		TaskWatch:            true,
		WorkerConcurrency:    3,
	}
	opts := runnerOptions(cfg)

	assert.Nil(t, opts.Pool)
	assert.Empty(t, opts.ConnectionString)
	assert.Equal(t, "postgres://localhost/jobs", opts.ConnStrings.ConnectionString())
	assert.Equal(t, "/srv/tasks", opts.TaskDirectory)
	assert.True(t, opts.WatchTasks)
	assert.Equal(t, int32(4), opts.PoolConfig.MaxConns)
	assert.Equal(t, int64(1500), opts.PoolConfig.StatementTimeout.Milliseconds())
	assert.True(t, opts.PoolConfig.SimpleProtocol)
	assert.Equal(t, 3, opts.Worker.Concurrency)
}

func TestNewLogger(t *testing.T) {
	t.Parallel()
	log := newLogger(&config.Config{LogLevel: "warn", LogFormat: "json", AppEnv: "production"})
	_, isJSON := log.Handler().(*slog.JSONHandler)
	assert.True(t, isJSON)
	assert.False(t, log.Enabled(t.Context(), slog.LevelInfo))
	assert.True(t, log.Enabled(t.Context(), slog.LevelWarn))
}

func TestNewLogger_UnknownLevelIsInfo(t *testing.T) {
	t.Parallel()
	log := newLogger(&config.Config{LogLevel: "chatty", LogFormat: "text"})
	_, isText := log.Handler().(*slog.TextHandler)
	assert.True(t, isText)
	assert.True(t, log.Enabled(t.Context(), slog.LevelInfo))
	assert.False(t, log.Enabled(t.Context(), slog.LevelDebug))
}
