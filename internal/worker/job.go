// Package worker is the execution engine: goroutines that claim jobs from
// pgworker.jobs with FOR UPDATE SKIP LOCKED and run them through a
// tasks.Registry.
//
// Start runs the engine until its Handle is released; RunOnce drains the
// runnable jobs once over a single connection and returns.
package worker

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/scarson/pgworker/internal/metrics"
)

const (
	defaultPollInterval       = 2 * time.Second
	defaultStaleAfter         = 4 * time.Hour
	defaultStaleCheckInterval = 1 * time.Minute

	// finishTimeout bounds the completion/failure write for a job that has
	// already run, even while the engine is shutting down.
	finishTimeout = 10 * time.Second
)

// Options tunes the engine. Zero values take defaults.
type Options struct {
	// Concurrency is the number of polling goroutines. Default 1.
	Concurrency int
	// PollInterval is how long an idle goroutine waits before polling again.
	PollInterval time.Duration
	// StaleAfter is the lock age after which a job is assumed orphaned by a
	// dead worker and unlocked.
	StaleAfter time.Duration
	// StaleCheckInterval is how often stale locks are looked for.
	StaleCheckInterval time.Duration
	// WorkerID prefixes the locked_by value of every goroutine. Default is a
	// random UUID.
	WorkerID string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = defaultStaleAfter
	}
	if o.StaleCheckInterval <= 0 {
		o.StaleCheckInterval = defaultStaleCheckInterval
	}
	if o.WorkerID == "" {
		o.WorkerID = "worker-" + uuid.New().String()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Default()
	}
	return o
}
