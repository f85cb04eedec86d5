// Package metrics holds the Prometheus collectors shared by the pool observer
// and the worker.
package metrics

import (
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pgworker"

// Metrics is the set of collectors exported by the runner.
type Metrics struct {
	JobsCompleted prometheus.Counter
	JobsFailed    *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	PoolErrors    prometheus.Counter
}

// New creates the collectors and registers them on reg. Collectors already
// registered on reg are reused, so calling New twice with the same registerer
// is safe.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		JobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs that completed successfully.",
		}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Total number of job attempts that failed.",
		}, []string{"task"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job handler execution time in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"}),
		PoolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_errors_total",
			Help:      "Connection-level errors reported by the database pool.",
		}),
	}

	var err error
	m.JobsCompleted, err = register(reg, m.JobsCompleted)
	if err != nil {
		return nil, err
	}
	m.JobsFailed, err = register(reg, m.JobsFailed)
	if err != nil {
		return nil, err
	}
	m.JobDuration, err = register(reg, m.JobDuration)
	if err != nil {
		return nil, err
	}
	m.PoolErrors, err = register(reg, m.PoolErrors)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register metrics: %w", err)
	}
	return c, nil
}

var (
	defaultOnce sync.Once
	defaultM    *Metrics
)

// Default returns the process-wide collectors registered on the default
// Prometheus registerer.
func Default() *Metrics {
	defaultOnce.Do(func() {
		m, err := New(prometheus.DefaultRegisterer)
		if err != nil {
			// Only reachable if an unrelated collector already uses one of our
			// names; fall back to unregistered collectors.
			m, _ = New(prometheus.NewRegistry())
		}
		defaultM = m
	})
	return defaultM
}
