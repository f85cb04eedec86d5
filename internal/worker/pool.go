package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/scarson/pgworker/internal/store"
	"github.com/scarson/pgworker/internal/tasks"
)

var tracer = otel.Tracer("github.com/scarson/pgworker/internal/worker")

// withQueries runs fn with Queries bound to some connection.
type withQueries func(ctx context.Context, fn func(*store.Queries) error) error

// Handle controls a running engine started by Start.
type Handle struct {
	stopPolling context.CancelFunc
	killJobs    context.CancelFunc
	done        chan struct{}

	errOnce sync.Once
	err     error
}

// Release stops claiming new jobs and waits for in-flight jobs to finish. If
// ctx expires first, running handlers are cancelled and ctx's error is
// returned. Safe to call more than once.
func (h *Handle) Release(ctx context.Context) error {
	h.stopPolling()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		h.killJobs()
		return fmt.Errorf("worker drain: %w", ctx.Err())
	}
}

// Done is closed once every engine goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns why the engine terminated: nil after a normal Release. Only
// meaningful once Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *Handle) fail(err error) {
	h.errOnce.Do(func() {
		h.err = err
		h.stopPolling()
	})
}

// Start launches opts.Concurrency polling goroutines plus the stale-lock
// recovery goroutine against db and returns immediately. The engine outlives
// ctx's cancellation; only Release stops it. ctx contributes its values
// (trace context, loggers) to job contexts.
func Start(ctx context.Context, reg tasks.Registry, db *store.DB, opts Options) *Handle {
	opts = opts.withDefaults()

	base := context.WithoutCancel(ctx)
	pollCtx, stopPolling := context.WithCancel(base)
	jobCtx, killJobs := context.WithCancel(base)
	h := &Handle{
		stopPolling: stopPolling,
		killJobs:    killJobs,
		done:        make(chan struct{}),
	}

	withQ := func(ctx context.Context, fn func(*store.Queries) error) error {
		return db.WithConn(ctx, func(c *pgxpool.Conn) error {
			return fn(store.NewQueries(c))
		})
	}

	var wg sync.WaitGroup
	for i := 0; i < opts.Concurrency; i++ {
		w := newWorker(fmt.Sprintf("%s-%d", opts.WorkerID, i), reg, opts)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					h.fail(fmt.Errorf("worker %s panicked: %v", w.id, p))
				}
			}()
			w.loop(pollCtx, jobCtx, withQ)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		runStaleRecovery(pollCtx, withQ, opts)
	}()

	go func() {
		wg.Wait()
		killJobs()
		close(h.done)
		opts.Logger.Info("worker pool stopped", "worker_id", opts.WorkerID)
	}()

	opts.Logger.Info("worker pool started",
		"worker_id", opts.WorkerID,
		"concurrency", opts.Concurrency,
		"tasks", reg.Names(),
	)
	return h
}

// RunOnce runs every currently runnable job over conn, one at a time, and
// returns when none is left. Job failures are recorded on the job, not
// returned; only claim/record errors and ctx cancellation are.
func RunOnce(ctx context.Context, reg tasks.Registry, conn store.DBTX, opts Options) error {
	opts = opts.withDefaults()
	w := newWorker(opts.WorkerID, reg, opts)
	q := store.NewQueries(conn)
	withQ := func(ctx context.Context, fn func(*store.Queries) error) error {
		return fn(q)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		found, err := w.processNext(ctx, ctx, withQ)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
	}
}

type worker struct {
	id   string
	reg  tasks.Registry
	opts Options
	log  *slog.Logger
}

func newWorker(id string, reg tasks.Registry, opts Options) *worker {
	return &worker{
		id:   id,
		reg:  reg,
		opts: opts,
		log:  opts.Logger.With("worker_id", id),
	}
}

// loop polls until pollCtx is cancelled. Uses time.NewTicker (not
// time.After) to avoid timer leaks.
func (w *worker) loop(pollCtx, jobCtx context.Context, withQ withQueries) {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		w.drain(pollCtx, jobCtx, withQ)
		select {
		case <-pollCtx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drain processes jobs back to back until none is runnable. Errors are logged
// and end the burst; the loop retries on the next tick.
func (w *worker) drain(pollCtx, jobCtx context.Context, withQ withQueries) {
	for pollCtx.Err() == nil {
		found, err := w.processNext(pollCtx, jobCtx, withQ)
		if err != nil {
			if pollCtx.Err() == nil {
				w.log.Error("process job", "error", err)
			}
			return
		}
		if !found {
			return
		}
	}
}

// processNext claims one job under claimCtx and runs it under jobCtx. It
// reports whether a job was found.
func (w *worker) processNext(claimCtx, jobCtx context.Context, withQ withQueries) (bool, error) {
	names := w.reg.Names()
	if len(names) == 0 {
		return false, nil
	}

	var job *store.Job
	if err := withQ(claimCtx, func(q *store.Queries) error {
		var err error
		job, err = q.ClaimJob(claimCtx, w.id, names)
		return err
	}); err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	runErr := w.execute(jobCtx, job)

	// The job has run; record the outcome even if shutdown started meanwhile.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(jobCtx), finishTimeout)
	defer cancel()
	err := withQ(finishCtx, func(q *store.Queries) error {
		if runErr != nil {
			return q.FailJob(finishCtx, job.ID, w.id, runErr.Error())
		}
		return q.CompleteJob(finishCtx, job.ID, w.id)
	})
	return true, err
}

func (w *worker) execute(ctx context.Context, job *store.Job) (err error) {
	ctx, span := tracer.Start(ctx, "job "+job.TaskIdentifier,
		trace.WithAttributes(
			attribute.Int64("pgworker.job.id", job.ID),
			attribute.String("pgworker.task", job.TaskIdentifier),
			attribute.Int("pgworker.job.attempts", int(job.Attempts)),
		),
	)
	defer span.End()

	log := w.log.With("job_id", job.ID, "task", job.TaskIdentifier, "attempts", job.Attempts)
	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		w.opts.Metrics.JobDuration.WithLabelValues(job.TaskIdentifier).Observe(elapsed.Seconds())
		if err != nil {
			w.opts.Metrics.JobsFailed.WithLabelValues(job.TaskIdentifier).Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Error("job failed", "error", err, "duration", elapsed)
			return
		}
		w.opts.Metrics.JobsCompleted.Inc()
		log.Info("job completed", "duration", elapsed)
	}()

	h, ok := w.reg.Lookup(job.TaskIdentifier)
	if !ok {
		return fmt.Errorf("no handler registered for task %q", job.TaskIdentifier)
	}
	return callHandler(ctx, h, tasks.Job{
		ID:          job.ID,
		Identifier:  job.TaskIdentifier,
		Payload:     job.Payload,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
	})
}

// callHandler turns a handler panic into a job failure.
func callHandler(ctx context.Context, h tasks.Handler, job tasks.Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return h(ctx, job)
}

// runStaleRecovery periodically unlocks jobs locked longer than
// opts.StaleAfter, whose worker most likely died mid-job. Uses
// time.NewTicker (not time.After) to avoid timer leaks.
func runStaleRecovery(ctx context.Context, withQ withQueries, opts Options) {
	ticker := time.NewTicker(opts.StaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var n int
			err := withQ(ctx, func(q *store.Queries) error {
				var err error
				n, err = q.RecoverStaleJobs(ctx, opts.StaleAfter)
				return err
			})
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					opts.Logger.Error("stale job recovery error", "error", err)
				}
				continue
			}
			if n > 0 {
				opts.Logger.Info("reclaimed stale jobs", "count", n)
			}
		}
	}
}
