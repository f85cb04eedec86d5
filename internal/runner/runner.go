// Package runner is the public entry point of pgworker. It resolves Options,
// obtains a pool, brings the schema up to date and then either stops
// (SchemaOnly), drains the queue once (RunOnce) or starts a long-lived
// engine (Run).
//
// Every resource a call acquires is registered in a release.Registry as soon
// as it exists. If setup fails part way, everything registered so far is
// released in reverse order and the original error is returned. A pool passed
// in Options.Pool belongs to the caller and is never closed.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/scarson/pgworker/internal/release"
	"github.com/scarson/pgworker/internal/store"
	"github.com/scarson/pgworker/internal/tasks"
	"github.com/scarson/pgworker/internal/worker"
)

var tracer = otel.Tracer("github.com/scarson/pgworker/internal/runner")

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// session is what a successful setup hands to the entry points.
type session struct {
	log   *slog.Logger
	reg   *release.Registry
	db    *store.DB
	tasks tasks.Registry
}

// setup validates opts, then loads handlers (when withTasks), obtains the
// pool and applies migrations. On failure everything acquired is released
// and the original error is returned unchanged.
func setup(ctx context.Context, opts *Options, withTasks bool) (*session, error) {
	poolSrc, err := opts.resolvePoolSource()
	if err != nil {
		return nil, err
	}
	var taskSrc taskSource
	if withTasks {
		if taskSrc, err = opts.resolveTaskSource(); err != nil {
			return nil, err
		}
	}

	ctx, span := tracer.Start(ctx, "pgworker.setup")
	defer span.End()

	s := &session{log: opts.logger(), reg: release.New()}
	if err := s.acquire(ctx, opts, poolSrc, taskSrc, withTasks); err != nil {
		recordError(span, err)
		// Releasing must not be cut short by the ctx that may have caused
		// the failure.
		if relErr := s.reg.ReleaseAll(context.WithoutCancel(ctx)); relErr != nil {
			s.log.Error("release after failed setup", "error", relErr)
		}
		return nil, err
	}
	return s, nil
}

func (s *session) acquire(ctx context.Context, opts *Options, poolSrc poolSource, taskSrc taskSource, withTasks bool) error {
	if withTasks {
		reg, err := loadTasks(ctx, taskSrc, s.reg, s.log)
		if err != nil {
			return err
		}
		s.tasks = reg
	}

	db, err := acquirePool(ctx, poolSrc, s.reg, opts)
	if err != nil {
		return err
	}
	s.db = db

	return ensureSchema(ctx, db)
}

func loadTasks(ctx context.Context, src taskSource, reg *release.Registry, log *slog.Logger) (tasks.Registry, error) {
	if src.list != nil {
		return src.list, nil
	}
	w, err := tasks.Load(ctx, src.dir, src.watch, log)
	if err != nil {
		return nil, &ConfigError{Msg: err.Error()}
	}
	if err := reg.Add(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// SchemaOnly brings the database schema up to date and releases everything it
// acquired. Handler options are ignored.
func SchemaOnly(ctx context.Context, opts Options) error {
	s, err := setup(ctx, &opts, false)
	if err != nil {
		return err
	}
	s.log.Info("schema is up to date")
	return s.reg.ReleaseAll(context.WithoutCancel(ctx))
}

// RunOnce runs every currently runnable job once over a single borrowed
// connection, then releases everything it acquired. Job failures are
// recorded on the jobs themselves and are not returned.
func RunOnce(ctx context.Context, opts Options) error {
	s, err := setup(ctx, &opts, true)
	if err != nil {
		return err
	}

	runErr := s.db.WithConn(ctx, func(conn *pgxpool.Conn) error {
		return worker.RunOnce(ctx, s.tasks, conn, opts.workerOptions())
	})
	var acqErr *store.AcquireError
	if errors.As(runErr, &acqErr) {
		runErr = &ConnectionError{Op: "borrow connection for run", Err: runErr}
	}

	relErr := s.reg.ReleaseAll(context.WithoutCancel(ctx))
	return errors.Join(runErr, relErr)
}

// QuickAddJob enqueues one job without starting an engine: it resolves the
// pool, brings the schema up to date, adds the job and releases everything
// it acquired.
func QuickAddJob(ctx context.Context, opts Options, spec store.JobSpec) (*store.Job, error) {
	s, err := setup(ctx, &opts, false)
	if err != nil {
		return nil, err
	}
	job, addErr := addJob(ctx, s.db, spec)
	relErr := s.reg.ReleaseAll(context.WithoutCancel(ctx))
	if addErr != nil {
		return nil, errors.Join(addErr, relErr)
	}
	return job, relErr
}

func addJob(ctx context.Context, db *store.DB, spec store.JobSpec) (*store.Job, error) {
	var job *store.Job
	err := db.WithConn(ctx, func(conn *pgxpool.Conn) error {
		var err error
		job, err = store.NewQueries(conn).AddJob(ctx, spec)
		return err
	})
	var acqErr *store.AcquireError
	if errors.As(err, &acqErr) {
		return nil, &ConnectionError{Op: "borrow connection for add job", Err: err}
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Run sets up and starts the execution engine and returns a Runner that
// controls it. The engine keeps running after ctx is cancelled; call
// Runner.Stop to shut it down.
func Run(ctx context.Context, opts Options) (*Runner, error) {
	s, err := setup(ctx, &opts, true)
	if err != nil {
		return nil, err
	}

	engine := worker.Start(ctx, s.tasks, s.db, opts.workerOptions())
	return &Runner{
		log:    s.log,
		reg:    s.reg,
		db:     s.db,
		engine: engine,
	}, nil
}

// State is the lifecycle state of a Runner.
type State int

const (
	StateActive State = iota
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Runner controls an engine started by Run.
type Runner struct {
	log    *slog.Logger
	reg    *release.Registry
	db     *store.DB
	engine *worker.Handle

	// mu guards state. AddJob holds it for reading for its whole duration so
	// Stop cannot release the pool under an in-flight insert.
	mu    sync.RWMutex
	state State
}

// State reports whether the runner is active or stopped.
func (r *Runner) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Stop shuts the engine down and then releases every resource Run acquired.
// The first call performs the shutdown; later calls return ErrAlreadyStopped.
// If ctx expires while jobs are still running they are cancelled, and the
// remaining resources are released regardless.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateStopped {
		r.mu.Unlock()
		return ErrAlreadyStopped
	}
	r.state = StateStopped
	r.mu.Unlock()

	r.log.Info("stopping runner")
	engineErr := r.engine.Release(ctx)
	relErr := r.reg.ReleaseAll(context.WithoutCancel(ctx))
	err := errors.Join(engineErr, relErr)
	if err != nil {
		r.log.Warn("runner stopped with errors", "error", err)
		return err
	}
	r.log.Info("runner stopped")
	return nil
}

// AddJob enqueues a job over a connection borrowed from the runner's pool.
// It fails with ErrRunnerStopped once Stop has been called.
func (r *Runner) AddJob(ctx context.Context, spec store.JobSpec) (*store.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state == StateStopped {
		return nil, ErrRunnerStopped
	}
	return addJob(ctx, r.db, spec)
}

// Done is closed when the engine has terminated, whether through Stop or a
// fatal error.
func (r *Runner) Done() <-chan struct{} { return r.engine.Done() }

// Wait blocks until the engine terminates and returns its terminal error, or
// ctx's error if ctx ends first. A normal shutdown returns nil.
func (r *Runner) Wait(ctx context.Context) error {
	select {
	case <-r.engine.Done():
		return r.engine.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
