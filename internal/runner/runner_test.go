// ABOUTME: Integration tests for SchemaOnly, RunOnce, Run and the Runner lifecycle.
// ABOUTME: Each test gets its own Postgres testcontainer via testutil.
package runner_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/pgworker/internal/metrics"
	"github.com/scarson/pgworker/internal/migrate"
	"github.com/scarson/pgworker/internal/runner"
	"github.com/scarson/pgworker/internal/store"
	"github.com/scarson/pgworker/internal/tasks"
	"github.com/scarson/pgworker/internal/testutil"
	"github.com/scarson/pgworker/internal/worker"
)

func workerOptions(t *testing.T) worker.Options {
	t.Helper()
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	return worker.Options{PollInterval: 50 * time.Millisecond, WorkerID: "test", Metrics: m}
}

// tagged appends an application_name so the test can find the connections
// of a pool it cannot reach directly.
func tagged(connStr, app string) string {
	return fmt.Sprintf("%s&application_name=%s", connStr, app)
}

// requireNoBackends waits until no server backend carries app.
func requireNoBackends(t *testing.T, observer *pgxpool.Pool, app string) {
	t.Helper()
	assert.Eventually(t, func() bool {
		var n int
		err := observer.QueryRow(context.Background(),
			`SELECT count(*) FROM pg_stat_activity WHERE application_name = $1`, app).Scan(&n)
		return err == nil && n == 0
	}, 10*time.Second, 50*time.Millisecond, "connections of the owned pool are still open")
}

// makeDirty leaves a dirty version row behind, as an interrupted migration
// would, so the next Apply fails.
func makeDirty(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	_, err := pool.Exec(context.Background(), fmt.Sprintf(`
		CREATE TABLE %s (version bigint NOT NULL PRIMARY KEY, dirty boolean NOT NULL);
		INSERT INTO %s (version, dirty) VALUES (1, true);`,
		migrate.MigrationsTable, migrate.MigrationsTable))
	require.NoError(t, err)
}

func TestSchemaOnly_OwnedPool(t *testing.T) {
	t.Parallel()
	connStr := testutil.NewTestPostgres(t)
	observer := testutil.NewTestPool(t, connStr)
	ctx := context.Background()

	require.False(t, testutil.SchemaExists(t, observer))
	require.NoError(t, runner.SchemaOnly(ctx, runner.Options{
		ConnectionString: tagged(connStr, "schema_only_owned"),
	}))
	assert.True(t, testutil.SchemaExists(t, observer))
	requireNoBackends(t, observer, "schema_only_owned")

	// Already up to date: a second call is a no-op.
	require.NoError(t, runner.SchemaOnly(ctx, runner.Options{ConnectionString: connStr}))
}

func TestSchemaOnly_AdoptedPool(t *testing.T) {
	t.Parallel()
	pool := testutil.NewTestPool(t, testutil.NewTestPostgres(t))
	ctx := context.Background()

	require.NoError(t, runner.SchemaOnly(ctx, runner.Options{Pool: pool}))
	assert.True(t, testutil.SchemaExists(t, pool))

	// Still open, and the borrowed connection went back.
	require.NoError(t, pool.Ping(ctx))
	assert.Equal(t, int32(0), pool.Stat().AcquiredConns())
}

func TestMigrationFailure_ClosesOwnedPool(t *testing.T) {
	t.Parallel()
	connStr := testutil.NewTestPostgres(t)
	observer := testutil.NewTestPool(t, connStr)
	makeDirty(t, observer)

	err := runner.RunOnce(context.Background(), runner.Options{
		ConnectionString: tagged(connStr, "migration_failure"),
		TaskList:         noopTasks,
	})
	var migErr *runner.MigrationError
	require.ErrorAs(t, err, &migErr)
	assert.Contains(t, err.Error(), "dirty")
	requireNoBackends(t, observer, "migration_failure")
}

func TestMigrationFailure_AdoptedPoolStaysOpen(t *testing.T) {
	t.Parallel()
	pool := testutil.NewTestPool(t, testutil.NewTestPostgres(t))
	makeDirty(t, pool)
	ctx := context.Background()

	r, err := runner.Run(ctx, runner.Options{Pool: pool, TaskList: noopTasks})
	assert.Nil(t, r)
	var migErr *runner.MigrationError
	require.ErrorAs(t, err, &migErr)

	require.NoError(t, pool.Ping(ctx))
	assert.Equal(t, int32(0), pool.Stat().AcquiredConns())
}

func TestRunOnce_RunsQueuedJobsAndReleases(t *testing.T) {
	t.Parallel()
	connStr := testutil.NewTestPostgres(t)
	observer := testutil.NewTestPool(t, connStr)
	ctx := context.Background()

	// QuickAddJob creates the schema on its way.
	for i := 0; i < 3; i++ {
		_, err := runner.QuickAddJob(ctx, runner.Options{ConnectionString: connStr}, store.JobSpec{
			TaskIdentifier: "count",
			Payload:        json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		})
		require.NoError(t, err)
	}

	var ran atomic.Int32
	err := runner.RunOnce(ctx, runner.Options{
		ConnectionString: tagged(connStr, "run_once"),
		TaskList: tasks.TaskList{
			"count": func(context.Context, tasks.Job) error { ran.Add(1); return nil },
		},
		Worker: workerOptions(t),
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), ran.Load())

	n, err := store.NewQueries(observer).CountJobs(ctx, "count")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	requireNoBackends(t, observer, "run_once")
}

func TestRunOnce_HandlerFailureIsNotReturned(t *testing.T) {
	t.Parallel()
	pool := testutil.NewTestPool(t, testutil.NewTestPostgres(t))
	ctx := context.Background()

	_, err := runner.QuickAddJob(ctx, runner.Options{Pool: pool}, store.JobSpec{TaskIdentifier: "fail"})
	require.NoError(t, err)

	err = runner.RunOnce(ctx, runner.Options{
		Pool: pool,
		TaskList: tasks.TaskList{
			"fail": func(context.Context, tasks.Job) error { return errors.New("boom") },
		},
		Worker: workerOptions(t),
	})
	require.NoError(t, err)
	require.NoError(t, pool.Ping(ctx), "adopted pool stays open")
}

func TestRun_Lifecycle(t *testing.T) {
	t.Parallel()
	connStr := testutil.NewTestPostgres(t)
	observer := testutil.NewTestPool(t, connStr)
	ctx := context.Background()

	seen := make(chan tasks.Job, 1)
	r, err := runner.Run(ctx, runner.Options{
		ConnectionString: tagged(connStr, "run_lifecycle"),
		TaskList: tasks.TaskList{
			"hello": func(_ context.Context, job tasks.Job) error { seen <- job; return nil },
		},
		Worker: workerOptions(t),
	})
	require.NoError(t, err)
	assert.Equal(t, runner.StateActive, r.State())

	job, err := r.AddJob(ctx, store.JobSpec{
		TaskIdentifier: "hello",
		Payload:        json.RawMessage(`{"name":"world"}`),
	})
	require.NoError(t, err)

	select {
	case got := <-seen:
		assert.Equal(t, job.ID, got.ID)
		assert.JSONEq(t, `{"name":"world"}`, string(got.Payload))
	case <-time.After(10 * time.Second):
		t.Fatal("job was not executed")
	}

	require.NoError(t, r.Stop(ctx))
	assert.Equal(t, runner.StateStopped, r.State())
	assert.ErrorIs(t, r.Stop(ctx), runner.ErrAlreadyStopped)

	_, err = r.AddJob(ctx, store.JobSpec{TaskIdentifier: "hello"})
	assert.ErrorIs(t, err, runner.ErrRunnerStopped)

	select {
	case <-r.Done():
	default:
		t.Fatal("Done must be closed after Stop")
	}
	assert.NoError(t, r.Wait(ctx))
	requireNoBackends(t, observer, "run_lifecycle")
}

func TestRun_AdoptedPoolOutlivesStop(t *testing.T) {
	t.Parallel()
	pool := testutil.NewTestPool(t, testutil.NewTestPostgres(t))
	ctx := context.Background()

	r, err := runner.Run(ctx, runner.Options{Pool: pool, TaskList: noopTasks, Worker: workerOptions(t)})
	require.NoError(t, err)
	require.NoError(t, r.Stop(ctx))

	require.NoError(t, pool.Ping(ctx))
}

func TestRun_SurvivesSetupContextCancel(t *testing.T) {
	t.Parallel()
	pool := testutil.NewTestPool(t, testutil.NewTestPostgres(t))

	var ran atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	r, err := runner.Run(ctx, runner.Options{
		Pool: pool,
		TaskList: tasks.TaskList{
			"count": func(context.Context, tasks.Job) error { ran.Add(1); return nil },
		},
		Worker: workerOptions(t),
	})
	require.NoError(t, err)
	cancel()

	_, err = r.AddJob(context.Background(), store.JobSpec{TaskIdentifier: "count"})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return ran.Load() == 1 }, 10*time.Second, 50*time.Millisecond)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer waitCancel()
	assert.ErrorIs(t, r.Wait(waitCtx), context.DeadlineExceeded, "engine is still running")

	require.NoError(t, r.Stop(context.Background()))
}

// logBuffer is a bytes.Buffer safe for the engine goroutines that log
// while the test reads.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) count(msg string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), "msg=\""+msg+"\"")
}

func TestRun_SecondStopReleasesNothing(t *testing.T) {
	t.Parallel()
	pool := testutil.NewTestPool(t, testutil.NewTestPostgres(t))
	ctx := context.Background()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "noop.sh"), []byte("#!/bin/sh\nexit 0\n"), 0o755))

	logs := &logBuffer{}
	r, err := runner.Run(ctx, runner.Options{
		Pool:          pool,
		TaskDirectory: dir,
		WatchTasks:    true,
		Worker:        workerOptions(t),
		Logger:        slog.New(slog.NewTextHandler(logs, nil)),
	})
	require.NoError(t, err)

	require.NoError(t, r.Stop(ctx))
	assert.Eventually(t, func() bool { return logs.count("worker pool stopped") == 1 },
		5*time.Second, 20*time.Millisecond)

	assert.ErrorIs(t, r.Stop(ctx), runner.ErrAlreadyStopped)
	assert.ErrorIs(t, r.Stop(ctx), runner.ErrAlreadyStopped)

	assert.Equal(t, 1, logs.count("stopping runner"))
	assert.Equal(t, 1, logs.count("runner stopped"))
	assert.Equal(t, 1, logs.count("worker pool stopped"))
	require.NoError(t, pool.Ping(ctx))
	assert.Equal(t, int32(0), pool.Stat().AcquiredConns())
}

func TestRun_ConcurrentStop(t *testing.T) {
	t.Parallel()
	pool := testutil.NewTestPool(t, testutil.NewTestPostgres(t))
	ctx := context.Background()

	r, err := runner.Run(ctx, runner.Options{Pool: pool, TaskList: noopTasks, Worker: workerOptions(t)})
	require.NoError(t, err)

	const callers = 8
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() { errs <- r.Stop(ctx) }()
	}

	var ok, already int
	for i := 0; i < callers; i++ {
		switch err := <-errs; {
		case err == nil:
			ok++
		case errors.Is(err, runner.ErrAlreadyStopped):
			already++
		default:
			t.Errorf("unexpected Stop error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, already)
}

func TestQuickAddJob_KeyReplacesPendingJob(t *testing.T) {
	t.Parallel()
	pool := testutil.NewTestPool(t, testutil.NewTestPostgres(t))
	ctx := context.Background()
	opts := runner.Options{Pool: pool}

	first, err := runner.QuickAddJob(ctx, opts, store.JobSpec{
		TaskIdentifier: "send", Key: "digest", Payload: json.RawMessage(`{"v":1}`),
	})
	require.NoError(t, err)
	second, err := runner.QuickAddJob(ctx, opts, store.JobSpec{
		TaskIdentifier: "send", Key: "digest", Payload: json.RawMessage(`{"v":2}`),
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.JSONEq(t, `{"v":2}`, string(second.Payload))

	_, err = runner.QuickAddJob(ctx, opts, store.JobSpec{})
	assert.Error(t, err)
}
