package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
)

// DefaultMaxAttempts applies when a JobSpec leaves MaxAttempts at zero.
const DefaultMaxAttempts = 25

// ErrJobLocked is returned by AddJob when a job with the same key is currently
// being executed and therefore cannot be replaced.
var ErrJobLocked = errors.New("job with this key is locked by a worker")

// Job is a row of pgworker.jobs.
type Job struct {
	ID             int64
	TaskIdentifier string
	Payload        json.RawMessage
	Priority       int32
	RunAt          time.Time
	Attempts       int32
	MaxAttempts    int32
	LastError      *string
	Key            *string
	LockedAt       *time.Time
	LockedBy       *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// JobSpec describes a job to enqueue.
type JobSpec struct {
	TaskIdentifier string
	// Payload defaults to {} when nil.
	Payload  json.RawMessage
	Priority int32
	// RunAt defaults to now() when nil.
	RunAt       *time.Time
	MaxAttempts int32
	// Key, when set, makes AddJob replace the pending job with the same key
	// instead of inserting a duplicate.
	Key string
}

const jobColumns = `id, task_identifier, payload, priority, run_at, attempts, max_attempts,
	last_error, key, locked_at, locked_by, created_at, updated_at`

// psql builds Postgres-style ($1) placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Queries runs the job-queue statements on db.
type Queries struct {
	db DBTX
}

// NewQueries returns Queries bound to db.
func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

func scanJob(row pgx.Row) (*Job, error) {
	var (
		j       Job
		payload []byte
	)
	if err := row.Scan(
		&j.ID, &j.TaskIdentifier, &payload, &j.Priority, &j.RunAt, &j.Attempts, &j.MaxAttempts,
		&j.LastError, &j.Key, &j.LockedAt, &j.LockedBy, &j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	j.Payload = payload
	return &j, nil
}

// AddJob enqueues spec and returns the stored row. A keyed job replaces the
// unlocked job holding the same key, resetting its attempts.
func (q *Queries) AddJob(ctx context.Context, spec JobSpec) (*Job, error) {
	if spec.TaskIdentifier == "" {
		return nil, errors.New("add job: task identifier is required")
	}
	payload := spec.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("add job %s: payload is not valid JSON", spec.TaskIdentifier)
	}
	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	// Payload goes over the wire as text so the statement behaves the same
	// under the simple query protocol.
	row := q.db.QueryRow(ctx, `
		INSERT INTO pgworker.jobs (task_identifier, payload, priority, run_at, max_attempts, key)
		VALUES ($1, $2::jsonb, $3, COALESCE($4::timestamptz, now()), $5, NULLIF($6, ''))
		ON CONFLICT (key) DO UPDATE SET
			task_identifier = EXCLUDED.task_identifier,
			payload         = EXCLUDED.payload,
			priority        = EXCLUDED.priority,
			run_at          = EXCLUDED.run_at,
			max_attempts    = EXCLUDED.max_attempts,
			attempts        = 0,
			last_error      = NULL,
			updated_at      = now()
		WHERE pgworker.jobs.locked_at IS NULL
		RETURNING `+jobColumns,
		spec.TaskIdentifier, string(payload), spec.Priority, spec.RunAt, maxAttempts, spec.Key,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobLocked
		}
		return nil, fmt.Errorf("add job %s: %w", spec.TaskIdentifier, err)
	}
	return job, nil
}

// ClaimJob locks the next runnable job whose task identifier is one of
// identifiers, on behalf of workerID, using FOR UPDATE SKIP LOCKED. It returns
// (nil, nil) when nothing is available.
func (q *Queries) ClaimJob(ctx context.Context, workerID string, identifiers []string) (*Job, error) {
	if len(identifiers) == 0 {
		return nil, nil
	}

	// The inner select keeps '?' placeholders; the outer builder renumbers
	// the whole statement.
	next := sq.Select("id").
		From("pgworker.jobs").
		Where("locked_at IS NULL").
		Where("run_at <= now()").
		Where("attempts < max_attempts").
		Where(sq.Eq{"task_identifier": identifiers}).
		OrderBy("priority ASC", "run_at ASC", "id ASC").
		Limit(1).
		Suffix("FOR UPDATE SKIP LOCKED")

	query, args, err := psql.Update("pgworker.jobs").
		Set("locked_at", sq.Expr("now()")).
		Set("locked_by", workerID).
		Set("attempts", sq.Expr("attempts + 1")).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Expr("id = (?)", next)).
		Suffix("RETURNING " + jobColumns).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("claim job: build query: %w", err)
	}

	job, err := scanJob(q.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// CompleteJob removes a job that workerID finished successfully.
func (q *Queries) CompleteJob(ctx context.Context, id int64, workerID string) error {
	if _, err := q.db.Exec(ctx,
		`DELETE FROM pgworker.jobs WHERE id = $1 AND locked_by = $2`,
		id, workerID,
	); err != nil {
		return fmt.Errorf("complete job %d: %w", id, err)
	}
	return nil
}

// FailJob unlocks a failed job and pushes run_at back exponentially
// (e^min(attempts,10) seconds). Once attempts reaches max_attempts the job is
// no longer claimable and stays for inspection.
func (q *Queries) FailJob(ctx context.Context, id int64, workerID, errMsg string) error {
	query, args, err := psql.Update("pgworker.jobs").
		Set("last_error", errMsg).
		Set("run_at", sq.Expr("greatest(now(), run_at) + exp(least(attempts, 10)) * interval '1 second'")).
		Set("locked_at", nil).
		Set("locked_by", nil).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": id, "locked_by": workerID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("fail job %d: build query: %w", id, err)
	}
	if _, err := q.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("fail job %d: %w", id, err)
	}
	return nil
}

// RecoverStaleJobs unlocks jobs locked for longer than staleAfter, typically
// because their worker died. Returns the number of jobs recovered.
func (q *Queries) RecoverStaleJobs(ctx context.Context, staleAfter time.Duration) (int, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE pgworker.jobs
		SET locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE locked_at < now() - make_interval(secs => $1)`,
		staleAfter.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetJob returns the job with the given id, or (nil, nil) if it no longer
// exists (completed jobs are deleted).
func (q *Queries) GetJob(ctx context.Context, id int64) (*Job, error) {
	job, err := scanJob(q.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM pgworker.jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return job, nil
}

// CountJobs returns the number of queued jobs for identifier, or for every
// task when identifier is empty.
func (q *Queries) CountJobs(ctx context.Context, identifier string) (int, error) {
	b := psql.Select("count(*)").From("pgworker.jobs")
	if identifier != "" {
		b = b.Where(sq.Eq{"task_identifier": identifier})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("count jobs: build query: %w", err)
	}
	var n int
	if err := q.db.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}
