package runner

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scarson/pgworker/internal/config"
	"github.com/scarson/pgworker/internal/metrics"
	"github.com/scarson/pgworker/internal/store"
	"github.com/scarson/pgworker/internal/tasks"
	"github.com/scarson/pgworker/internal/worker"
)

// Options configures SchemaOnly, RunOnce, Run and QuickAddJob.
//
// Connection: set at most one of Pool and ConnectionString. With neither,
// ConnStrings is consulted (DATABASE_URL by default). A Pool stays owned by
// the caller and is never closed here.
//
// Handlers: set exactly one of TaskList and TaskDirectory. SchemaOnly and
// QuickAddJob need neither.
type Options struct {
	Pool             *pgxpool.Pool
	ConnectionString string
	ConnStrings      config.ConnStringSource

	TaskList      tasks.TaskList
	TaskDirectory string
	// WatchTasks reloads TaskDirectory when its contents change.
	WatchTasks bool

	// PoolConfig tunes pools created from a connection string. Ignored for an
	// adopted Pool.
	PoolConfig PoolConfig

	// Worker is passed through to the execution engine.
	Worker worker.Options

	Logger *slog.Logger
	// OnPoolError receives connection-level pool errors. Defaults to a
	// throttled log line plus the pool_errors_total metric.
	//
	// For a pool created here it also sees FATAL server errors on idle
	// connections. For an adopted Pool it only sees errors on connections
	// this package borrows: pgx offers no hook to add once a pool is built,
	// so set ConnConfig.OnPgError before creating the pool if those matter.
	OnPoolError store.ErrorObserver
}

// PoolConfig holds the settings applied to a pool this package creates.
// Zero values keep the pgxpool defaults.
type PoolConfig struct {
	MaxConns         int32
	MaxConnIdleTime  time.Duration
	StatementTimeout time.Duration
	// SimpleProtocol selects pgx's simple query protocol (PgBouncer
	// transaction pooling).
	SimpleProtocol bool
	// ConnectAttempts > 1 pings the new pool up to that many times with
	// linear backoff before giving up, for databases that start alongside
	// the worker.
	ConnectAttempts int
}

func (c PoolConfig) apply(cfg *pgxpool.Config) {
	if c.MaxConns > 0 {
		cfg.MaxConns = c.MaxConns
	}
	if c.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = c.MaxConnIdleTime
	}
	if c.StatementTimeout > 0 {
		cfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(c.StatementTimeout.Milliseconds(), 10)
	}
	if c.SimpleProtocol {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
}

func (o *Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *Options) observer() store.ErrorObserver {
	if o.OnPoolError != nil {
		return o.OnPoolError
	}
	return store.LogObserver(o.logger(), metrics.Default())
}

func (o *Options) workerOptions() worker.Options {
	w := o.Worker
	if w.Logger == nil {
		w.Logger = o.logger()
	}
	return w
}

// poolSource is exactly one of an adopted pool or a parsed configuration for
// a pool to create.
type poolSource struct {
	adopted *pgxpool.Pool
	config  *pgxpool.Config
}

// resolvePoolSource picks the pool source by precedence: Pool, then
// ConnectionString, then the ConnStrings fallback.
func (o *Options) resolvePoolSource() (poolSource, error) {
	if o.Pool != nil && o.ConnectionString != "" {
		return poolSource{}, &ConfigError{
			Msg: "both Pool and ConnectionString are set; at most one of these options should be provided",
		}
	}
	if o.Pool != nil {
		return poolSource{adopted: o.Pool}, nil
	}

	connString := o.ConnectionString
	if connString == "" {
		src := o.ConnStrings
		if src == nil {
			src = config.EnvConnString{}
		}
		connString = src.ConnectionString()
	}
	if connString == "" {
		return poolSource{}, &ConfigError{
			Msg: "no connection information available: set Pool or ConnectionString, or provide DATABASE_URL",
		}
	}

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		// pgconn redacts the password in parse errors.
		return poolSource{}, &ConfigError{Msg: "parse connection string: " + err.Error()}
	}
	return poolSource{config: cfg}, nil
}

// taskSource is exactly one of a TaskList or a directory to load.
type taskSource struct {
	list  tasks.TaskList
	dir   string
	watch bool
}

func (o *Options) resolveTaskSource() (taskSource, error) {
	switch {
	case o.TaskList != nil && o.TaskDirectory != "":
		return taskSource{}, &ConfigError{Msg: "exactly one of TaskList or TaskDirectory should be set, not both"}
	case o.TaskList != nil:
		return taskSource{list: o.TaskList}, nil
	case o.TaskDirectory != "":
		return taskSource{dir: o.TaskDirectory, watch: o.WatchTasks}, nil
	default:
		return taskSource{}, &ConfigError{Msg: "either TaskList or TaskDirectory must be set"}
	}
}
