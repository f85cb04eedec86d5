// Command pgworker runs Postgres-backed background jobs.
//
// Subcommands:
//
//	migrate   bring the pgworker schema up to date and exit
//	once      run every currently runnable job once and exit
//	run       run the worker until SIGINT/SIGTERM
//	add-job   enqueue a single job
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	// Embeds the IANA timezone database so --run-at parsing and job
	// timestamps work in distroless containers without /usr/share/zoneinfo.
	_ "time/tzdata"

	// Sets GOMEMLIMIT from the cgroup memory limit so the GC triggers before
	// the OOM killer in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/spf13/cobra"

	"github.com/scarson/pgworker/internal/config"
	"github.com/scarson/pgworker/internal/runner"
	"github.com/scarson/pgworker/internal/store"
	"github.com/scarson/pgworker/internal/tracing"
	"github.com/scarson/pgworker/internal/worker"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "pgworker",
		Short: "Background jobs on PostgreSQL",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		migrateCmd(),
		onceCmd(),
		runCmd(),
		addJobCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Bring the database schema up to date and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			return runner.SchemaOnly(cmd.Context(), runnerOptions(cfg))
		},
	}
}

// ── once ──────────────────────────────────────────────────────────────────────

func onceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run every currently runnable job once, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			shutdownTracing, err := tracing.Init(ctx, tracingConfig(cfg))
			if err != nil {
				return fmt.Errorf("tracing: %w", err)
			}
			defer flushTracing(shutdownTracing)

			return runner.RunOnce(ctx, runnerOptions(cfg))
		},
	}
}

// ── run ───────────────────────────────────────────────────────────────────────

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the worker until interrupted",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracingConfig(cfg))
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer flushTracing(shutdownTracing)

	r, err := runner.Run(ctx, runnerOptions(cfg))
	if err != nil {
		return err
	}

	var srv *metricsServer
	if cfg.MetricsAddr != "" {
		srv = startMetricsServer(cfg.MetricsAddr, r)
	}

	var runErr error
	select {
	case <-ctx.Done():
		stop() // release signal notification
	case <-r.Done():
		runErr = r.Wait(context.Background())
		slog.Error("worker terminated unexpectedly", "error", runErr)
	}

	slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
	)
	defer cancel()

	stopErr := r.Stop(shutdownCtx)
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown", "error", err)
		}
	}
	if err := errors.Join(runErr, stopErr); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("worker stopped")
	return nil
}

// ── add-job ───────────────────────────────────────────────────────────────────

func addJobCmd() *cobra.Command {
	var (
		payload     string
		key         string
		priority    int32
		maxAttempts int32
		runAt       string
	)
	cmd := &cobra.Command{
		Use:   "add-job <task>",
		Short: "Enqueue a job for <task>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			spec := store.JobSpec{
				TaskIdentifier: args[0],
				Payload:        json.RawMessage(payload),
				Priority:       priority,
				MaxAttempts:    maxAttempts,
				Key:            key,
			}
			if runAt != "" {
				t, err := time.Parse(time.RFC3339, runAt)
				if err != nil {
					return fmt.Errorf("--run-at: %w", err)
				}
				spec.RunAt = &t
			}

			job, err := runner.QuickAddJob(cmd.Context(), runnerOptions(cfg), spec)
			if err != nil {
				return err
			}
			slog.Info("job added", "id", job.ID, "task", job.TaskIdentifier, "run_at", job.RunAt)
			return nil
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "{}", "JSON payload")
	cmd.Flags().StringVar(&key, "key", "", "job key; replaces a pending job with the same key")
	cmd.Flags().Int32Var(&priority, "priority", 0, "lower runs first")
	cmd.Flags().Int32Var(&maxAttempts, "max-attempts", store.DefaultMaxAttempts, "attempts before the job is given up")
	cmd.Flags().StringVar(&runAt, "run-at", "", "earliest run time, RFC 3339")
	return cmd
}

// ── helpers ───────────────────────────────────────────────────────────────────

// setup loads configuration and installs the process-wide logger.
func setup() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))
	return cfg, nil
}

// runnerOptions maps configuration onto runner.Options. DATABASE_URL is left
// to the runner's own fallback so that the precedence rules live in one place.
func runnerOptions(cfg *config.Config) runner.Options {
	return runner.Options{
		ConnStrings:   config.StaticConnString(cfg.DatabaseURL),
		TaskDirectory: cfg.TaskDirectory,
		WatchTasks:    cfg.TaskWatch,
		PoolConfig: runner.PoolConfig{
			MaxConns:         cfg.DBMaxConns,
			MaxConnIdleTime:  cfg.DBMaxConnIdleTime,
			StatementTimeout: time.Duration(cfg.DBStatementTimeoutMS) * time.Millisecond,
			SimpleProtocol:   cfg.DBQueryExecMode == "simple_protocol",
			// Covers the Docker Compose race where Postgres is not ready yet.
			ConnectAttempts: 10,
		},
		Worker: worker.Options{
			Concurrency:  cfg.WorkerConcurrency,
			PollInterval: cfg.WorkerPollInterval,
			StaleAfter:   cfg.WorkerStaleAfter,
		},
		Logger: slog.Default(),
	}
}

func tracingConfig(cfg *config.Config) tracing.Config {
	return tracing.Config{
		ServiceName:    "pgworker",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	}
}

func flushTracing(shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		slog.Warn("tracing shutdown", "error", err)
	}
}

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT. Unknown
// levels fall back to info. Every record carries the service name and build
// version so worker logs can be told apart in shared sinks.
func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewJSONHandler(os.Stderr, opts)
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(h).With("service", "pgworker", "version", version)
}
