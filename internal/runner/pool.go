package runner

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scarson/pgworker/internal/release"
	"github.com/scarson/pgworker/internal/store"
)

// acquirePool returns a DB for src. An adopted pool is wrapped as is and
// nothing is registered for it. A new pool is built from src.config and its
// Close is registered with reg before any fallible step that follows.
func acquirePool(ctx context.Context, src poolSource, reg *release.Registry, opts *Options) (*store.DB, error) {
	obs := opts.observer()
	if src.adopted != nil {
		return store.NewDB(src.adopted, obs), nil
	}

	cfg := src.config
	opts.PoolConfig.apply(cfg)
	store.ObservePgErrors(cfg, obs)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, &ConnectionError{Op: "create pool", Err: err}
	}
	if err := reg.AddFunc(ctx, "postgres pool", func(context.Context) error {
		pool.Close()
		return nil
	}); err != nil {
		return nil, err
	}

	if err := waitReady(ctx, pool, opts.PoolConfig.ConnectAttempts, opts.logger()); err != nil {
		obs(err)
		return nil, &ConnectionError{Op: "connect", Err: err}
	}
	return store.NewDB(pool, obs), nil
}

// waitReady pings pool up to attempts times, sleeping attempt seconds between
// tries. With attempts <= 1 it returns immediately and the first borrow
// surfaces any connection problem instead.
func waitReady(ctx context.Context, pool *pgxpool.Pool, attempts int, log *slog.Logger) error {
	if attempts <= 1 {
		return nil
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = pool.Ping(ctx); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		log.Warn("database not ready, retrying", "attempt", attempt, "error", err)
		// time.NewTimer so the timer is not leaked when ctx wins.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
