package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/scarson/pgworker/internal/metrics"
)

// ErrorObserver receives connection-level errors from a pool. It reports
// only: it must not panic and its return never influences the operation that
// hit the error. pgx already discards broken connections from the pool.
type ErrorObserver func(err error)

// Safe wraps obs so that a panicking observer is logged instead of crashing
// the goroutine that hit the connection error.
func Safe(obs ErrorObserver, log *slog.Logger) ErrorObserver {
	return func(err error) {
		defer func() {
			if p := recover(); p != nil {
				log.Error("pool error observer panicked", "panic", p, "error", err)
			}
		}()
		obs(err)
	}
}

// LogObserver logs pool errors at most a few times per second and counts
// every one of them in m (when non-nil). Suppressed log lines are reported
// with the next line that gets through.
func LogObserver(log *slog.Logger, m *metrics.Metrics) ErrorObserver {
	lim := rate.NewLimiter(rate.Every(time.Second), 5)
	var suppressed atomic.Int64
	return func(err error) {
		if m != nil {
			m.PoolErrors.Inc()
		}
		if !lim.Allow() {
			suppressed.Add(1)
			return
		}
		log.Error("postgres client generated error",
			"error", err,
			"suppressed", suppressed.Swap(0),
		)
	}
}

// ObservePgErrors hooks obs into every connection the pool opens so that
// FATAL server errors (admin shutdown, terminated backend) are reported. The
// previous OnPgError decision about keeping the connection is preserved.
func ObservePgErrors(cfg *pgxpool.Config, obs ErrorObserver) {
	prev := cfg.ConnConfig.OnPgError
	cfg.ConnConfig.OnPgError = func(c *pgconn.PgConn, pgErr *pgconn.PgError) bool {
		if isFatal(pgErr) {
			obs(pgErr)
		}
		if prev != nil {
			return prev(c, pgErr)
		}
		return !isFatal(pgErr)
	}
}

// IsConnError reports whether err is a transport or connection failure rather
// than an ordinary query error. Cancellation by the caller is not one.
func IsConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return isFatal(pgErr) ||
			strings.HasPrefix(pgErr.Code, "08") || // connection_exception
			strings.HasPrefix(pgErr.Code, "57P") // admin/crash shutdown
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return false
}

func isFatal(pgErr *pgconn.PgError) bool {
	return pgErr.Severity == "FATAL" || pgErr.Severity == "PANIC"
}
