package datastore

import (
	"context"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"

	"github.com/crowdwarn/crowdwarn/internal/errors"
	"github.com/crowdwarn/crowdwarn/internal/logger"
	"github.com/crowdwarn/crowdwarn/internal/observability/metrics"
)

const (
	DefaultGateAttempts = 5
	DefaultGateBackoff  = time.Second

	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// SleepContext is the default WaitFunc.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Gate serializes every write of the process through one lock and retries
// transactions that fail with lock contention. Each attempt runs in its own
// transaction, so a failed attempt leaves nothing behind.
//
// fn passed to WithWrite must not call back into the same Gate.
type Gate struct {
	db       *gorm.DB
	sem      chan struct{}
	attempts int
	backoff  time.Duration
	wait     WaitFunc
	log      logger.Logger
	metrics  *metrics.DatastoreMetrics
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithAttempts sets the total number of attempts for a contended write.
func WithAttempts(n int) GateOption {
	return func(g *Gate) {
		if n > 0 {
			g.attempts = n
		}
	}
}

// WithBackoff sets the fixed pause between attempts.
func WithBackoff(d time.Duration) GateOption {
	return func(g *Gate) {
		if d >= 0 {
			g.backoff = d
		}
	}
}

// WithWaitFunc replaces the backoff sleep, letting tests run without real delays.
func WithWaitFunc(fn WaitFunc) GateOption {
	return func(g *Gate) {
		if fn != nil {
			g.wait = fn
		}
	}
}

// WithGateLogger overrides the gate logger.
func WithGateLogger(l logger.Logger) GateOption {
	return func(g *Gate) {
		if l != nil {
			g.log = l
		}
	}
}

// WithGateMetrics attaches datastore metrics.
func WithGateMetrics(m *metrics.DatastoreMetrics) GateOption {
	return func(g *Gate) {
		g.metrics = m
	}
}

// NewGate creates a write gate over db.
func NewGate(db *gorm.DB, opts ...GateOption) *Gate {
	g := &Gate{
		db:       db,
		sem:      make(chan struct{}, 1),
		attempts: DefaultGateAttempts,
		backoff:  DefaultGateBackoff,
		wait:     SleepContext,
		log:      GetLogger().Module("gate"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// WithWrite runs fn in a transaction while holding the process-wide write lock.
//
// Lock contention reported by the database is retried with a fixed backoff
// until the attempt budget is spent; the lock stays held across retries.
// Any other error from fn is returned unchanged after rollback, so callers
// can match their own sentinel errors. An exhausted budget yields an error
// in errors.CategoryContention.
func (g *Gate) WithWrite(ctx context.Context, fn func(tx *gorm.DB) error) error {
	waitStart := time.Now()
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-g.sem }()

	lockWait := time.Since(waitStart)
	start := time.Now()
	defer func() {
		g.metrics.ObserveWrite(lockWait.Seconds(), time.Since(start).Seconds())
	}()

	log := g.log.WithContext(ctx)
	var lastErr error
	for attempt := 1; attempt <= g.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := g.db.WithContext(ctx).Transaction(fn)
		if err == nil {
			g.metrics.RecordGateAttempt(metrics.StatusSuccess)
			return nil
		}
		g.metrics.RecordGateAttempt(metrics.StatusError)

		if !IsContention(err) {
			return err
		}

		lastErr = err
		g.metrics.RecordContention()
		if attempt == g.attempts {
			break
		}

		log.Warn("database locked, retrying after backoff",
			logger.Int("attempt", attempt),
			logger.Int("max_attempts", g.attempts),
			logger.Duration("backoff", g.backoff),
			logger.String("operation", "write_gate"))

		if err := g.wait(ctx, g.backoff); err != nil {
			log.Info("write retry aborted", logger.Error(err), logger.String("operation", "write_gate"))
			return err
		}
	}

	g.metrics.RecordRetriesExhausted()
	log.Error("write abandoned after lock contention",
		logger.Error(lastErr),
		logger.Int("attempts", g.attempts),
		logger.String("operation", "write_gate"))

	return errors.New(lastErr).
		Component("datastore").
		Category(errors.CategoryContention).
		Priority(errors.PriorityHigh).
		Context("operation", "write_gate").
		Context("attempts", g.attempts).
		Build()
}

// IsContention reports whether err is a transient lock conflict worth retrying.
func IsContention(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}

	var mysqlErr *gomysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDeadlock || mysqlErr.Number == mysqlLockWaitTimeout
	}

	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
