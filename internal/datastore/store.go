// Package datastore owns the crowdwarn schema, the serialized write path and
// the read queries used by the pipeline stages and the API.
package datastore

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/crowdwarn/crowdwarn/internal/conf"
	"github.com/crowdwarn/crowdwarn/internal/logger"
	"github.com/crowdwarn/crowdwarn/internal/observability/metrics"
)

// DefaultSlowQueryThreshold is used when settings do not specify one.
const DefaultSlowQueryThreshold = 200 * time.Millisecond

// sqliteBusyTimeoutMs bounds how long SQLite itself waits for a lock before
// reporting SQLITE_BUSY to the write gate.
const sqliteBusyTimeoutMs = 250

// Store bundles the database handle with its write gate. Reads go through DB,
// every commit goes through Gate.
type Store struct {
	DB      *gorm.DB
	Gate    *Gate
	metrics *metrics.DatastoreMetrics
}

// Open connects to the configured database, migrates the schema and builds the write gate.
func Open(settings *conf.Settings, m *metrics.DatastoreMetrics) (*Store, error) {
	var dialector gorm.Dialector
	switch settings.Database.Type {
	case "mysql":
		my := settings.Database.MySQL
		dialector = mysql.Open(MySQLDSN(my.Username, my.Password, my.Host, my.Port, my.Database))
	default:
		path, err := prepareSQLitePath(settings.Database.SQLite.Path)
		if err != nil {
			return nil, err
		}
		dialector = sqlite.Open(sqliteDSN(path))
	}

	return open(dialector, settings.Database.SlowQueryThreshold, m,
		WithAttempts(settings.WriteGate.Attempts),
		WithBackoff(settings.WriteGate.Backoff),
	)
}

// OpenSQLite opens (and creates) a SQLite store at path.
func OpenSQLite(path string, opts ...GateOption) (*Store, error) {
	path, err := prepareSQLitePath(path)
	if err != nil {
		return nil, err
	}
	return open(sqlite.Open(sqliteDSN(path)), DefaultSlowQueryThreshold, nil, opts...)
}

// OpenDialector opens a store on an arbitrary gorm dialector, e.g. a MySQL
// test container.
func OpenDialector(dialector gorm.Dialector, opts ...GateOption) (*Store, error) {
	return open(dialector, DefaultSlowQueryThreshold, nil, opts...)
}

func open(dialector gorm.Dialector, slow time.Duration, m *metrics.DatastoreMetrics, opts ...GateOption) (*Store, error) {
	if slow <= 0 {
		slow = DefaultSlowQueryThreshold
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                                   logger.NewGormLoggerAdapter(GetLogger(), slow),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, dbError(err, "open", "dialect", dialector.Name())
	}

	if err := db.AutoMigrate(models...); err != nil {
		return nil, dbError(fmt.Errorf("failed to auto-migrate %s database: %w", dialector.Name(), err),
			"migrate", "dialect", dialector.Name())
	}

	gateOpts := append([]GateOption{WithGateMetrics(m)}, opts...)
	GetLogger().Debug("database initialized", logger.String("dialect", dialector.Name()))

	return &Store{
		DB:      db,
		Gate:    NewGate(db, gateOpts...),
		metrics: m,
	}, nil
}

// Reader returns a read handle bound to ctx. Reads never take the write lock.
func (s *Store) Reader(ctx context.Context) *gorm.DB {
	return s.DB.WithContext(ctx)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return dbError(err, "close")
	}
	return sqlDB.Close()
}

func prepareSQLitePath(path string) (string, error) {
	if path == "" {
		return "", validationError("sqlite path must not be empty", "database.sqlite.path", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", dbError(err, "create_db_dir", "dir", dir)
		}
	}
	return path, nil
}

// MySQLDSN builds a go-sql-driver DSN that stores times in UTC.
func MySQLDSN(user, password, host string, port int, database string) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		user, password, net.JoinHostPort(host, strconv.Itoa(port)), database)
}

// sqliteDSN enables WAL so readers never block the writer, and takes the
// write lock at BEGIN so contention surfaces before any statement runs.
func sqliteDSN(path string) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", path, sqliteBusyTimeoutMs)
}
