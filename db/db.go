// Package db is the SQL maildrop backend. It runs on SQLite (modernc.org/sqlite)
// or PostgreSQL (pgx through database/sql); the schema is versioned with
// golang-migrate from migrations embedded in the binary.
//
// Message bodies are stored inline in the messages table, or in object
// storage when a BodyStore is attached. Bodies fetched from object storage
// go through an optional local BodyCache.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migsqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/migadu/popd/logger"
	"github.com/migadu/popd/pkg/metrics"
	"github.com/migadu/popd/pkg/retry"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var MigrationsFS embed.FS

type Flavor string

const (
	SQLite   Flavor = "sqlite"
	Postgres Flavor = "postgres"
)

// BodyStore holds message bodies outside the database.
type BodyStore interface {
	Put(ctx context.Context, key string, body []byte) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// BodyCache is a local cache in front of a BodyStore, keyed by content hash.
type BodyCache interface {
	Get(contentHash string) ([]byte, error)
	Put(contentHash string, body []byte) error
	Accepts(size int64) bool
}

type Options struct {
	Flavor       Flavor
	DSN          string
	QueryTimeout time.Duration
	LockTTL      time.Duration
	MaxConns     int
	AutoMigrate  bool
}

type Database struct {
	DB *sql.DB

	flavor       Flavor
	driver       string
	dsn          string
	queryTimeout time.Duration
	lockTTL      time.Duration

	bodies BodyStore
	cache  BodyCache
}

// Open connects to the database, retrying while it is not yet reachable,
// and applies pending migrations when opts.AutoMigrate is set.
func Open(ctx context.Context, opts Options) (*Database, error) {
	var driver string
	switch opts.Flavor {
	case SQLite:
		driver = "sqlite"
		opts.DSN = sqliteDSN(opts.DSN)
	case Postgres:
		driver = "pgx"
	default:
		return nil, fmt.Errorf("unsupported database flavor %q", opts.Flavor)
	}

	sqlDB, err := sql.Open(driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if opts.Flavor == SQLite {
		// A single connection serialises writers instead of failing with
		// SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	} else if opts.MaxConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxConns)
	}

	err = retry.WithRetry(ctx, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return sqlDB.PingContext(pingCtx)
	}, retry.DefaultBackoffConfig())
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	d := &Database{
		DB:           sqlDB,
		flavor:       opts.Flavor,
		driver:       driver,
		dsn:          opts.DSN,
		queryTimeout: opts.QueryTimeout,
		lockTTL:      opts.LockTTL,
	}
	if d.queryTimeout <= 0 {
		d.queryTimeout = 30 * time.Second
	}
	if d.lockTTL <= 0 {
		d.lockTTL = 30 * time.Minute
	}

	if opts.AutoMigrate {
		if err := d.Migrate(ctx); err != nil {
			sqlDB.Close()
			return nil, err
		}
	}
	logger.Info("Database: connected", "flavor", opts.Flavor)
	return d, nil
}

// SetBodyStore moves new deliveries to store. cache may be nil.
func (d *Database) SetBodyStore(store BodyStore, cache BodyCache) {
	d.bodies = store
	d.cache = cache
}

func (d *Database) Close() error {
	return d.DB.Close()
}

// migrator opens a dedicated connection for golang-migrate. Closing the
// returned instance closes that connection only.
func (d *Database) migrator() (*migrate.Migrate, error) {
	src, err := iofs.New(MigrationsFS, "migrations/"+string(d.flavor))
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	sqlDB, err := sql.Open(d.driver, d.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open migration connection: %w", err)
	}

	var drv database.Driver
	var name string
	switch d.flavor {
	case SQLite:
		drv, err = migsqlite.WithInstance(sqlDB, &migsqlite.Config{})
		name = "sqlite"
	case Postgres:
		drv, err = pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
		name = "pgx5"
	}
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, name, drv)
	if err != nil {
		drv.Close()
		return nil, err
	}
	return m, nil
}

// Migrate applies all pending migrations.
func (d *Database) Migrate(ctx context.Context) error {
	m, err := d.migrator()
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	version, dirty, _ := m.Version()
	logger.Info("Database: schema up to date", "version", version, "dirty", dirty)
	return nil
}

// MigrationVersion reports the applied schema version. A database without
// any applied migration reports version 0.
func (d *Database) MigrationVersion() (uint, bool, error) {
	m, err := d.migrator()
	if err != nil {
		return 0, false, err
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// sqliteDSN adds the pragmas every connection needs unless the DSN already
// sets pragmas of its own.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// rebind turns "?" placeholders into "$n" for PostgreSQL.
func (d *Database) rebind(query string) string {
	if d.flavor != Postgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

func (d *Database) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.queryTimeout)
}

func observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		status = "error"
	}
	metrics.DBQueriesTotal.WithLabelValues(op, status).Inc()
	metrics.DBQueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
