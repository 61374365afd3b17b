package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"media-rescue/internal/resilience/retry"
)

// Supported values of DATABASE_DRIVER.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DefaultSQLitePath is used when DATABASE_DRIVER is sqlite and DATABASE_URL is empty.
const DefaultSQLitePath = "media-rescue.db"

// ConnectionConfig holds database connection pool configuration.
type ConnectionConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConnectionConfig returns the default connection pool configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: 1 * time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	}
}

// sqliteConnectionConfig keeps a single connection: SQLite allows one writer.
func sqliteConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: 0,
		ConnMaxIdleTime: 0,
	}
}

// Options selects the database to open.
type Options struct {
	Driver string
	DSN    string
}

// OptionsFromEnv reads DATABASE_DRIVER and DATABASE_URL.
func OptionsFromEnv() Options {
	return ResolveOptions(os.Getenv("DATABASE_DRIVER"), os.Getenv("DATABASE_URL"))
}

// ResolveOptions normalizes a driver and DSN. The driver defaults to sqlite
// unless the DSN looks like a PostgreSQL connection string; sqlite without a
// DSN uses DefaultSQLitePath.
func ResolveOptions(driver, dsn string) Options {
	dsn = strings.TrimSpace(dsn)
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			driver = DriverPostgres
		} else {
			driver = DriverSQLite
		}
	}
	if driver == DriverSQLite && dsn == "" {
		dsn = DefaultSQLitePath
	}
	return Options{Driver: driver, DSN: dsn}
}

// sqlDriverName maps a configured driver to the database/sql driver name.
func sqlDriverName(driver string) (string, error) {
	switch driver {
	case DriverPostgres, "pgx":
		return "pgx", nil
	case DriverSQLite:
		return "sqlite", nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Open creates and verifies a connection pool. The initial ping is retried
// with the database backoff profile so a worker can start alongside its
// database container.
func Open(ctx context.Context, opts Options) (*sql.DB, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("open database: DATABASE_URL not set")
	}
	name, err := sqlDriverName(opts.Driver)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db, err := sql.Open(name, sqliteDSN(opts))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	cfg := getConnectionConfigFromEnv()
	if opts.Driver == DriverSQLite {
		cfg = sqliteConnectionConfig()
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	slog.Info("database connection pool configured",
		slog.String("driver", opts.Driver),
		slog.Int("max_open_conns", cfg.MaxOpenConns),
		slog.Int("max_idle_conns", cfg.MaxIdleConns),
		slog.Duration("conn_max_lifetime", cfg.ConnMaxLifetime),
		slog.Duration("conn_max_idle_time", cfg.ConnMaxIdleTime))

	err = retry.WithBackoff(ctx, retry.DBConfig(), func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	slog.Info("database connection established successfully", slog.String("driver", opts.Driver))
	return db, nil
}

// sqliteDSN sets the pragmas a shared ledger file needs and stores
// timestamps in SQLite's own text format.
func sqliteDSN(opts Options) string {
	if opts.Driver != DriverSQLite || strings.Contains(opts.DSN, "_pragma=") {
		return opts.DSN
	}
	sep := "?"
	if strings.Contains(opts.DSN, "?") {
		sep = "&"
	}
	return opts.DSN + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_time_format=sqlite"
}

// getConnectionConfigFromEnv reads connection pool configuration from environment variables.
// Falls back to default values if not set.
func getConnectionConfigFromEnv() ConnectionConfig {
	cfg := DefaultConnectionConfig()

	if maxOpen := os.Getenv("DB_MAX_OPEN_CONNS"); maxOpen != "" {
		if val, err := strconv.Atoi(maxOpen); err == nil && val > 0 {
			cfg.MaxOpenConns = val
		}
	}

	if maxIdle := os.Getenv("DB_MAX_IDLE_CONNS"); maxIdle != "" {
		if val, err := strconv.Atoi(maxIdle); err == nil && val > 0 {
			cfg.MaxIdleConns = val
		}
	}

	if lifetime := os.Getenv("DB_CONN_MAX_LIFETIME"); lifetime != "" {
		if val, err := time.ParseDuration(lifetime); err == nil && val > 0 {
			cfg.ConnMaxLifetime = val
		}
	}

	if idleTime := os.Getenv("DB_CONN_MAX_IDLE_TIME"); idleTime != "" {
		if val, err := time.ParseDuration(idleTime); err == nil && val > 0 {
			cfg.ConnMaxIdleTime = val
		}
	}

	return cfg
}
