package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFS embed.FS

// Tables created by the migrations.
var Tables = []string{"retry_queue", "dead_letter_queue", "recovery_cache", "recovery_attempts"}

// migrationDir returns the embedded directory and goose dialect for driver.
func migrationDir(driver string) (dir string, dialect string, err error) {
	switch driver {
	case DriverPostgres, "pgx":
		return "migrations/postgres", "postgres", nil
	case DriverSQLite:
		return "migrations/sqlite", "sqlite3", nil
	default:
		return "", "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Migrations lists the embedded migration files for driver in apply order.
func Migrations(driver string) ([]string, error) {
	dir, _, err := migrationDir(driver)
	if err != nil {
		return nil, err
	}
	return fs.Glob(migrationFS, dir+"/*.sql")
}

// MigrateUp applies every pending migration for driver.
func MigrateUp(db *sql.DB, driver string) error {
	dir, dialect, err := migrationDir(driver)
	if err != nil {
		return fmt.Errorf("MigrateUp: %w", err)
	}
	goose.SetBaseFS(migrationFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("MigrateUp: set dialect: %w", err)
	}
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("MigrateUp: %w", err)
	}

	version, err := goose.GetDBVersion(db)
	if err == nil {
		slog.Info("database schema up to date",
			slog.String("driver", driver),
			slog.Int64("version", version))
	}
	return nil
}

// MigrateDown rolls back the most recent migration.
// Use with caution: this deletes the data held in the affected tables.
func MigrateDown(db *sql.DB, driver string) error {
	dir, dialect, err := migrationDir(driver)
	if err != nil {
		return fmt.Errorf("MigrateDown: %w", err)
	}
	goose.SetBaseFS(migrationFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("MigrateDown: set dialect: %w", err)
	}
	if err := goose.Down(db, dir); err != nil {
		return fmt.Errorf("MigrateDown: %w", err)
	}
	return nil
}
