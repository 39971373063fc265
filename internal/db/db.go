// Package db opens the configured SQL backend (sqlite for local/dev,
// postgres for production) and runs schema migrations against it via
// golang-migrate, mirroring the dual-driver dispatch style this codebase's
// ancestry uses for DB_TYPE selection.
package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// Open opens a *sql.DB for the given driver ("sqlite" or "postgres") and dsn,
// applies pending migrations, and returns the handle ready for use.
func Open(driver, dsn string) (*sql.DB, error) {
	switch driver {
	case "sqlite":
		return openSQLite(dsn)
	case "postgres":
		return openPostgres(dsn)
	default:
		return nil, fmt.Errorf("db: unknown driver %q", driver)
	}
}

func openSQLite(dsn string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("db: opening sqlite: %w", err)
	}
	// sqlite3 does not support concurrent writers well; a single connection
	// avoids "database is locked" errors under the session store's shared
	// access pattern.
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("db: pinging sqlite: %w", err)
	}

	src, err := iofs.New(sqliteMigrations, "migrations/sqlite")
	if err != nil {
		return nil, fmt.Errorf("db: loading sqlite migrations: %w", err)
	}
	dbDriver, err := sqlite3.WithInstance(conn, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("db: sqlite migrate driver: %w", err)
	}
	if err := applyMigrations(src, "sqlite3", dbDriver); err != nil {
		return nil, err
	}
	return conn, nil
}

func openPostgres(dsn string) (*sql.DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("db: opening postgres: %w", err)
	}
	conn.SetMaxOpenConns(20)
	conn.SetMaxIdleConns(5)
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("db: pinging postgres: %w", err)
	}

	src, err := iofs.New(postgresMigrations, "migrations/postgres")
	if err != nil {
		return nil, fmt.Errorf("db: loading postgres migrations: %w", err)
	}
	dbDriver, err := postgres.WithInstance(conn, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("db: postgres migrate driver: %w", err)
	}
	if err := applyMigrations(src, "postgres", dbDriver); err != nil {
		return nil, err
	}
	return conn, nil
}

func applyMigrations(src source.Driver, dbName string, dbDriver database.Driver) error {
	m, err := migrate.NewWithInstance("iofs", src, dbName, dbDriver)
	if err != nil {
		return fmt.Errorf("db: constructing migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("db: applying migrations: %w", err)
	}
	return nil
}
