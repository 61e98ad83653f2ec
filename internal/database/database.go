// Package database opens the configured SQL database and applies the
// embedded schema migrations.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Klomgor/Maintainerr/migrations"
)

// Driver names a supported database
type Driver string

const (
	Postgres Driver = "postgres"
	SQLite   Driver = "sqlite"
)

// ParseDriver accepts the driver names used in configuration
func ParseDriver(name string) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	case "sqlite", "sqlite3", "":
		return SQLite, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q (use postgres or sqlite)", name)
	}
}

// Placeholder returns the bind variable format for the driver
func (d Driver) Placeholder() sq.PlaceholderFormat {
	if d == Postgres {
		return sq.Dollar
	}
	return sq.Question
}

// Open connects to the database and verifies the connection
func Open(ctx context.Context, driver Driver, url string) (*sql.DB, error) {
	dsn := url
	if driver == SQLite {
		dsn = sqliteDSN(url)
	}

	db, err := sql.Open(string(driver), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == SQLite {
		// one writer; also keeps ":memory:" databases on a single connection
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// sqliteDSN enables foreign keys and a busy timeout unless the DSN sets pragmas itself
func sqliteDSN(url string) string {
	if url == "" {
		url = "maintainerr.db"
	}
	if strings.Contains(url, "_pragma=") {
		return url
	}
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// Migrate applies every pending embedded migration for the driver.
// PostgreSQL migrations run on their own connection opened from url;
// SQLite migrations run on db itself so in-memory databases see them.
func Migrate(db *sql.DB, driver Driver, url string) error {
	src, err := iofs.New(migrations.FS, string(driver))
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	var m *migrate.Migrate
	switch driver {
	case Postgres:
		m, err = migrate.NewWithSourceInstance("iofs", src, url)
		if err != nil {
			return fmt.Errorf("failed to create migration instance: %w", err)
		}
		defer m.Close()
	case SQLite:
		instance, err := sqlite.WithInstance(db, &sqlite.Config{})
		if err != nil {
			return fmt.Errorf("failed to create migration driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, string(driver), instance)
		if err != nil {
			return fmt.Errorf("failed to create migration instance: %w", err)
		}
		// closing m would close db as well
		defer src.Close()
	default:
		return fmt.Errorf("unsupported database driver %q", driver)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
