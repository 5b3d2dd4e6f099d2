package store

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed migrations/sqlite/*.sql
var sqliteFS embed.FS

//go:embed migrations/postgres/*.sql
var postgresFS embed.FS

// Migrate applies every pending embedded migration for the DB's dialect.
func (d *DB) Migrate() error {
	var (
		fs     embed.FS
		dir    string
		driver database.Driver
		err    error
	)
	switch d.dialect {
	case DialectPostgres:
		fs, dir = postgresFS, "migrations/postgres"
		driver, err = pgxmigrate.WithInstance(d.sql, &pgxmigrate.Config{})
	default:
		fs, dir = sqliteFS, "migrations/sqlite"
		driver, err = sqlite3.WithInstance(d.sql, &sqlite3.Config{})
	}
	if err != nil {
		return fmt.Errorf("create %s migration driver: %w", d.dialect, err)
	}

	src, err := iofs.New(fs, dir)
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(d.dialect), driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}

	err = m.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		d.logger.Info("Schema already up to date", zap.String("dialect", string(d.dialect)))
	case err != nil:
		return fmt.Errorf("apply migrations: %w", err)
	default:
		version, _, _ := m.Version()
		d.logger.Info("Migrations applied", zap.String("dialect", string(d.dialect)), zap.Uint("version", version))
	}
	return nil
}
