package db

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/patrickwarner/chatads/internal/db/migrations"
)

var migrateFn = Migrate

// MigrateIfEnabled runs Migrate only when enabled is set (AUTO_MIGRATE).
func MigrateIfEnabled(enabled bool, dsn string) error {
	if !enabled {
		return nil
	}
	return migrateFn(dsn)
}

// Migrate applies all pending up migrations embedded in the binary.
func Migrate(dsn string) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	defer func() { _ = src.Close() }()

	mg, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}
	defer func() { _, _ = mg.Close() }()

	_, dirty, err := mg.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("migration version: %w", err)
	}
	if dirty {
		return errors.New("database is in dirty migration state")
	}

	if err := mg.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}
