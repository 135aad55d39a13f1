package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/chatsync/internal/store/migrations"
)

// MigrateResult describes what happened during migration.
type MigrateResult struct {
	Version uint
	Dirty   bool
	Changed bool
}

// Migrate runs all pending migrations on the database.
func (db *DB) Migrate() (*MigrateResult, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}

	changed := true
	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return nil, fmt.Errorf("migration up: %w", err)
		}
		changed = false
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return nil, fmt.Errorf("migration version: %w", err)
	}
	return &MigrateResult{Version: version, Dirty: dirty, Changed: changed}, nil
}
