package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

var Migrations = migrate.NewMigrations()

// Migrate creates the bookkeeping tables and applies every pending
// migration. It returns the applied group, which is empty when the schema
// was already current.
func Migrate(ctx context.Context, db *bun.DB) (*migrate.MigrationGroup, error) {
	m := migrate.NewMigrator(db, Migrations)
	if err := m.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to init migrations: %w", err)
	}
	if err := m.Lock(ctx); err != nil {
		return nil, err
	}
	defer m.Unlock(ctx) //nolint:errcheck

	group, err := m.Migrate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return group, nil
}

// Rollback reverts the last applied migration group.
func Rollback(ctx context.Context, db *bun.DB) (*migrate.MigrationGroup, error) {
	m := migrate.NewMigrator(db, Migrations)
	if err := m.Lock(ctx); err != nil {
		return nil, err
	}
	defer m.Unlock(ctx) //nolint:errcheck

	group, err := m.Rollback(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to rollback: %w", err)
	}
	return group, nil
}

// Init only creates the migration bookkeeping tables.
func Init(ctx context.Context, db *bun.DB) error {
	return migrate.NewMigrator(db, Migrations).Init(ctx)
}
