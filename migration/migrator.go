// Package migration defines how schema changes are applied to a freshly started
// engine before any handle is given to a test. Strategies (Atlas, custom
// functions) plug in through the Migrator interface.
package migration

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Migrator applies schema migrations to the database behind pool.
type Migrator interface {
	Apply(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error
}

// NoOpMigrator applies nothing. It is the default when no migrator is configured.
type NoOpMigrator struct{}

// Apply logs that migrations are skipped and returns nil.
func (m *NoOpMigrator) Apply(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	logger.Debug("Migration skipped (NoOpMigrator).")
	return nil
}

// MigratorFunc adapts a plain function to the Migrator interface.
type MigratorFunc func(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error

// Apply calls f.
func (f MigratorFunc) Apply(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	return f(ctx, pool, logger)
}
