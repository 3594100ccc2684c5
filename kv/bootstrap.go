package kv

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	"go.uber.org/zap"
)

// VersionTable records which catalog migrations ran. It is separate from
// goose's default table so user migrations managed with goose do not collide.
const VersionTable = "emberkv_schema_version"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Bootstrap creates the catalog tables the client stores tables, items and
// change records in. Running it against an up-to-date database is a no-op.
func Bootstrap(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded catalog migrations: %w", err)
	}
	store, err := database.NewStore(database.DialectPostgres, VersionTable)
	if err != nil {
		return fmt.Errorf("failed to create migration store: %w", err)
	}
	provider, err := goose.NewProvider("", db, fsys, goose.WithStore(store))
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply catalog migrations: %w", err)
	}
	for _, r := range results {
		logger.Debug("Applied catalog migration",
			zap.Int64("version", r.Source.Version),
			zap.String("path", r.Source.Path),
			zap.Duration("duration", r.Duration))
	}
	logger.Debug("kv catalog ready", zap.Int("applied", len(results)))
	return nil
}
