// Package atlas applies a user's versioned Atlas migration directory to every
// engine right after the kv catalog is created.
package atlas

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ariga.io/atlas/sql/migrate"
	postgres "ariga.io/atlas/sql/postgres"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Driver for sql.Open("pgx", ...)
	"go.uber.org/zap"

	"github.com/veiloq/emberkv/connection"
)

const applyTimeout = 90 * time.Second

// Migrator implements migration.Migrator with the Atlas core library. The
// migration directory is resolved from an atlas.hcl file on first use and
// shared by every engine afterwards.
type Migrator struct {
	hclPath string

	once    sync.Once
	dir     migrate.Dir
	dirPath string
	initErr error
}

// NewMigrator returns a migrator reading its directory from hclPath.
func NewMigrator(hclPath string) *Migrator {
	return &Migrator{hclPath: hclPath}
}

// Apply runs every pending migration file against the database behind pool.
// A missing atlas.hcl or an env without a migration dir skips migrations.
func (m *Migrator) Apply(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	logger = logger.With(zap.String("migrator", "atlas"))
	m.once.Do(func() { m.dir, m.dirPath, m.initErr = resolveDir(m.hclPath, logger) })
	if m.initErr != nil {
		return m.initErr
	}
	if m.dir == nil {
		logger.Info("No Atlas migration directory configured; skipping migrations", zap.String("hcl_path", m.hclPath))
		return nil
	}

	dsn := pool.Config().ConnString()
	dbName := connection.GetDBNameFromDSN(dsn)
	logger.Info("Applying Atlas migrations", zap.String("database", dbName), zap.String("source_dir", m.dirPath))

	applyCtx, cancel := context.WithTimeout(ctx, applyTimeout)
	defer cancel()

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open connection for atlas: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("Failed to close atlas connection", zap.Error(err))
		}
	}()
	if err := db.PingContext(applyCtx); err != nil {
		return fmt.Errorf("failed to ping database %q for atlas: %w", dbName, err)
	}
	drv, err := postgres.Open(db)
	if err != nil {
		return fmt.Errorf("failed to open atlas postgres driver: %w", err)
	}

	// The kv catalog already lives in the database, so it is never clean.
	exec, err := migrate.NewExecutor(drv, m.dir, migrate.NopRevisionReadWriter{},
		migrate.WithAllowDirty(true),
		migrate.WithLogger(&zapMigrateLogger{logger: logger}))
	if err != nil {
		return fmt.Errorf("failed to create atlas executor for %q: %w", dbName, err)
	}
	if err := exec.ExecuteN(applyCtx, 0); err != nil {
		if errors.Is(err, migrate.ErrNoPendingFiles) {
			logger.Info("No pending Atlas migrations", zap.String("database", dbName))
			return nil
		}
		return fmt.Errorf("failed to apply atlas migrations to %q from %q: %w", dbName, m.dirPath, err)
	}
	logger.Info("Applied Atlas migrations", zap.String("database", dbName))
	return nil
}

// resolveDir parses the HCL file and opens the migration directory it names.
// A nil dir with a nil error means there is nothing to migrate.
func resolveDir(hclPath string, logger *zap.Logger) (migrate.Dir, string, error) {
	absHCL, err := filepath.Abs(hclPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve atlas HCL path %q: %w", hclPath, err)
	}
	if _, err := os.Stat(absHCL); err != nil {
		if os.IsNotExist(err) {
			logger.Info("Atlas HCL file not found", zap.String("path", absHCL))
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("failed to stat atlas HCL file %q: %w", absHCL, err)
	}

	var conf configHCL
	if err := hclsimple.DecodeFile(absHCL, nil, &conf); err != nil {
		return nil, "", fmt.Errorf("failed to decode atlas HCL file %q: %w", absHCL, err)
	}
	rel, ok := conf.migrationDir(logger)
	if !ok {
		logger.Warn("No env.migration.dir in atlas config", zap.String("hcl_path", absHCL))
		return nil, "", nil
	}

	absDir := filepath.Join(filepath.Dir(absHCL), strings.TrimPrefix(rel, "file://"))
	dir, err := migrate.NewLocalDir(absDir)
	if err != nil {
		return nil, absDir, fmt.Errorf("failed to open migration dir %q: %w", absDir, err)
	}
	logger.Debug("Resolved Atlas migration directory", zap.String("path", absDir))
	return dir, absDir, nil
}

// The HCL structs decode only what is needed; other blocks and attributes of
// a real atlas.hcl (url, dev, lint, ...) are left in Remain.
type configHCL struct {
	Envs   []*envHCL `hcl:"env,block"`
	Remain hcl.Body  `hcl:",remain"`
}

type envHCL struct {
	Name      string        `hcl:"name,label"`
	Migration *migrationHCL `hcl:"migration,block"`
	Remain    hcl.Body      `hcl:",remain"`
}

type migrationHCL struct {
	Dir    string   `hcl:"dir"`
	Remain hcl.Body `hcl:",remain"`
}

// migrationDir prefers the "local" env and falls back to the first one.
func (c *configHCL) migrationDir(logger *zap.Logger) (string, bool) {
	for _, env := range c.Envs {
		if env.Name == "local" && env.Migration != nil && env.Migration.Dir != "" {
			return env.Migration.Dir, true
		}
	}
	if len(c.Envs) > 0 && c.Envs[0].Migration != nil && c.Envs[0].Migration.Dir != "" {
		logger.Warn("Atlas env \"local\" has no migration dir; using the first env",
			zap.String("env", c.Envs[0].Name))
		return c.Envs[0].Migration.Dir, true
	}
	return "", false
}

type zapMigrateLogger struct {
	logger *zap.Logger
}

func (l *zapMigrateLogger) Log(entry migrate.LogEntry) {
	switch e := entry.(type) {
	case migrate.LogExecution:
		l.logger.Info("Atlas migration execution starting",
			zap.String("from_version", e.From),
			zap.String("to_version", e.To),
			zap.Int("num_files", len(e.Files)))
	case migrate.LogFile:
		l.logger.Debug("Applying migration file", zap.String("file", e.File.Name()), zap.Int("skip_stmts", e.Skip))
	case migrate.LogStmt:
		l.logger.Debug("Executing statement", zap.String("sql", e.SQL))
	case migrate.LogError:
		l.logger.Error("Atlas migration error", zap.String("sql", e.SQL), zap.Error(e.Error))
	case migrate.LogDone:
		l.logger.Debug("Atlas migration execution finished")
	}
}
