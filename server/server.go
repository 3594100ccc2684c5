// Package server starts and stops the embedded PostgreSQL server that backs one
// emberkv engine, including port assignment and its private runtime directory.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"go.uber.org/zap"

	"github.com/veiloq/emberkv/config"
	"github.com/veiloq/emberkv/connection"
	"github.com/veiloq/emberkv/internal/cleanup"
)

// AssignRandomPort replaces a zero cfg.Port with a free port on cfg.Host.
func AssignRandomPort(cfg *config.Config, logger *zap.Logger) error {
	if cfg.Port != 0 {
		return nil
	}
	port, err := connection.FreePort(cfg.Host)
	if err != nil {
		return fmt.Errorf("failed to get free port: %w", err)
	}
	cfg.Port = port
	logger.Debug("Assigned random free port", zap.Uint32("port", port))
	return nil
}

// UniqueName returns prefix followed by 16 random hex characters, lowercased
// and capped at 63 characters so it is also a valid PostgreSQL identifier.
func UniqueName(prefix string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes for name: %w", err)
	}
	name := strings.ToLower(prefix + hex.EncodeToString(b))
	name = strings.ReplaceAll(name, "-", "_")
	if len(name) > 63 {
		name = name[:63]
	}
	return name, nil
}

// PrepareRuntimeDir creates a fresh, uniquely named directory under basePath
// and returns its absolute path.
func PrepareRuntimeDir(basePath string) (string, error) {
	name, err := UniqueName("runtime_")
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(basePath, 0o750); err != nil {
		return "", fmt.Errorf("failed to create base runtime directory %q: %w", basePath, err)
	}
	dir, err := filepath.Abs(filepath.Join(basePath, name))
	if err != nil {
		return "", fmt.Errorf("failed to resolve runtime directory %q: %w", name, err)
	}
	return dir, nil
}

// RemoveRuntimeDir returns a cleanup step that deletes dir unless keep is set.
func RemoveRuntimeDir(dir string, keep bool, logger *zap.Logger) cleanup.Func {
	return func() error {
		if keep {
			logger.Info("Keeping engine runtime directory", zap.String("path", dir))
			return nil
		}
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove runtime dir %q: %w", dir, err)
		}
		logger.Debug("Removed engine runtime directory", zap.String("path", dir))
		return nil
	}
}

// Start configures and starts an embedded PostgreSQL server that keeps its data
// in runtimeDir. The call blocks until the server accepts connections or
// cfg.StartTimeout elapses.
func Start(ctx context.Context, cfg config.Config, runtimeDir string, logger *zap.Logger) (*embeddedpostgres.EmbeddedPostgres, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("not starting embedded postgres: %w", err)
	}

	epCfg := embeddedpostgres.DefaultConfig().
		Version(cfg.Version).
		Port(cfg.Port).
		Database(cfg.Database).
		Username(cfg.Username).
		Password(cfg.Password).
		RuntimePath(runtimeDir).
		DataPath(filepath.Join(runtimeDir, "data")).
		BinariesPath(cfg.BinariesPath).
		StartTimeout(cfg.StartTimeout).
		Logger(cfg.Logger)

	if len(cfg.StartupParams) > 0 {
		epCfg = epCfg.StartParameters(cfg.StartupParams)
	}

	ep := embeddedpostgres.NewDatabase(epCfg)
	logger.Info("Starting embedded postgres server",
		zap.Uint32("port", cfg.Port),
		zap.String("version", string(cfg.Version)),
		zap.String("runtime_path", runtimeDir))

	if err := ep.Start(); err != nil {
		return nil, fmt.Errorf("failed to start embedded postgres: %w", err)
	}
	logger.Info("Embedded postgres server started", zap.Uint32("port", cfg.Port))
	return ep, nil
}

// StopFunc returns a cleanup step that stops ep.
func StopFunc(ep *embeddedpostgres.EmbeddedPostgres, logger *zap.Logger) cleanup.Func {
	return func() error {
		if ep == nil {
			logger.Debug("Embedded postgres server already stopped or never started.")
			return nil
		}
		logger.Debug("Stopping embedded postgres server...")
		if err := ep.Stop(); err != nil {
			return fmt.Errorf("error stopping embedded postgres: %w", err)
		}
		logger.Debug("Embedded postgres server stopped.")
		return nil
	}
}
