package emberkv

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/veiloq/emberkv/config"
	"github.com/veiloq/emberkv/connection"
	"github.com/veiloq/emberkv/internal/cleanup"
	"github.com/veiloq/emberkv/kv"
	"github.com/veiloq/emberkv/server"
	"github.com/veiloq/emberkv/streams"
)

// Engine is one running embedded database together with the clients derived
// from it. The clients are created once at start and never separately. Its
// fields are set before StartEngine returns and never change afterwards; after
// Shutdown the accessors return the same, now closed, handles.
type Engine struct {
	config     config.Config // Final config; Port is always assigned.
	server     *embeddedpostgres.EmbeddedPostgres
	db         *sql.DB
	pool       *pgxpool.Pool
	dsn        string
	runtimeDir string
	kv         *kv.Client
	streams    *streams.Client
	logger     *zap.Logger
	cleanup    *cleanup.Manager
	closed     atomic.Bool
}

// StartEngine starts a dedicated server in a fresh runtime directory, connects
// to it, creates the kv catalog and runs the configured hooks and migrator.
// Anything started before a failing step is torn down before the error is
// returned. A nil settings uses the defaults; a nil logger discards output.
func StartEngine(ctx context.Context, cfg config.Config, settings *config.Settings, logger *zap.Logger) (_ *Engine, err error) {
	if settings == nil {
		settings, cfg = config.ApplyOptions(&cfg)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		config:  cfg,
		logger:  logger,
		cleanup: cleanup.NewManager(logger),
	}
	defer func() {
		if err != nil {
			e.closed.Store(true)
			if cleanupErr := e.cleanup.Execute(); cleanupErr != nil {
				logger.Error("Error during cleanup after start failure", zap.Error(cleanupErr))
			}
		}
	}()

	if err = server.AssignRandomPort(&e.config, logger); err != nil {
		return nil, fmt.Errorf("failed to assign engine port: %w", err)
	}
	if e.runtimeDir, err = server.PrepareRuntimeDir(e.config.RuntimeBasePath); err != nil {
		return nil, fmt.Errorf("failed to prepare runtime directory: %w", err)
	}
	// Registered first so it runs last, after the server released its files.
	e.cleanup.Add("runtime directory", server.RemoveRuntimeDir(e.runtimeDir, e.config.KeepData, logger))

	if e.server, err = server.Start(ctx, e.config, e.runtimeDir, logger); err != nil {
		return nil, fmt.Errorf("failed to start engine at %s: %w", e.runtimeDir, err)
	}
	e.cleanup.Add("embedded server", server.StopFunc(e.server, logger))

	pools, err := connection.ConnectPools(ctx, e.config, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to engine: %w", err)
	}
	e.db, e.pool, e.dsn = pools.DB, pools.Pool, pools.DSN
	e.cleanup.Add("pgx pool", connection.ClosePgxPool(e.pool, e.dsn, logger))
	e.cleanup.Add("sql.DB", connection.CloseDB(e.db, e.dsn, logger))

	if hook := settings.AfterConnectionHook(); hook != nil {
		logger.Debug("Running afterConnectionHook...")
		if err = hook(ctx, e.db, e.pool, logger); err != nil {
			return nil, fmt.Errorf("afterConnectionHook failed: %w", err)
		}
	}

	if err = kv.Bootstrap(ctx, e.db, logger); err != nil {
		return nil, fmt.Errorf("failed to bootstrap kv catalog: %w", err)
	}

	if hook := settings.BeforeMigrationHook(); hook != nil {
		logger.Debug("Running beforeMigrationHook...")
		if err = hook(ctx, e.dsn, logger); err != nil {
			return nil, fmt.Errorf("beforeMigrationHook failed: %w", err)
		}
	}
	if m := settings.Migrator(); m != nil {
		if err = m.Apply(ctx, e.pool, logger); err != nil {
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}
	}

	e.kv = kv.New(e.pool)
	e.streams = streams.New(e.pool)

	logger.Info("Engine started",
		zap.Uint32("port", e.config.Port),
		zap.String("runtime_dir", e.runtimeDir),
		zap.String("database", connection.GetDBNameFromDSN(e.dsn)))
	return e, nil
}

// Shutdown stops the engine and releases everything it holds. Only the first
// call does work; later calls return the first call's result.
func (e *Engine) Shutdown() error {
	e.closed.Store(true)
	return e.cleanup.Execute()
}

// Closed reports whether Shutdown has been called.
func (e *Engine) Closed() bool {
	return e.closed.Load()
}

func (e *Engine) KV() *kv.Client { return e.kv }

func (e *Engine) Streams() *streams.Client { return e.streams }

func (e *Engine) DB() *sql.DB { return e.db }

func (e *Engine) Pool() *pgxpool.Pool { return e.pool }

// ConnectionString returns the DSN both pools connect with.
func (e *Engine) ConnectionString() string { return e.dsn }

func (e *Engine) Port() uint32 { return e.config.Port }

// RuntimeDir is the directory holding the engine's binaries and data.
func (e *Engine) RuntimeDir() string { return e.runtimeDir }

// runTestFn runs fn and turns a panic into an error so the caller can still
// roll back.
func runTestFn[T any](ctx context.Context, fn func(ctx context.Context, tx T) error, tx T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("test panicked: %v", r)
		}
	}()
	return fn(ctx, tx)
}

// RunSQLTx runs fn inside a database/sql transaction that is always rolled
// back afterwards. An error returned by fn is logged, not failed on, since
// tests may expect it.
func (e *Engine) RunSQLTx(ctx context.Context, tb testing.TB, fn func(ctx context.Context, tx *sql.Tx) error) {
	tb.Helper()
	if e.db == nil || e.Closed() {
		tb.Fatal("engine has no open sql.DB; was it started with StartEngine and still running?")
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		tb.Fatalf("Failed to begin transaction: %v", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			tb.Logf("Warning: failed to rollback transaction: %v", rbErr)
		}
	}()
	if err := runTestFn(ctx, fn, tx); err != nil {
		tb.Logf("Test function returned error: %v", err)
	}
}

// RunTx is RunSQLTx for a pgx transaction on the engine's pool.
func (e *Engine) RunTx(ctx context.Context, tb testing.TB, fn func(ctx context.Context, tx pgx.Tx) error) {
	tb.Helper()
	if e.pool == nil || e.Closed() {
		tb.Fatal("engine has no open pgx pool; was it started with StartEngine and still running?")
	}
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		tb.Fatalf("Failed to begin pgx transaction: %v", err)
	}
	defer func() {
		rbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rbErr := tx.Rollback(rbCtx); rbErr != nil && rbErr != pgx.ErrTxClosed {
			tb.Logf("Warning: failed to rollback pgx transaction: %v", rbErr)
		}
	}()
	if err := runTestFn(ctx, fn, tx); err != nil {
		tb.Logf("Test function returned error: %v", err)
	}
}
