package config

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/veiloq/emberkv/migration"
)

// ConnectionHook runs right after an engine's connection pools are established.
type ConnectionHook func(ctx context.Context, db *sql.DB, pool *pgxpool.Pool, logger *zap.Logger) error

// MigrationHook runs before the configured migrator is applied.
type MigrationHook func(ctx context.Context, dsn string, logger *zap.Logger) error

// Settings holds configuration applied via functional options.
type Settings struct {
	atlasHCLPath        string             // Path to the atlas.hcl file
	migrator            migration.Migrator // Defaults to NoOpMigrator
	keepData            bool
	dsnParams           map[string]string
	startupParams       map[string]string
	shutdownPolicy      ShutdownPolicy
	logger              *zap.Logger      // Caller-supplied logger; overrides the built-in ones
	zapOptions          []zap.Option     // Options for zap logger creation (e.g., zap.AddCaller(false))
	zapTestLevel        *zap.AtomicLevel // Minimum level for zaptest loggers
	beforeMigrationHook MigrationHook
	afterConnectionHook ConnectionHook
}

// --- Getters ---

func (sts *Settings) AtlasHCLPath() string {
	return sts.atlasHCLPath
}

func (sts *Settings) Migrator() migration.Migrator {
	return sts.migrator
}

func (sts *Settings) BeforeMigrationHook() MigrationHook {
	return sts.beforeMigrationHook
}

func (sts *Settings) AfterConnectionHook() ConnectionHook {
	return sts.afterConnectionHook
}

func (sts *Settings) Logger() *zap.Logger {
	return sts.logger
}

func (sts *Settings) ZapTestLevel() *zap.AtomicLevel {
	return sts.zapTestLevel
}

func (sts *Settings) ZapOptions() []zap.Option {
	return sts.zapOptions
}

// --- Setters ---

func (sts *Settings) SetMigrator(m migration.Migrator) {
	sts.migrator = m
}

// Option configures an extension.
type Option func(*Settings)

// WithAtlasHCLPath specifies the path to the atlas.hcl configuration file.
func WithAtlasHCLPath(path string) Option {
	return func(sts *Settings) { sts.atlasHCLPath = path }
}

// WithMigrator installs a migrator that runs against every engine after start.
func WithMigrator(m migration.Migrator) Option {
	return func(sts *Settings) { sts.migrator = m }
}

// WithKeepData keeps each engine's runtime directory after shutdown.
func WithKeepData() Option {
	return func(sts *Settings) { sts.keepData = true }
}

// WithShutdownPolicy chooses how a scope reacts to resolution after its engine
// was shut down by test code.
func WithShutdownPolicy(p ShutdownPolicy) Option {
	return func(sts *Settings) { sts.shutdownPolicy = p }
}

// WithLogger makes the extension and every engine log to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(sts *Settings) { sts.logger = logger }
}

// WithZapOptions provides additional options for the zap logger.
func WithZapOptions(zapOpts ...zap.Option) Option {
	return func(sts *Settings) { sts.zapOptions = append(sts.zapOptions, zapOpts...) }
}

// WithZapTestLevel sets the minimum log level for zaptest loggers.
func WithZapTestLevel(level zapcore.Level) Option {
	return func(sts *Settings) {
		atomicLevel := zap.NewAtomicLevelAt(level)
		sts.zapTestLevel = &atomicLevel
	}
}

// WithDSNParams provides additional parameters to be appended to the DSN.
func WithDSNParams(params map[string]string) Option {
	return func(sts *Settings) {
		for k, v := range params {
			sts.dsnParams[k] = v
		}
	}
}

// WithStartupParams provides additional server startup parameters.
func WithStartupParams(params map[string]string) Option {
	return func(sts *Settings) {
		for k, v := range params {
			sts.startupParams[k] = v
		}
	}
}

// WithBeforeMigrationHook registers a function to run before migrations are applied.
func WithBeforeMigrationHook(hook MigrationHook) Option {
	return func(sts *Settings) { sts.beforeMigrationHook = hook }
}

// WithAfterConnectionHook registers a function to run after the connection pools
// of an engine are established.
func WithAfterConnectionHook(hook ConnectionHook) Option {
	return func(sts *Settings) { sts.afterConnectionHook = hook }
}

// ApplyOptions processes functional options and merges them into a copy of
// initialConfig. Option values override config values.
func ApplyOptions(initialConfig *Config, options ...Option) (*Settings, Config) {
	settings := &Settings{
		atlasHCLPath:  "atlas.hcl",
		migrator:      &migration.NoOpMigrator{},
		dsnParams:     make(map[string]string),
		startupParams: make(map[string]string),
		zapOptions:    make([]zap.Option, 0),
	}
	for _, opt := range options {
		opt(settings)
	}

	finalConfig := *initialConfig
	finalConfig.DSNParams = mergeParams(initialConfig.DSNParams, settings.dsnParams)
	finalConfig.StartupParams = mergeParams(initialConfig.StartupParams, settings.startupParams)
	finalConfig.KeepData = finalConfig.KeepData || settings.keepData
	if settings.shutdownPolicy != "" {
		finalConfig.ShutdownPolicy = settings.shutdownPolicy
	}
	if finalConfig.ShutdownPolicy == "" {
		finalConfig.ShutdownPolicy = PolicyFailFast
	}

	return settings, finalConfig
}

func mergeParams(base, override map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}
