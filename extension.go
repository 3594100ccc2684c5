package emberkv

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veiloq/emberkv/config"
	"github.com/veiloq/emberkv/internal/logger"
	"github.com/veiloq/emberkv/internal/store"
)

type startFunc func(ctx context.Context, cfg config.Config, settings *config.Settings, logger *zap.Logger) (*Engine, error)

// Extension hands out engines to test scopes. One engine is started lazily per
// scope and shut down when the scope ends. An Extension is safe for
// concurrent use, so parallel tests may share one.
type Extension struct {
	config   config.Config
	settings *config.Settings
	logger   *zap.Logger
	store    *store.Store[*Engine]
	start    startFunc
}

// New validates cfg, applies opts and returns an extension without any
// running engine.
func New(cfg config.Config, opts ...config.Option) (*Extension, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration provided: %w", err)
	}
	settings, finalConfig := config.ApplyOptions(&cfg, opts...)
	if err := finalConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration after applying options: %w", err)
	}

	log, err := logger.InitLogger(nil, settings, finalConfig.RuntimeBasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	restart := finalConfig.ShutdownPolicy == config.PolicyRestart
	return &Extension{
		config:   finalConfig,
		settings: settings,
		logger:   log,
		store:    store.New[*Engine](restart, log),
		start:    StartEngine,
	}, nil
}

// NewScope creates a scope for hosts that drive the lifecycle themselves, such
// as TestMain. The host calls BeforeScope and AfterScope (or Scope.Close).
func (x *Extension) NewScope(name string) *Scope {
	return x.newScope(name, x.logger)
}

func (x *Extension) newScope(name string, log *zap.Logger) *Scope {
	id := uuid.NewString()
	return &Scope{
		id:     id,
		name:   name,
		ext:    x,
		logger: log.With(zap.String("scope", name), zap.String("scope_id", id)),
	}
}

// Use creates a scope for tb, registers it and arranges for AfterScope to run
// in tb's cleanup whether or not the test passes. The engine logs through a
// zaptest logger bound to tb unless config.WithLogger was given.
func (x *Extension) Use(tb testing.TB) *Scope {
	tb.Helper()

	log, err := logger.InitLogger(tb, x.settings, x.config.RuntimeBasePath)
	if err != nil {
		tb.Fatalf("emberkv: failed to initialize logger: %v", err)
	}
	s := x.newScope(tb.Name(), log)
	if err := x.BeforeScope(s); err != nil {
		tb.Fatalf("emberkv: %v", err)
	}
	tb.Cleanup(func() {
		err := x.AfterScope(s)
		if err == nil {
			return
		}
		// Shutdown problems must not hide the reason the test failed.
		if tb.Failed() {
			tb.Logf("emberkv: warning: shutting down engine of %s failed: %v", s.name, err)
			return
		}
		tb.Errorf("emberkv: shutting down engine of %s failed: %v", s.name, err)
	})
	return s
}

// BeforeScope registers s. No engine is started until something is resolved.
func (x *Extension) BeforeScope(s *Scope) error {
	if err := x.check(s); err != nil {
		return err
	}
	if s.closed.Load() {
		return fmt.Errorf("%w: %s", ErrScopeClosed, s.name)
	}
	if err := x.store.Open(s.id); err != nil {
		return err
	}
	s.logger.Debug("Scope opened")
	return nil
}

// AfterScope shuts down the engine of s, if one was started, and closes the
// scope for good. It is idempotent.
func (x *Extension) AfterScope(s *Scope) error {
	if err := x.check(s); err != nil {
		return err
	}
	s.closed.Store(true)
	if err := x.store.RemoveAndShutdown(s.id); err != nil {
		s.logger.Error("Scope closed with shutdown error", zap.Error(err))
		return err
	}
	s.logger.Debug("Scope closed")
	return nil
}

// Supports reports whether k can be resolved.
func (x *Extension) Supports(k Kind) bool {
	return Supports(k)
}

// Resolve returns the value of kind k for scope s, starting the scope's engine
// if it is not running. Start errors are returned as produced by the engine.
func (x *Extension) Resolve(ctx context.Context, k Kind, s *Scope) (any, error) {
	if !Supports(k) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, k)
	}
	if err := x.check(s); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, fmt.Errorf("%w: %s", ErrScopeClosed, s.name)
	}
	engine, err := x.store.GetOrCreate(ctx, s.id, func(ctx context.Context) (*Engine, error) {
		return x.start(ctx, x.config, x.settings, s.logger)
	})
	if err != nil {
		return nil, err
	}
	// AfterScope may have run between the check above and the start.
	if s.closed.Load() {
		if err := x.store.RemoveAndShutdown(s.id); err != nil {
			s.logger.Warn("Failed to shut down engine of closed scope", zap.Error(err))
		}
		return nil, fmt.Errorf("%w: %s", ErrScopeClosed, s.name)
	}
	return derivations[k](engine), nil
}

// Starts reports how many engines the extension has started.
func (x *Extension) Starts() int { return x.store.Starts() }

func (x *Extension) check(s *Scope) error {
	if s == nil {
		return fmt.Errorf("%w: nil", ErrInvalidScope)
	}
	if s.ext != x {
		return fmt.Errorf("%w: %s belongs to another extension", ErrInvalidScope, s.name)
	}
	return nil
}

// Resolve returns the value of type T for s. T must be *Engine, *kv.Client,
// *streams.Client, *pgxpool.Pool or *sql.DB.
func Resolve[T any](ctx context.Context, s *Scope) (T, error) {
	var zero T
	k, ok := kindOf[T]()
	if !ok {
		return zero, fmt.Errorf("%w: %T", ErrUnsupportedKind, zero)
	}
	if s == nil {
		return zero, fmt.Errorf("%w: nil", ErrInvalidScope)
	}
	v, err := s.ext.Resolve(ctx, k, s)
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

// MustResolve is Resolve that fails tb instead of returning an error.
func MustResolve[T any](tb testing.TB, s *Scope) T {
	tb.Helper()
	v, err := Resolve[T](context.Background(), s)
	if err != nil {
		tb.Fatalf("emberkv: failed to resolve %T: %v", v, err)
	}
	return v
}
