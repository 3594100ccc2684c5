package emberkv

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/veiloq/emberkv/internal/store"
)

// State of a scope's engine.
type State = store.State

const (
	NotStarted = store.NotStarted
	Running    = store.Running
	ShutDown   = store.ShutDown
)

// Scope is one unit of test lifecycle, usually a test or subtest. Every scope
// gets its own engine, started on the first resolution inside it.
type Scope struct {
	id     string
	name   string
	ext    *Extension
	logger *zap.Logger
	closed atomic.Bool // set by AfterScope; the store forgets the id
}

// ID is unique across all scopes of the process.
func (s *Scope) ID() string { return s.id }

func (s *Scope) Name() string { return s.name }

// State reports whether the scope's engine has not started, is running or was
// shut down.
func (s *Scope) State() State {
	if s.closed.Load() {
		return ShutDown
	}
	return s.ext.store.State(s.id)
}

// Resolve is shorthand for s's extension Resolve.
func (s *Scope) Resolve(ctx context.Context, k Kind) (any, error) {
	return s.ext.Resolve(ctx, k, s)
}

// Close ends the scope. It is AfterScope for hosts without testing.TB.
func (s *Scope) Close() error { return s.ext.AfterScope(s) }
