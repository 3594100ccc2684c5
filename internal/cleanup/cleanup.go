// Package cleanup runs the teardown steps of an engine in reverse registration order.
package cleanup

import (
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Func is a single teardown step.
type Func func() error

type step struct {
	name string
	fn   Func
}

// Manager keeps a LIFO stack of teardown steps and runs them at most once.
type Manager struct {
	mu     sync.Mutex
	steps  []step
	err    error
	done   bool
	logger *zap.Logger
	once   sync.Once
}

// NewManager creates a manager that reports step failures to logger.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		steps:  make([]step, 0, 4),
		logger: logger,
	}
}

// Add pushes a named step. Nil functions are ignored, and steps added after
// Execute has run are never executed.
func (m *Manager) Add(name string, f Func) {
	if f == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		m.logger.Warn("Cleanup step registered after cleanup already ran; ignoring", zap.String("step", name))
		return
	}
	m.steps = append(m.steps, step{name: name, fn: f})
}

// Execute runs every registered step in reverse order, exactly once. All step
// errors are combined; later calls return the same combined error.
func (m *Manager) Execute() error {
	m.once.Do(func() {
		m.mu.Lock()
		steps := m.steps
		m.steps = nil
		m.done = true
		m.mu.Unlock()

		m.logger.Debug("Starting cleanup", zap.Int("steps", len(steps)))
		var errs error
		for i := len(steps) - 1; i >= 0; i-- {
			s := steps[i]
			if err := s.fn(); err != nil {
				m.logger.Error("Cleanup step failed", zap.String("step", s.name), zap.Error(err))
				errs = multierr.Append(errs, err)
				continue
			}
			m.logger.Debug("Cleanup step finished", zap.String("step", s.name))
		}
		m.logger.Debug("Cleanup finished")
		_ = m.logger.Sync()

		m.mu.Lock()
		m.err = errs
		m.mu.Unlock()
	})
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Done reports whether Execute has started.
func (m *Manager) Done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}
