// Package store maps test scopes to the engine handle started for them.
//
// Every scope moves through NotStarted -> Running -> ShutDown. A handle is
// created lazily on the first GetOrCreate for its scope and shut down by
// RemoveAndShutdown when the scope ends. Distinct scopes never share a handle
// and never wait on each other; concurrent first resolutions inside one scope
// start exactly one handle.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrScopeClosed is returned when a scope ends while its handle is starting.
	ErrScopeClosed = errors.New("scope already closed")
	// ErrResourceShutDown is returned when the scope's handle was shut down by
	// the test itself and the policy does not allow a restart.
	ErrResourceShutDown = errors.New("resource already shut down")
	// ErrDuplicateScope is returned by Open for an id that is already known.
	ErrDuplicateScope = errors.New("duplicate scope id")
)

// Handle is the part of a running engine the store needs.
type Handle interface {
	Shutdown() error
	Closed() bool
}

// StartFunc starts a new handle for a scope.
type StartFunc[H Handle] func(ctx context.Context) (H, error)

// State of a scope.
type State int

const (
	NotStarted State = iota
	Running
	ShutDown
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NOT_STARTED"
	case Running:
		return "RUNNING"
	case ShutDown:
		return "SHUT_DOWN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Store is safe for concurrent use. It only remembers scopes that are open or
// hold a handle: RemoveAndShutdown forgets the id entirely, so a long-lived
// store does not grow with the number of scopes it has served. Ids must not be
// reused after RemoveAndShutdown; callers that need to refuse a finished
// scope keep that state themselves.
type Store[H Handle] struct {
	mu       sync.Mutex
	opened   map[string]struct{}
	handles  map[string]H
	starting map[string]bool // in-flight starts; true once the scope was removed meanwhile
	starts   int

	restart bool
	group   singleflight.Group
	logger  *zap.Logger
}

// New creates an empty store. With restartAfterShutdown a handle shut down by
// test code is replaced on the next GetOrCreate instead of failing.
func New[H Handle](restartAfterShutdown bool, logger *zap.Logger) *Store[H] {
	return &Store[H]{
		opened:   make(map[string]struct{}),
		handles:  make(map[string]H),
		starting: make(map[string]bool),
		restart:  restartAfterShutdown,
		logger:   logger,
	}
}

// Open registers id as NotStarted. Registering is optional; GetOrCreate accepts
// unknown ids.
func (s *Store[H]) Open(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.opened[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateScope, id)
	}
	s.opened[id] = struct{}{}
	return nil
}

// GetOrCreate returns the running handle of id, starting one with start if
// there is none. A failing start caches nothing and its error is returned
// unmodified.
func (s *Store[H]) GetOrCreate(ctx context.Context, id string, start StartFunc[H]) (H, error) {
	var zero H

	s.mu.Lock()
	h, err := s.lookupLocked(id)
	s.mu.Unlock()
	if err != nil {
		return zero, err
	}
	if h != nil {
		return *h, nil
	}

	v, err, _ := s.group.Do(id, func() (any, error) {
		s.mu.Lock()
		h, err := s.lookupLocked(id)
		if err != nil || h != nil {
			s.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return *h, nil
		}
		s.starting[id] = false
		s.mu.Unlock()

		s.logger.Debug("Starting resource for scope", zap.String("scope", id))
		started, err := start(ctx)

		s.mu.Lock()
		removed := s.starting[id]
		delete(s.starting, id)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		if removed {
			s.mu.Unlock()
			// The scope ended while the handle was starting.
			if shutdownErr := started.Shutdown(); shutdownErr != nil {
				s.logger.Warn("Failed to shut down resource of closed scope", zap.String("scope", id), zap.Error(shutdownErr))
			}
			return nil, fmt.Errorf("%w: %s", ErrScopeClosed, id)
		}
		s.handles[id] = started
		s.opened[id] = struct{}{}
		s.starts++
		s.mu.Unlock()
		return started, nil
	})
	if err != nil {
		return zero, err
	}
	return v.(H), nil
}

// lookupLocked returns the usable handle of id, nil when one must be started,
// or an error when the scope cannot hand out a handle any more.
func (s *Store[H]) lookupLocked(id string) (*H, error) {
	h, ok := s.handles[id]
	if !ok {
		return nil, nil
	}
	if !h.Closed() {
		return &h, nil
	}
	if !s.restart {
		return nil, fmt.Errorf("%w: scope %s", ErrResourceShutDown, id)
	}
	s.logger.Debug("Resource was shut down by the test; restarting", zap.String("scope", id))
	delete(s.handles, id)
	return nil, nil
}

// RemoveAndShutdown ends the scope: its handle, if any, is removed and shut
// down, and the id is forgotten. A start still in flight for id is shut down
// as soon as it completes. Scopes that never started a handle and repeated
// calls are no-ops.
func (s *Store[H]) RemoveAndShutdown(id string) error {
	s.mu.Lock()
	h, ok := s.handles[id]
	delete(s.handles, id)
	delete(s.opened, id)
	if _, inFlight := s.starting[id]; inFlight {
		s.starting[id] = true
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("No resource started for scope; nothing to shut down", zap.String("scope", id))
		return nil
	}
	if err := h.Shutdown(); err != nil {
		return fmt.Errorf("failed to shut down resource of scope %s: %w", id, err)
	}
	s.logger.Debug("Resource shut down", zap.String("scope", id))
	return nil
}

// State reports the lifecycle state of id. Forgotten ids report NotStarted.
func (s *Store[H]) State(id string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[id]; ok {
		if h.Closed() {
			return ShutDown
		}
		return Running
	}
	return NotStarted
}

// Starts reports how many handles the store has started in total.
func (s *Store[H]) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

// Len reports how many scopes currently hold a handle.
func (s *Store[H]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Tracked reports how many scope ids the store currently remembers.
func (s *Store[H]) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[string]struct{}, len(s.opened))
	for id := range s.opened {
		ids[id] = struct{}{}
	}
	for id := range s.handles {
		ids[id] = struct{}{}
	}
	for id := range s.starting {
		ids[id] = struct{}{}
	}
	return len(ids)
}
