package emberkv

import (
	"errors"

	"github.com/veiloq/emberkv/internal/store"
)

var (
	// ErrScopeClosed is returned when a scope resolves after AfterScope ran.
	ErrScopeClosed = store.ErrScopeClosed
	// ErrResourceShutDown is returned when test code shut the scope's engine
	// down and the shutdown policy is config.PolicyFailFast.
	ErrResourceShutDown = store.ErrResourceShutDown
	ErrDuplicateScope   = store.ErrDuplicateScope
	// ErrUnsupportedKind is returned for kinds or Go types without a derivation.
	ErrUnsupportedKind = errors.New("unsupported parameter kind")
	// ErrInvalidScope is returned for nil scopes and scopes of another extension.
	ErrInvalidScope = errors.New("invalid scope")
)
