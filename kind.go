package emberkv

import (
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veiloq/emberkv/kv"
	"github.com/veiloq/emberkv/streams"
)

// Kind is a parameter type the extension can resolve.
type Kind int

const (
	KindEngine  Kind = iota // *Engine
	KindKV                  // *kv.Client
	KindStreams             // *streams.Client
	KindPool                // *pgxpool.Pool
	KindDB                  // *sql.DB
	kindCount
)

var kindNames = [kindCount]string{
	KindEngine:  "Engine",
	KindKV:      "KV",
	KindStreams: "Streams",
	KindPool:    "Pool",
	KindDB:      "DB",
}

// derivations maps each kind to the value it resolves to. Every value comes
// from the same engine, so all handles of one scope agree.
var derivations = [kindCount]func(*Engine) any{
	KindEngine:  func(e *Engine) any { return e },
	KindKV:      func(e *Engine) any { return e.KV() },
	KindStreams: func(e *Engine) any { return e.Streams() },
	KindPool:    func(e *Engine) any { return e.Pool() },
	KindDB:      func(e *Engine) any { return e.DB() },
}

func (k Kind) String() string {
	if !Supports(k) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Supports reports whether k is one of the resolvable kinds.
func Supports(k Kind) bool {
	return k >= 0 && k < kindCount
}

// kindOf maps a Go type to its kind.
func kindOf[T any]() (Kind, bool) {
	switch any((*T)(nil)).(type) {
	case **Engine:
		return KindEngine, true
	case **kv.Client:
		return KindKV, true
	case **streams.Client:
		return KindStreams, true
	case **pgxpool.Pool:
		return KindPool, true
	case **sql.DB:
		return KindDB, true
	default:
		return 0, false
	}
}

// SupportsType reports whether T can be resolved with Resolve.
func SupportsType[T any]() bool {
	_, ok := kindOf[T]()
	return ok
}
