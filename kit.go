package emberkv

import (
	"context"
	"database/sql"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veiloq/emberkv/kv"
	"github.com/veiloq/emberkv/streams"
)

// Kit is everything a test can do with the engine of its scope.
type Kit interface {
	// KV returns the data client.
	KV() *kv.Client
	// Streams returns the change feed client.
	Streams() *streams.Client
	// DB returns the standard library *sql.DB connection pool.
	DB() *sql.DB
	// Pool returns the pgx *pgxpool.Pool connection pool.
	Pool() *pgxpool.Pool
	// ConnectionString returns the DSN of the engine's database.
	ConnectionString() string
	// RunSQLTx executes fn within a sql.Tx that is rolled back afterwards.
	RunSQLTx(ctx context.Context, tb testing.TB, fn func(ctx context.Context, tx *sql.Tx) error)
	// RunTx executes fn within a pgx.Tx that is rolled back afterwards.
	RunTx(ctx context.Context, tb testing.TB, fn func(ctx context.Context, tx pgx.Tx) error)
	// Shutdown stops the engine. The scope normally does this itself.
	Shutdown() error
	Closed() bool
}

var _ Kit = (*Engine)(nil)
