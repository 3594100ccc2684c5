package emberkv_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/veiloq/emberkv"
	"github.com/veiloq/emberkv/config"
	"github.com/veiloq/emberkv/internal/enginetest"
	"github.com/veiloq/emberkv/kv"
	"github.com/veiloq/emberkv/migration"
	"github.com/veiloq/emberkv/streams"
)

func tableExists(t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(context.Background(),
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`,
		name).Scan(&exists)
	require.NoError(t, err)
	return exists
}

func TestExtension_ResolvedHandlesShareOneEngine(t *testing.T) {
	ctx := context.Background()
	x := enginetest.Extension(t)
	s := x.Use(t)

	engine := emberkv.MustResolve[*emberkv.Engine](t, s)
	client := emberkv.MustResolve[*kv.Client](t, s)
	feed := emberkv.MustResolve[*streams.Client](t, s)
	pool := emberkv.MustResolve[*pgxpool.Pool](t, s)
	db := emberkv.MustResolve[*sql.DB](t, s)

	assert.Same(t, engine.KV(), client)
	assert.Same(t, engine.Streams(), feed)
	assert.Same(t, engine.Pool(), pool)
	assert.Same(t, engine.DB(), db)
	assert.Equal(t, 1, x.Starts())
	assert.Equal(t, emberkv.Running, s.State())

	require.NoError(t, pool.Ping(ctx))
	require.NoError(t, db.PingContext(ctx))
	assert.Equal(t, engine.ConnectionString(), pool.Config().ConnString())
	assert.True(t, tableExists(t, pool, "emberkv_tables"), "kv catalog is bootstrapped on start")

	tables, err := client.ListTables(ctx)
	require.NoError(t, err)
	assert.Empty(t, tables)
}

func TestExtension_SubtestsGetTheirOwnEngines(t *testing.T) {
	x := enginetest.Extension(t)
	parent := emberkv.MustResolve[*emberkv.Engine](t, x.Use(t))

	var (
		mu    sync.Mutex
		ports = map[uint32]string{parent.Port(): t.Name()}
	)
	for _, name := range []string{"first", "second"} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := x.Use(t)
			engine := emberkv.MustResolve[*emberkv.Engine](t, s)

			// Both subtests create the same table; they would collide on a shared engine.
			_, err := engine.KV().CreateTable(ctx, kv.CreateTableInput{
				TableName: "items",
				HashKey:   kv.KeyElement{Name: "id", Type: kv.TypeString},
			})
			require.NoError(t, err)

			mu.Lock()
			defer mu.Unlock()
			_, dup := ports[engine.Port()]
			assert.False(t, dup, "port %d already used by another scope", engine.Port())
			ports[engine.Port()] = t.Name()
		})
	}
}

func TestExtension_CreatePutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	x := enginetest.Extension(t)
	s := x.Use(t)
	client := emberkv.MustResolve[*kv.Client](t, s)

	_, err := client.CreateTable(ctx, kv.CreateTableInput{
		TableName: "users",
		HashKey:   kv.KeyElement{Name: "id", Type: kv.TypeString},
	})
	require.NoError(t, err)

	item := kv.Item{
		"id":   kv.String("u-1"),
		"name": kv.String("Ada"),
		"age":  kv.NumberInt(36),
	}
	old, err := client.PutItem(ctx, "users", item)
	require.NoError(t, err)
	assert.Nil(t, old)

	got, err := client.GetItem(ctx, "users", kv.Item{"id": kv.String("u-1")})
	require.NoError(t, err)
	assert.Equal(t, item, got)
}

func TestExtension_ScopeLifecycleWithoutTestingTB(t *testing.T) {
	ctx := context.Background()
	x := enginetest.Extension(t)

	s := x.NewScope("suite")
	require.NoError(t, x.BeforeScope(s))
	engine, err := emberkv.Resolve[*emberkv.Engine](ctx, s)
	require.NoError(t, err)
	assert.DirExists(t, engine.RuntimeDir())

	require.NoError(t, x.AfterScope(s))
	assert.True(t, engine.Closed())
	assert.Error(t, engine.Pool().Ping(ctx), "pools are closed on shutdown")
	assert.Error(t, engine.DB().PingContext(ctx))
	assert.NoDirExists(t, engine.RuntimeDir())

	_, err = emberkv.Resolve[*kv.Client](ctx, s)
	assert.ErrorIs(t, err, emberkv.ErrScopeClosed)
}

func TestExtension_KeepData(t *testing.T) {
	x := enginetest.Extension(t, config.WithKeepData())
	s := x.NewScope("keep")
	engine, err := emberkv.Resolve[*emberkv.Engine](context.Background(), s)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.DirExists(t, engine.RuntimeDir())
	_, err = os.Stat(filepath.Join(engine.RuntimeDir(), "data", "PG_VERSION"))
	assert.NoError(t, err, "data directory is kept intact")
}

func TestExtension_ExplicitShutdownFailsFast(t *testing.T) {
	x := enginetest.Extension(t)
	s := x.Use(t)
	engine := emberkv.MustResolve[*emberkv.Engine](t, s)

	require.NoError(t, engine.Shutdown())
	require.NoError(t, engine.Shutdown(), "shutdown is idempotent")

	_, err := emberkv.Resolve[*kv.Client](context.Background(), s)
	assert.ErrorIs(t, err, emberkv.ErrResourceShutDown)
}

func TestExtension_HooksAndMigratorRunInOrder(t *testing.T) {
	var calls []string
	x := enginetest.Extension(t,
		config.WithAfterConnectionHook(func(ctx context.Context, db *sql.DB, pool *pgxpool.Pool, logger *zap.Logger) error {
			calls = append(calls, "afterConnection")
			return db.PingContext(ctx)
		}),
		config.WithBeforeMigrationHook(func(ctx context.Context, dsn string, logger *zap.Logger) error {
			calls = append(calls, "beforeMigration")
			assert.NotEmpty(t, dsn)
			return nil
		}),
		config.WithMigrator(migration.MigratorFunc(func(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
			calls = append(calls, "migrator")
			_, err := pool.Exec(ctx, `CREATE TABLE audit (id serial PRIMARY KEY, note text)`)
			return err
		})),
	)
	pool := emberkv.MustResolve[*pgxpool.Pool](t, x.Use(t))

	assert.Equal(t, []string{"afterConnection", "beforeMigration", "migrator"}, calls)
	assert.True(t, tableExists(t, pool, "audit"))
}

func TestStartEngine_FailureTearsDownEverything(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that starts an embedded engine in short mode")
	}
	cfg := enginetest.Config(t)
	hookErr := errors.New("hook refused")
	settings, cfg := config.ApplyOptions(&cfg, config.WithAfterConnectionHook(
		func(context.Context, *sql.DB, *pgxpool.Pool, *zap.Logger) error { return hookErr }))

	engine, err := emberkv.StartEngine(context.Background(), cfg, settings, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, hookErr)
	assert.Nil(t, engine)

	entries, err := os.ReadDir(cfg.RuntimeBasePath)
	require.NoError(t, err)
	assert.Empty(t, entries, "runtime directory of the failed engine is removed")
}

func TestEngine_TransactionsRollBack(t *testing.T) {
	ctx := context.Background()
	engine, _ := enginetest.Engine(t)

	engine.RunTx(ctx, t, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `CREATE TABLE scratch (id int)`)
		require.NoError(t, err)
		return nil
	})
	assert.False(t, tableExists(t, engine.Pool(), "scratch"))

	engine.RunSQLTx(ctx, t, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `CREATE TABLE scratch_sql (id int)`)
		require.NoError(t, err)
		panic("rolled back anyway")
	})
	assert.False(t, tableExists(t, engine.Pool(), "scratch_sql"))
}
