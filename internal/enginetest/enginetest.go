// Package enginetest starts real engines for integration tests.
package enginetest

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/veiloq/emberkv"
	"github.com/veiloq/emberkv/config"
)

// Config returns the default config with runtime directories under a
// temporary directory of tb.
func Config(tb testing.TB) config.Config {
	tb.Helper()
	cfg := config.DefaultConfig()
	cfg.RuntimeBasePath = tb.TempDir()
	return cfg
}

// Extension returns an extension logging to tb. Tests using it are skipped
// with -short because every scope starts a database server.
func Extension(tb testing.TB, opts ...config.Option) *emberkv.Extension {
	tb.Helper()
	return ExtensionWithConfig(tb, Config(tb), opts...)
}

// ExtensionWithConfig is Extension with an explicit config.
func ExtensionWithConfig(tb testing.TB, cfg config.Config, opts ...config.Option) *emberkv.Extension {
	tb.Helper()
	if testing.Short() {
		tb.Skip("skipping test that starts an embedded engine in short mode")
	}
	opts = append([]config.Option{config.WithLogger(zaptest.NewLogger(tb))}, opts...)
	x, err := emberkv.New(cfg, opts...)
	require.NoError(tb, err)
	return x
}

// Engine starts an engine for tb and returns it with its scope.
func Engine(tb testing.TB, opts ...config.Option) (*emberkv.Engine, *emberkv.Scope) {
	tb.Helper()
	s := Extension(tb, opts...).Use(tb)
	return emberkv.MustResolve[*emberkv.Engine](tb, s), s
}
