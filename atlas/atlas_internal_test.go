package atlas

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMigrationDirSelection(t *testing.T) {
	logger := zaptest.NewLogger(t)

	local := &configHCL{Envs: []*envHCL{
		{Name: "ci", Migration: &migrationHCL{Dir: "file://ci"}},
		{Name: "local", Migration: &migrationHCL{Dir: "file://local"}},
	}}
	dir, ok := local.migrationDir(logger)
	assert.True(t, ok)
	assert.Equal(t, "file://local", dir)

	fallback := &configHCL{Envs: []*envHCL{
		{Name: "ci", Migration: &migrationHCL{Dir: "file://ci"}},
		{Name: "local"},
	}}
	dir, ok = fallback.migrationDir(logger)
	assert.True(t, ok)
	assert.Equal(t, "file://ci", dir)

	_, ok = (&configHCL{}).migrationDir(logger)
	assert.False(t, ok)
}

func TestResolveDir_RelativeToHCLFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "schema", "migrations"), 0o750))
	hclPath := filepath.Join(root, "atlas.hcl")
	require.NoError(t, os.WriteFile(hclPath,
		[]byte("env \"local\" {\n  migration {\n    dir = \"file://schema/migrations\"\n  }\n}\n"), 0o600))

	dir, path, err := resolveDir(hclPath, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.NotNil(t, dir)
	assert.Equal(t, filepath.Join(root, "schema", "migrations"), path)
}
