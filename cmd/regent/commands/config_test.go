package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigInit_WritesDefaultFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "regent.yaml")

	var out bytes.Buffer

	cc := &ConfigCommand{out: &out}
	require.NoError(t, cc.Init(path))

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(body), "heap:")
	assert.Contains(t, string(body), "balance:")
	assert.Contains(t, out.String(), path)
}

func TestConfigInit_RefusesOverwrite(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "regent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("keep"), 0o600))

	cc := &ConfigCommand{out: &bytes.Buffer{}}
	require.Error(t, cc.Init(path))

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(body))
}

func TestConfigShow_PrintsEffectiveConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "regent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("heap:\n  capacity: 2 GiB\n"), 0o600))

	var out bytes.Buffer

	cc := &ConfigCommand{configPath: path, out: &out}
	require.NoError(t, cc.Show())

	assert.Contains(t, out.String(), "2 GiB")
	assert.Contains(t, out.String(), "min_cache_percent")
}

func TestRenderReport_FailVerdict(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	renderReport(&out, Result{Stalls: 2, Flushes: 1, Iterations: 10})

	assert.Contains(t, out.String(), "FAIL")
	assert.Contains(t, out.String(), "2 allocation stalls")
}
