package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadReadsTypedValues(t *testing.T) {
	path := writeConfig(t, `
[dht]
port = 6881

[crawler]
parallel_crawls = 10
auto_start = true

[network]
user_agent = "dhthunter/1.0"
`)
	p, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 6881, p.GetInt("dht.port", 0))
	assert.Equal(t, 10, p.GetInt("crawler.parallel_crawls", -1))
	assert.True(t, p.GetBool("crawler.auto_start", false))
	assert.Equal(t, "dhthunter/1.0", p.GetString("network.user_agent", ""))
}

func TestMissingKeysReturnDefaults(t *testing.T) {
	path := writeConfig(t, `[dht]
port = 6881
`)
	p, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "fallback", p.GetString("persistence.config_dir", "fallback"))
	assert.Equal(t, 42, p.GetInt("crawler.max_nodes", 42))
	assert.False(t, p.GetBool("crawler.auto_start", false))
}

func TestMissingFileYieldsAllDefaults(t *testing.T) {
	p, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	assert.Equal(t, "x", p.GetString("any.key", "x"))
}

func TestWrongTypeFallsBackToDefault(t *testing.T) {
	path := writeConfig(t, `
[dht]
port = "not-a-number"
`)
	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6881, p.GetInt("dht.port", 6881))
}
