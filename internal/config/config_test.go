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
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeConfig(t, `
[ca]
certificate = "ca.pem"
key = "ca.key"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
	assert.Equal(t, "event-queue", cfg.Redis.StreamKey)
	assert.Equal(t, "job-list", cfg.Redis.JobListKey)
	assert.Equal(t, "ca.pem", cfg.CA.Certificate)
	assert.Equal(t, "0.0.0.0:9999", cfg.HTTP.Addr)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[redis]
addr = "redis.internal:6380"
stream_key = "custom-stream"

[http]
addr = "127.0.0.1:8080"

[ca]
certificate = "ca.pem"
key = "ca.key"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, "custom-stream", cfg.Redis.StreamKey)
	assert.Equal(t, "127.0.0.1:8080", cfg.HTTP.Addr)
}

func TestLoadRejectsInvalidHTTPAddr(t *testing.T) {
	path := writeConfig(t, `
[http]
addr = "not-a-valid-addr"

[ca]
certificate = "ca.pem"
key = "ca.key"
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
