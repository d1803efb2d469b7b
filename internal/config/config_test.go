package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  read_timeout: 10s
  write_timeout: 60s

upstream:
  api_key: ${TEST_API_KEY}
  base_url: https://example.com/v1
  timeout: 45s

limits:
  rate_limit: 5
  rate_window: 10s
  max_tokens_cap: 4096

models:
  allowed:
    - model-a
    - model-b
`)

	// t.Setenv auto-restores the original value when the test finishes.
	t.Setenv("TEST_API_KEY", "sk-ant-test-key")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.Server.WriteTimeout)

	// ${TEST_API_KEY} should have been expanded from the environment.
	assert.Equal(t, "sk-ant-test-key", cfg.Upstream.APIKey)
	assert.True(t, cfg.Upstream.CredentialOK())
	assert.Equal(t, "https://example.com/v1", cfg.Upstream.BaseURL)
	assert.Equal(t, 45*time.Second, cfg.Upstream.Timeout)

	assert.Equal(t, 5, cfg.Limits.RateLimit)
	assert.Equal(t, 10*time.Second, cfg.Limits.RateWindow)
	assert.Equal(t, 4096, cfg.Limits.MaxTokensCap)

	assert.Equal(t, []string{"model-a", "model-b"}, cfg.Models.Allowed)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8080
`)

	// LLMPROXY_ env vars override YAML values. The underscore-containing
	// leaf key is the interesting case: only the first underscore is a
	// section separator.
	t.Setenv("LLMPROXY_SERVER_PORT", "3000")
	t.Setenv("LLMPROXY_LIMITS_MAX_TOKENS_CAP", "2048")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 2048, cfg.Limits.MaxTokensCap)
}

func TestLoadDefaults(t *testing.T) {
	// No config file at all: every field gets its default.
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "https://api.anthropic.com/v1", cfg.Upstream.BaseURL)
	assert.Equal(t, 60*time.Second, cfg.Upstream.Timeout)
	assert.Equal(t, 100, cfg.Limits.RateLimit)
	assert.Equal(t, time.Minute, cfg.Limits.RateWindow)
	assert.Equal(t, 8192, cfg.Limits.MaxTokensCap)
	assert.Equal(t, 1024, cfg.Limits.DefaultMaxTokens)
	assert.Equal(t, int64(32<<20), cfg.Limits.MaxBodyBytes)
	assert.NotEmpty(t, cfg.Models.Allowed)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestCredentialOK(t *testing.T) {
	assert.False(t, UpstreamConfig{}.CredentialOK())
	assert.False(t, UpstreamConfig{APIKey: "hunter2"}.CredentialOK())
	assert.False(t, UpstreamConfig{APIKey: "sk-live-123"}.CredentialOK())
	assert.True(t, UpstreamConfig{APIKey: "sk-ant-api03-abc"}.CredentialOK())
}
