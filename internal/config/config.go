// Package config handles loading and validating proxy configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// CredentialPrefix is the fixed prefix every valid Anthropic API key
// starts with. A key that doesn't start with this is treated as a server
// misconfiguration, not a client error.
const CredentialPrefix = "sk-ant-"

// Config is the top-level configuration for the llmproxy server.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Limits   LimitsConfig   `koanf:"limits"`
	Models   ModelsConfig   `koanf:"models"`
	Log      LogConfig      `koanf:"log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// UpstreamConfig holds the settings for the Anthropic API connection.
type UpstreamConfig struct {
	APIKey  string        `koanf:"api_key"`
	BaseURL string        `koanf:"base_url"`
	Timeout time.Duration `koanf:"timeout"`
}

// CredentialOK reports whether the configured API key looks like a real
// Anthropic key. We deliberately do NOT fail startup on a bad key — the
// server should come up and answer /health, and each chat request then
// gets a clean server_configuration_error instead of the process dying.
func (u UpstreamConfig) CredentialOK() bool {
	return strings.HasPrefix(u.APIKey, CredentialPrefix)
}

// LimitsConfig bounds what one client can do per request and per window.
//
// RateLimit/RateWindow feed the fixed-window limiter. Note that the limit
// is per process instance: there is no shared store, so under horizontal
// scaling the effective global limit is (limit × instances). That's a
// documented property of this proxy, not a bug.
type LimitsConfig struct {
	RateLimit        int           `koanf:"rate_limit"`
	RateWindow       time.Duration `koanf:"rate_window"`
	MaxTokensCap     int           `koanf:"max_tokens_cap"`
	DefaultMaxTokens int           `koanf:"default_max_tokens"`
	MaxBodyBytes     int64         `koanf:"max_body_bytes"`
}

// ModelsConfig holds the model allow-list. Requests naming any model not
// in this list are rejected before we spend an upstream call on them.
type ModelsConfig struct {
	Allowed []string `koanf:"allowed"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `koanf:"level"`
}

// Load reads configuration from a YAML file (optional — env-only deploys
// are fine), layers LLMPROXY_* environment variable overrides on top,
// expands a ${VAR} placeholder in the API key, and fills in defaults.
func Load(path string) (*Config, error) {
	// Load .env into the process environment (ignored if not present).
	_ = godotenv.Load()

	k := koanf.New(".")

	// The config file is optional: on platforms where everything comes
	// from env vars there is no file to ship.
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("loading config file: %w", err)
			}
		}
	}

	// Layer environment variables on top. Any env var starting with
	// "LLMPROXY_" can override a config value:
	//   LLMPROXY_SERVER_PORT           -> server.port
	//   LLMPROXY_LIMITS_MAX_TOKENS_CAP -> limits.max_tokens_cap
	//
	// Only the FIRST underscore becomes the section separator — all our
	// keys are exactly two levels deep, and several leaf keys contain
	// underscores themselves (max_tokens_cap), so replacing every
	// underscore would mangle them.
	if err := k.Load(env.Provider("LLMPROXY_", ".", func(s string) string {
		return strings.Replace(
			strings.ToLower(strings.TrimPrefix(s, "LLMPROXY_")),
			"_", ".", 1,
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand a ${VAR_NAME} placeholder in the API key. koanf doesn't do
	// this automatically, so we handle it ourselves with os.Getenv.
	if key := cfg.Upstream.APIKey; strings.HasPrefix(key, "${") && strings.HasSuffix(key, "}") {
		cfg.Upstream.APIKey = os.Getenv(key[2 : len(key)-1])
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills in every unset field with its documented default.
// Zero values mean "not configured" for all of these — a port of 0 or a
// rate limit of 0 is never something you'd want on purpose.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		// Streamed generations can legitimately take minutes of wall
		// time, so the write timeout is generous.
		c.Server.WriteTimeout = 120 * time.Second
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "https://api.anthropic.com/v1"
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 60 * time.Second
	}
	if c.Limits.RateLimit == 0 {
		c.Limits.RateLimit = 100
	}
	if c.Limits.RateWindow == 0 {
		c.Limits.RateWindow = time.Minute
	}
	if c.Limits.MaxTokensCap == 0 {
		c.Limits.MaxTokensCap = 8192
	}
	if c.Limits.DefaultMaxTokens == 0 {
		c.Limits.DefaultMaxTokens = 1024
	}
	if c.Limits.MaxBodyBytes == 0 {
		// Request bodies can embed base64 images, so the cap is large.
		c.Limits.MaxBodyBytes = 32 << 20
	}
	if len(c.Models.Allowed) == 0 {
		c.Models.Allowed = []string{
			"claude-3-5-sonnet-20241022",
			"claude-3-5-haiku-20241022",
			"claude-3-opus-20240229",
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}
