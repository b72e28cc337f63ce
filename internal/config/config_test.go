package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HostAddr)
	assert.Equal(t, "http://localhost:8081", cfg.SandboxURL)
	assert.Equal(t, 200, cfg.MinHeight)
	assert.Equal(t, 10*time.Minute, cfg.CacheTTL)
	assert.Equal(t, AuthNone, cfg.AuthMode)
	assert.Empty(t, cfg.Extensions)
	lvl, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("EXTENSIONS", "weather=https://weather.example/mcp, maps=http://localhost:9000/mcp")
	t.Setenv("MIN_HEIGHT", "320")
	t.Setenv("SURFACE_REQUEST_RATE", "2.5")
	t.Setenv("RESOURCE_CACHE_TTL", "90s")
	t.Setenv("AUTH_MODE", "jwks")
	t.Setenv("AUTH_ISSUER", "https://issuer.example")
	t.Setenv("AUTH_AUDIENCE", "bridge, bridge-admin")
	t.Setenv("AUTH_JWKS_URL", "https://issuer.example/jwks.json")
	t.Setenv("AUTH_REQUIRED_SCOPES", "apps:read apps:render")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ExtensionList{
		{Name: "weather", Endpoint: "https://weather.example/mcp"},
		{Name: "maps", Endpoint: "http://localhost:9000/mcp"},
	}, cfg.Extensions)
	assert.Equal(t, 320, cfg.MinHeight)
	assert.InDelta(t, 2.5, cfg.RequestRate, 0.0001)
	assert.Equal(t, 90*time.Second, cfg.CacheTTL)
	assert.Equal(t, []string{"bridge", "bridge-admin"}, cfg.Audiences())
	assert.Equal(t, []string{"apps:read", "apps:render"}, cfg.Scopes())
	lvl, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
}

func TestExtensionListRejectsMalformedEntries(t *testing.T) {
	for _, raw := range []string{
		"weather",
		"=https://x.example",
		"weather=ftp://x.example",
		"weather=/relative",
	} {
		var l ExtensionList
		assert.Error(t, l.Decode(raw), raw)
	}

	var l ExtensionList
	require.NoError(t, l.Decode(" , "))
	assert.Empty(t, l)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			SandboxURL: "http://localhost:8081",
			AuthMode:   AuthNone,
			LogLevel:   "info",
			LogFormat:  "json",
		}
	}
	require.NoError(t, func() error { c := base(); return c.Validate() }())

	cases := map[string]func(*Config){
		"relative sandbox url": func(c *Config) { c.SandboxURL = "/sandbox" },
		"unknown auth mode":    func(c *Config) { c.AuthMode = "basic" },
		"oidc without issuer":  func(c *Config) { c.AuthMode = AuthOIDC; c.AuthAudience = "a" },
		"oidc without aud":     func(c *Config) { c.AuthMode = AuthOIDC; c.AuthIssuer = "https://i" },
		"jwks without url": func(c *Config) {
			c.AuthMode, c.AuthIssuer, c.AuthAudience = AuthJWKS, "https://i", "a"
		},
		"agent without secret": func(c *Config) { c.AgentURL = "http://localhost:7000" },
		"negative rate":        func(c *Config) { c.RequestRate = -1 },
		"bad log level":        func(c *Config) { c.LogLevel = "loud" },
		"bad log format":       func(c *Config) { c.LogFormat = "xml" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
