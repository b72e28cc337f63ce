// Package config loads the bridge's process configuration from the
// environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/mcp-app-bridge/extensions"
)

// Auth modes.
const (
	AuthNone = "none"
	AuthOIDC = "oidc"
	AuthJWKS = "jwks"
)

// Config is decoded from the environment; defaults come from the struct
// tags.
type Config struct {
	// HostAddr is the listen address of the host API and /metrics.
	HostAddr string `env:"HOST_API_ADDR,default=:8080"`
	// SandboxAddr is the listen address of the surface origin.
	SandboxAddr string `env:"SANDBOX_ADDR,default=:8081"`
	// SandboxURL is the public origin surfaces are served from. It must
	// differ from the host UI's origin.
	SandboxURL string `env:"SANDBOX_PUBLIC_URL,default=http://localhost:8081"`
	// ChannelOrigin pins the origin surface messages must come from. Empty
	// means the sandbox origin.
	ChannelOrigin   string        `env:"SANDBOX_CHANNEL_ORIGIN"`
	SurfaceTokenTTL time.Duration `env:"SURFACE_TOKEN_TTL,default=1h"`

	// Extensions lists the MCP servers that provide apps, as
	// "name=url,name=url".
	Extensions ExtensionList `env:"EXTENSIONS"`
	// AppDir serves ui:// resources from disk and reloads them on change.
	AppDir string `env:"DEV_APP_DIR"`

	// RedisAddr selects the redis backends for the resource cache and host
	// events. Empty means in-process memory.
	RedisAddr      string        `env:"REDIS_ADDR"`
	RedisPrefix    string        `env:"REDIS_KEY_PREFIX,default=mcp-app-bridge:"`
	CacheSize      int           `env:"RESOURCE_CACHE_SIZE,default=512"`
	CacheTTL       time.Duration `env:"RESOURCE_CACHE_TTL,default=10m"`
	EventHistory   int           `env:"HOST_EVENT_HISTORY,default=256"`
	MinHeight      int           `env:"MIN_HEIGHT,default=200"`
	RequestRate    float64       `env:"SURFACE_REQUEST_RATE,default=20"`
	RequestBurst   int           `env:"SURFACE_REQUEST_BURST,default=40"`
	HostName       string        `env:"HOST_NAME,default=mcp-app-bridge"`
	HostVersion    string        `env:"HOST_VERSION,default=0.1.0"`
	Theme          string        `env:"HOST_THEME,default=light"`
	Locale         string        `env:"HOST_LOCALE,default=en-US"`
	Platform       string        `env:"HOST_PLATFORM,default=web"`
	ShutdownPeriod time.Duration `env:"SHUTDOWN_TIMEOUT,default=15s"`

	AuthMode     string `env:"AUTH_MODE,default=none"`
	AuthIssuer   string `env:"AUTH_ISSUER"`
	AuthAudience string `env:"AUTH_AUDIENCE"`
	AuthJWKSURL  string `env:"AUTH_JWKS_URL"`
	AuthScopes   string `env:"AUTH_REQUIRED_SCOPES"`
	AuthRealm    string `env:"AUTH_REALM,default=mcp-app-bridge"`

	// AgentURL enables standalone presentations backed by an agent daemon.
	AgentURL        string `env:"AGENT_URL"`
	AgentSecret     string `env:"AGENT_SECRET_KEY"`
	AgentWorkingDir string `env:"AGENT_WORKING_DIR,default=."`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`
}

// ExtensionList decodes "name=url,name=url".
type ExtensionList []extensions.Extension

// Decode implements envdecode.Decoder.
func (l *ExtensionList) Decode(raw string) error {
	var out ExtensionList
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, endpoint, ok := strings.Cut(part, "=")
		name, endpoint = strings.TrimSpace(name), strings.TrimSpace(endpoint)
		if !ok || name == "" || endpoint == "" {
			return fmt.Errorf("extension %q must be name=url", part)
		}
		u, err := url.Parse(endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("extension %q: endpoint must be an http(s) URL", name)
		}
		out = append(out, extensions.Extension{Name: name, Endpoint: endpoint})
	}
	*l = out
	return nil
}

// Load decodes and validates the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the combinations envdecode cannot express.
func (c *Config) Validate() error {
	var errs []error
	if u, err := url.Parse(c.SandboxURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("SANDBOX_PUBLIC_URL %q is not an absolute URL", c.SandboxURL))
	}
	switch c.AuthMode {
	case AuthNone:
	case AuthOIDC, AuthJWKS:
		if c.AuthIssuer == "" {
			errs = append(errs, fmt.Errorf("AUTH_ISSUER is required for AUTH_MODE=%s", c.AuthMode))
		}
		if len(c.Audiences()) == 0 {
			errs = append(errs, fmt.Errorf("AUTH_AUDIENCE is required for AUTH_MODE=%s", c.AuthMode))
		}
		if c.AuthMode == AuthJWKS && c.AuthJWKSURL == "" {
			errs = append(errs, errors.New("AUTH_JWKS_URL is required for AUTH_MODE=jwks"))
		}
	default:
		errs = append(errs, fmt.Errorf("AUTH_MODE %q must be one of none, oidc, jwks", c.AuthMode))
	}
	if c.AgentURL != "" && c.AgentSecret == "" {
		errs = append(errs, errors.New("AGENT_SECRET_KEY is required with AGENT_URL"))
	}
	if c.RequestRate < 0 || c.RequestBurst < 0 {
		errs = append(errs, errors.New("SURFACE_REQUEST_RATE and SURFACE_REQUEST_BURST must not be negative"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q must be json or text", c.LogFormat))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return lvl, nil
}

// Audiences splits AuthAudience on commas.
func (c *Config) Audiences() []string { return splitList(c.AuthAudience) }

// Scopes splits AuthScopes on commas and spaces.
func (c *Config) Scopes() []string { return splitList(strings.ReplaceAll(c.AuthScopes, " ", ",")) }

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
