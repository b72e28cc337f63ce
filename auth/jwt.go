package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Config controls access token validation.
type Config struct {
	Issuer string
	// Audiences lists accepted "aud" values; a token must carry at least one.
	Audiences      []string
	RequiredScopes []string
	ScopeModeAny   bool // if true, any of RequiredScopes is sufficient; else all are required
	AllowedAlgs    []string
	Leeway         time.Duration
	// RequireATType enforces the RFC 9068 "at+jwt" typ header.
	RequireATType bool
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs:   []string{"RS256"},
		Leeway:        60 * time.Second,
		RequireATType: true,
	}
}

func (c *Config) validate() error {
	if c == nil {
		return errors.New("auth: config is required")
	}
	if c.Issuer == "" {
		return errors.New("auth: issuer is required")
	}
	if len(c.Audiences) == 0 || slices.Contains(c.Audiences, "") {
		return errors.New("auth: at least one non-empty audience is required")
	}
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	return nil
}

// JWTAuthenticator validates JWT access tokens against a JWKS.
type JWTAuthenticator struct {
	cfg     Config
	keyfunc jwt.Keyfunc
}

// NewFromDiscovery performs OIDC discovery against cfg.Issuer to find the
// JWKS and constructs a JWTAuthenticator. JWKS keys are auto-refreshed
// until ctx is done.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*JWTAuthenticator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}
	return newJWT(ctx, cfg, meta.JwksURI)
}

// NewStatic constructs a JWTAuthenticator over a known JWKS URL without
// discovery.
func NewStatic(ctx context.Context, cfg *Config, jwksURI string) (*JWTAuthenticator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if jwksURI == "" {
		return nil, errors.New("auth: jwks uri required")
	}
	return newJWT(ctx, cfg, jwksURI)
}

func newJWT(ctx context.Context, cfg *Config, jwksURI string) (*JWTAuthenticator, error) {
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	c := *cfg
	c.Audiences = slices.Clone(cfg.Audiences)
	c.AllowedAlgs = slices.Clone(cfg.AllowedAlgs)
	c.RequiredScopes = slices.Clone(cfg.RequiredScopes)
	return &JWTAuthenticator{
		cfg: c,
		keyfunc: func(t *jwt.Token) (any, error) {
			if alg := t.Method.Alg(); !slices.Contains(c.AllowedAlgs, alg) {
				return nil, fmt.Errorf("disallowed alg: %s", alg)
			}
			return kf.Keyfunc(t)
		},
	}, nil
}

// CheckAuthentication implements Authenticator.
func (a *JWTAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithLeeway(a.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	if a.cfg.RequireATType {
		if typ, _ := parsed.Header["typ"].(string); !strings.EqualFold(typ, "at+jwt") && !strings.EqualFold(typ, "application/at+jwt") {
			return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
		}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	if !audIntersects(claims["aud"], a.cfg.Audiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	if iatf, ok := claims["iat"].(float64); ok {
		iat := time.Unix(int64(iatf), 0)
		if iat.After(time.Now().Add(a.cfg.Leeway + 5*time.Minute)) {
			return nil, fmt.Errorf("%w: iat too far in future", ErrUnauthorized)
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}

	if len(a.cfg.RequiredScopes) > 0 {
		scopeStr, _ := claims["scope"].(string)
		if !scopesSatisfied(strings.Fields(scopeStr), a.cfg.RequiredScopes, a.cfg.ScopeModeAny) {
			return nil, ErrInsufficientScope
		}
	}

	return &userInfo{sub: sub, claims: claims}, nil
}

// RequiredScopes returns the scopes echoed in insufficient_scope challenges.
func (a *JWTAuthenticator) RequiredScopes() []string {
	return slices.Clone(a.cfg.RequiredScopes)
}

func scopesSatisfied(have, want []string, anyOf bool) bool {
	for _, w := range want {
		found := slices.Contains(have, w)
		if anyOf && found {
			return true
		}
		if !anyOf && !found {
			return false
		}
	}
	return !anyOf
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}

var _ Authenticator = (*JWTAuthenticator)(nil)
