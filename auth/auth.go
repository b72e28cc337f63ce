// Package auth authenticates callers of the host API with bearer access
// tokens.
//
// Tokens are JWT access tokens (RFC 9068). Keys come either from OpenID
// Connect discovery against the issuer or from a statically configured JWKS
// URL; in both cases the key set refreshes automatically. AllowAll skips
// validation for local development.
package auth

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("auth: unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("auth: insufficient scope")

// UserInfo represents an authenticated principal.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshals the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated user info.
// It returns errors wrapping ErrUnauthorized or ErrInsufficientScope.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

type userInfo struct {
	sub    string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.sub }

func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

type allowAll struct{ userID string }

// AllowAll returns an Authenticator that accepts any request, token or not,
// as userID. It is meant for local development.
func AllowAll(userID string) Authenticator {
	if userID == "" {
		userID = "local"
	}
	return allowAll{userID: userID}
}

func (a allowAll) CheckAuthentication(context.Context, string) (UserInfo, error) {
	return &userInfo{sub: a.userID, claims: map[string]any{"sub": a.userID}}, nil
}

type userKey struct{}

// WithUser attaches the authenticated principal to ctx.
func WithUser(ctx context.Context, u UserInfo) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// UserFromContext returns the principal attached by Middleware.
func UserFromContext(ctx context.Context) (UserInfo, bool) {
	u, ok := ctx.Value(userKey{}).(UserInfo)
	return u, ok
}
