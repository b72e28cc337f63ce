package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// ScopeHinter is implemented by authenticators that can name the scopes an
// insufficient_scope challenge should ask for.
type ScopeHinter interface {
	RequiredScopes() []string
}

// Challenge is an HTTP authentication challenge.
type Challenge struct {
	Status          int
	WWWAuthenticate string
	Message         string
}

// ChallengeFor maps an authentication error to its challenge.
func ChallengeFor(realm string, err error, scopes []string) Challenge {
	switch {
	case errors.Is(err, ErrInsufficientScope):
		h := fmt.Sprintf(`Bearer realm=%q, error="insufficient_scope"`, realm)
		if len(scopes) > 0 {
			h += fmt.Sprintf(`, scope=%q`, strings.Join(scopes, " "))
		}
		return Challenge{Status: http.StatusForbidden, WWWAuthenticate: h, Message: "insufficient scope"}
	case errors.Is(err, errMissingToken):
		return Challenge{Status: http.StatusUnauthorized, WWWAuthenticate: fmt.Sprintf(`Bearer realm=%q`, realm), Message: "authentication required"}
	default:
		return Challenge{
			Status:          http.StatusUnauthorized,
			WWWAuthenticate: fmt.Sprintf(`Bearer realm=%q, error="invalid_token"`, realm),
			Message:         "invalid access token",
		}
	}
}

var errMissingToken = fmt.Errorf("%w: missing bearer token", ErrUnauthorized)

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", errMissingToken
	}
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(tok) == "" {
		return "", fmt.Errorf("%w: malformed authorization header", ErrUnauthorized)
	}
	return strings.TrimSpace(tok), nil
}

// Middleware authenticates every request with a. Failures are answered
// with 401 or 403, a Bearer challenge and a JSON error body.
func Middleware(a Authenticator, realm string, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	var scopes []string
	if sh, ok := a.(ScopeHinter); ok {
		scopes = sh.RequiredScopes()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			tok, err := BearerToken(r)
			if _, open := a.(allowAll); open {
				err = nil
			}
			var user UserInfo
			if err == nil {
				user, err = a.CheckAuthentication(ctx, tok)
			}
			if err != nil {
				ch := ChallengeFor(realm, err, scopes)
				log.DebugContext(ctx, "auth.reject", slog.Int("status", ch.Status), slog.String("err", err.Error()))
				w.Header().Set("WWW-Authenticate", ch.WWWAuthenticate)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(ch.Status)
				_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": ch.Status, "message": ch.Message}})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(ctx, user)))
		})
	}
}
