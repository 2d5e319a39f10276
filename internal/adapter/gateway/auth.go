package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"forgeline/internal/domain"
)

// Authenticator resolves a bearer token to a user.
type Authenticator interface {
	Authenticate(token string) (domain.User, error)
}

// TokenEntry binds one static token to a user.
type TokenEntry struct {
	Token  string
	UserID string
	Name   string
}

type authEntry struct {
	token []byte
	user  domain.User
}

// StaticTokenAuth authenticates callers against a static token list
// using constant-time comparison to prevent timing attacks.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from a set of token entries.
func NewStaticTokenAuth(entries []TokenEntry) *StaticTokenAuth {
	a := &StaticTokenAuth{
		entries: make([]authEntry, len(entries)),
	}
	for i, e := range entries {
		a.entries[i] = authEntry{
			token: []byte(e.Token),
			user:  domain.User{ID: e.UserID, Name: e.Name},
		}
	}
	return a
}

// Authenticate returns the user owning token.
// Uses constant-time comparison to prevent timing attacks.
func (s *StaticTokenAuth) Authenticate(token string) (domain.User, error) {
	tokenBytes := []byte(token)
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 {
			return e.user, nil
		}
	}
	return domain.User{}, domain.ErrGatewayAuthFailed
}

// requestToken reads the bearer token from the Authorization header, falling
// back to the token query parameter browsers use for WebSocket upgrades.
func requestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// withUser attaches the caller to the request context. Requests without a
// token proceed anonymously; a token that does not authenticate is rejected.
// A nil auth makes every caller anonymous.
func withUser(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := requestToken(r)
			if auth == nil || token == "" {
				next.ServeHTTP(w, r)
				return
			}
			user, err := auth.Authenticate(token)
			if err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(domain.ContextWithUser(r.Context(), user)))
		})
	}
}
