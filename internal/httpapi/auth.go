package httpapi

import (
	"net/http"
	"strings"
)

// Authenticator resolves the requesting user. Empty userID means no session.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string)
}

// StaticTokens authenticates bearer tokens (or a session cookie carrying the
// same token) against a fixed token → user map. Suitable for single-tenant
// and test deployments; real deployments plug in their own Authenticator.
type StaticTokens struct {
	Tokens map[string]string
}

func (s *StaticTokens) Authenticate(r *http.Request) string {
	token := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	} else if c, err := r.Cookie("session"); err == nil {
		token = c.Value
	}
	if token == "" {
		return ""
	}
	return s.Tokens[token]
}
