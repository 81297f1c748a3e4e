package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// TokenHeader carries the shared secret on HTTP and WebSocket handshakes.
const TokenHeader = "X-Mudra-Token"

// TokenAuth checks requests against a shared secret. An empty secret
// disables authentication, which is only sensible on loopback.
type TokenAuth struct {
	secret string
}

// NewTokenAuth creates a new token authenticator
func NewTokenAuth(secret string) *TokenAuth {
	return &TokenAuth{secret: secret}
}

// Enabled reports whether a secret is configured.
func (a *TokenAuth) Enabled() bool {
	return a.secret != ""
}

// Verify compares token with the configured secret in constant time.
func (a *TokenAuth) Verify(token string) bool {
	if !a.Enabled() {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(a.secret), []byte(token)) == 1
}

// Authorize extracts the token from the header, a bearer Authorization
// header, or the "token" query parameter (browsers cannot set headers on
// WebSocket handshakes).
func (a *TokenAuth) Authorize(r *http.Request) bool {
	if !a.Enabled() {
		return true
	}
	token := r.Header.Get(TokenHeader)
	if token == "" {
		if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			token = bearer
		}
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return token != "" && a.Verify(token)
}

// Middleware rejects unauthorized requests with 401.
func (a *TokenAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
