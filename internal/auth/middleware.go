package auth

import (
	"net/http"
	"strings"
)

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// Middleware provides HTTP middleware for authentication
type Middleware struct {
	verifier *Verifier
	public   map[string]bool
	onDeny   func(w http.ResponseWriter, r *http.Request)
}

// NewMiddleware creates a new auth middleware. Requests to the public paths
// pass through unchecked. onDeny writes the rejection; nil means a plain 401.
func NewMiddleware(v *Verifier, onDeny func(w http.ResponseWriter, r *http.Request), public ...string) *Middleware {
	m := &Middleware{verifier: v, onDeny: onDeny, public: make(map[string]bool, len(public))}
	for _, p := range public {
		m.public[p] = true
	}
	return m
}

// RequireToken wraps a handler to require a valid bearer token.
func (m *Middleware) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.public[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		if err := m.verifier.Verify(BearerToken(r)); err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="warden"`)
			if m.onDeny != nil {
				m.onDeny(w, r)
				return
			}
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
