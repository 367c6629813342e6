package auth

import (
	"net/http"
	"strings"
)

// Middleware rejects requests without a valid bearer token with a 401 JSON body.
// /healthz stays public.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || m.isAuthenticated(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("WWW-Authenticate", `Bearer realm="vpnproxy"`)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
	})
}

func (m *Manager) isAuthenticated(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	return m.ValidateToken(strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")))
}
