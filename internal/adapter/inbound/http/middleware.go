package http

import (
	"net/http"
	"strings"

	"github.com/thiesgerken/carapace/internal/auth"
)

// auth wraps a handler with bearer-token authentication. Unauthorised
// requests never reach the core.
func (h *Handler) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || !auth.Verify(h.token, token) {
			h.respondError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
