package web

import (
	"net/http"
	"strings"

	"github.com/tablecast/tablecast/cfg"
)

// AuthMiddleware validates PSK authentication for mutating endpoints
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// If no auth key is configured, skip authentication
		if !cfg.IsAuthEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		secret := cfg.AuthKey()

		// Check X-Tablecast-Key header
		providedSecret := r.Header.Get("X-Tablecast-Key")
		if providedSecret == "" {
			// Check Authorization: Bearer header
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeErrorResponse(w, http.StatusUnauthorized, "missing authentication header")
				return
			}
			// Parse "Bearer <token>"
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeErrorResponse(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}
			providedSecret = parts[1]
		}

		if providedSecret != secret {
			writeErrorResponse(w, http.StatusUnauthorized, "invalid key")
			return
		}

		// Authenticated - proceed to next handler
		next.ServeHTTP(w, r)
	})
}
