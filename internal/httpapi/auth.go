package httpapi

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"voip-router/internal/config"
)

func XMLCurlBasicAuth(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if cfg.XMLCurlUser == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Basic ") {
				w.Header().Set("WWW-Authenticate", `Basic realm="fsxml"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			payload, _ := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
			parts := strings.SplitN(string(payload), ":", 2)
			if len(parts) != 2 || !equal(parts[0], cfg.XMLCurlUser) || !equal(parts[1], cfg.XMLCurlPass) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func APIKeyAuth(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				writeError(w, http.StatusUnauthorized, "api key required")
				return
			}
			if _, ok := cfg.APIKeyRole(key); !ok {
				writeError(w, http.StatusForbidden, "invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
