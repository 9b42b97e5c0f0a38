package authgate

import (
	"crypto/subtle"
	"net/http"
)

// RequireMasterKey returns middleware that gates access with a constant-time
// comparison against the configured master key, independent of the
// per-key store. It is mounted ahead of the /admin route group only.
func RequireMasterKey(masterKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			supplied := r.Header.Get("x-admin-key")
			if supplied == "" {
				supplied = extractKey(r)
			}

			if masterKey == "" || supplied == "" ||
				subtle.ConstantTimeCompare([]byte(supplied), []byte(masterKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "admin_unauthorized", "invalid or missing admin master key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
