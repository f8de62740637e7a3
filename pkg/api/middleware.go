package api

import (
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// requireUploadToken checks the Bearer token against the configured
// bcrypt token hashes.
func (s *server) requireUploadToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{Error: "upload token required"})

			return
		}

		token := []byte(authHeader[7:])

		for _, hash := range s.cfg.API.Auth.TokenHashes {
			if bcrypt.CompareHashAndPassword([]byte(hash), token) == nil {
				next.ServeHTTP(w, r)

				return
			}
		}

		writeJSON(w, http.StatusUnauthorized,
			errorResponse{Error: "invalid upload token"})
	})
}
