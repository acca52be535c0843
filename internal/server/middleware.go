package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

const (
	// RFC 6750 Section 3.1: no error attribute when no token was provided.
	wwwAuthNoToken = `Bearer realm="evmaps"`
	wwwAuthInvalid = `Bearer realm="evmaps", error="invalid_token"`
)

// Middleware returns HTTP middleware that requires the shared secret as a
// Bearer token. secret is read on every request so a rotated secret takes
// effect immediately. An empty secret rejects everything.
func Middleware(secret func() string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")

			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")

			if !tokenMatches(token, secret()) {
				logger.Debug("middleware: invalid bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// tokenMatches compares digests so the comparison takes the same time
// whatever the token length.
func tokenMatches(token, secret string) bool {
	if secret == "" {
		return false
	}

	a := sha256.Sum256([]byte(token))
	b := sha256.Sum256([]byte(secret))

	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}
