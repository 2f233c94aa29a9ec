package gateway

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	errMissingToken  = errors.New("missing authorization token")
	errInvalidToken  = errors.New("invalid token")
	errNotConfigured = errors.New("operator token not configured")
)

// Authenticator checks the operator bearer token.
type Authenticator struct {
	token string
}

// NewAuthenticator creates an authenticator. An empty token disables the
// operator API rather than leaving it open.
func NewAuthenticator(token string) *Authenticator {
	return &Authenticator{token: token}
}

// Authenticate validates a request.
func (a *Authenticator) Authenticate(r *http.Request) error {
	if a.token == "" {
		return errNotConfigured
	}
	token := extractBearerToken(r)
	if token == "" {
		return errMissingToken
	}
	if !secureCompare(token, a.token) {
		return errInvalidToken
	}
	return nil
}

// extractBearerToken extracts the bearer token from the Authorization header.
// Websocket clients that cannot set headers may pass ?access_token=.
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return r.URL.Query().Get("access_token")
	}

	const prefix = "Bearer "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return auth[len(prefix):]
}

// secureCompare performs constant-time string comparison.
func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Middleware rejects unauthenticated requests.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.Authenticate(r); err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, errNotConfigured) {
				status = http.StatusServiceUnavailable
			}
			writeError(w, status, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
