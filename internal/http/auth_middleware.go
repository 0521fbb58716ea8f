package httpx

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// TokenHeader carries the operator token on API requests.
const TokenHeader = "X-Shipit-Token"

// requireToken rejects requests that do not present the operator token.
func (r *Router) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !r.verifyToken(w, req) {
			return
		}
		next(w, req)
	}
}

// verifyToken accepts the token from the X-Shipit-Token header, a bearer
// Authorization header, or the token query parameter used by browsers that
// cannot set headers on websocket and event-stream requests.
func (r *Router) verifyToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.apiToken
	if expected == "" {
		r.logger.Error("api token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "api authentication misconfigured")
		return false
	}
	token := requestToken(req)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return false
	}
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("api token mismatch", "path", req.URL.Path, "ip", r.clientIP(req))
		writeError(w, http.StatusUnauthorized, "invalid token")
		return false
	}
	return true
}

func requestToken(req *http.Request) string {
	if token := strings.TrimSpace(req.Header.Get(TokenHeader)); token != "" {
		return token
	}
	parts := strings.Fields(req.Header.Get("Authorization"))
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return strings.TrimSpace(req.URL.Query().Get("token"))
}
