// Package auth implements the shared-credential check of spec.md §6.2:
// every inbound request must carry the proxy's configured credential as
// either a Bearer authorization header or an x-api-key header. Grounded on
// the teacher's authMiddleware (internal/proxy/server.go), which compared
// both header forms against a single configured key with
// crypto/subtle.ConstantTimeCompare to avoid a timing side channel.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Check reports whether r carries the configured credential, checked in
// Bearer-then-x-api-key precedence order (spec.md §6.2): if an
// Authorization header is present at all, it must be a valid Bearer match;
// only when Authorization is entirely absent does x-api-key get consulted.
func Check(r *http.Request, configured string) bool {
	if configured == "" {
		return false
	}

	if authz := r.Header.Get("Authorization"); authz != "" {
		token, ok := strings.CutPrefix(authz, "Bearer ")
		if !ok {
			return false
		}
		return constantTimeEqual(token, configured)
	}

	if key := r.Header.Get("x-api-key"); key != "" {
		return constantTimeEqual(key, configured)
	}

	return false
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Middleware wraps next, rejecting any request that fails Check with a
// 401. The health endpoint is expected to be registered outside this
// wrapper (spec.md §6.1 lists it as unauthenticated).
func Middleware(configured string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !Check(r, configured) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"type":"AuthenticationFailure","message":"missing or invalid credential"}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
