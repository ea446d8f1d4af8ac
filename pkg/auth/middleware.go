package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// publicPaths are endpoints reachable without a bearer token.
var publicPaths = map[string]bool{
	"/health":          true,
	"/readiness":       true,
	"/api/auth/login":  true,
	"/api/auth/signup": true,
}

// Middleware validates the Authorization bearer token and injects the
// Identity into the request context. A nil Tokens rejects every non-public
// request (fail closed).
func Middleware(tokens *Tokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				unauthorized(w, "missing Authorization header")
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				unauthorized(w, "expected 'Bearer <token>'")
				return
			}
			if tokens == nil {
				unauthorized(w, "authentication not configured")
				return
			}

			id, err := tokens.Verify(parts[1])
			if err != nil {
				unauthorized(w, "invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireMutate gates mutating control-plane operations on the caller role.
func RequireMutate(next http.Handler) http.Handler {
	return requireRole(next, func(id Identity) bool { return id.Role.CanMutate() })
}

// RequireTrigger gates run-triggering operations on the caller role.
func RequireTrigger(next http.Handler) http.Handler {
	return requireRole(next, func(id Identity) bool { return id.Role.CanTrigger() })
}

func requireRole(next http.Handler, allowed func(Identity) bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := IdentityFrom(r.Context())
		if err != nil {
			unauthorized(w, "authentication required")
			return
		}
		if !allowed(id) {
			problem(w, http.StatusForbidden, "Forbidden",
				fmt.Sprintf("role %s may not perform this operation", id.Role))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, detail string) {
	problem(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// problem writes a minimal RFC 7807 body. The api package owns the richer
// variant; auth keeps its own writer so the dependency points api -> auth.
func problem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"type":   fmt.Sprintf("https://aegisrisk.io/errors/%d", status),
		"title":  title,
		"status": status,
		"detail": detail,
	})
}
