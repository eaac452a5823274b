package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

type contextKeyType string

const (
	subjectKey contextKeyType = "subject"
	roleKey    contextKeyType = "role"
)

// RoleOperator may drive sagas and requeue outbox messages by hand.
const RoleOperator = "operator"

// ErrInvalidToken is returned by a TokenValidator that does not recognise a token.
var ErrInvalidToken = errors.New("invalid token")

// Principal is the caller identity resolved from a bearer token.
type Principal struct {
	Subject string `json:"subject"`
	Role    string `json:"role"`
}

// TokenValidator resolves a bearer token to a principal.
// This allows each service to inject its own validation logic.
type TokenValidator func(token string) (*Principal, error)

// StaticTokens validates bearer tokens against a fixed set, comparing in
// constant time. Empty tokens are ignored.
func StaticTokens(tokens map[string]Principal) TokenValidator {
	type entry struct {
		token     []byte
		principal Principal
	}
	entries := make([]entry, 0, len(tokens))
	for tok, p := range tokens {
		if tok == "" {
			continue
		}
		entries = append(entries, entry{token: []byte(tok), principal: p})
	}

	return func(token string) (*Principal, error) {
		given := []byte(token)
		var found *Principal
		for i := range entries {
			if subtle.ConstantTimeCompare(given, entries[i].token) == 1 {
				p := entries[i].principal
				found = &p
			}
		}
		if found == nil {
			return nil, ErrInvalidToken
		}
		return found, nil
	}
}

// Auth validates bearer tokens and injects the principal into context.
func Auth(validate TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeAuthError(w, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeAuthError(w, "invalid authorization header format")
				return
			}

			p, err := validate(parts[1])
			if err != nil {
				writeAuthError(w, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), subjectKey, p.Subject)
			ctx = context.WithValue(ctx, roleKey, p.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole checks that the authenticated caller has one of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	roleSet := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		roleSet[r] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := RoleFromContext(r.Context())
			if _, ok := roleSet[role]; !ok {
				writeJSONError(w, http.StatusForbidden, "FORBIDDEN", "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SubjectFromContext extracts the authenticated subject from the request context.
func SubjectFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(subjectKey).(string); ok {
		return s
	}
	return ""
}

// RoleFromContext extracts the caller role from the request context.
func RoleFromContext(ctx context.Context) string {
	if role, ok := ctx.Value(roleKey).(string); ok {
		return role
	}
	return ""
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="aerolux"`)
	writeJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", message)
}
