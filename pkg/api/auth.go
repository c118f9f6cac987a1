package api

import (
	"context"
	"net/http"
	"strings"

	"huntd/pkg/auth"
)

type ctxKey int

const subjectKey ctxKey = iota

// authFunc returns the caller's subject for a request carrying a session JWT
// or a valid API key. With auth disabled every request is accepted.
func authFunc(signer *auth.Signer, keys *auth.KeyChecker, disabled bool) func(r *http.Request) (string, bool) {
	if disabled {
		return func(_ *http.Request) (string, bool) { return "anonymous", true }
	}
	return func(r *http.Request) (string, bool) {
		if key := r.Header.Get("X-API-Key"); key != "" {
			if keys.Check(key) {
				return "api-key", true
			}
			return "", false
		}
		authz := r.Header.Get("Authorization")
		if !strings.HasPrefix(authz, "Bearer ") || signer == nil {
			return "", false
		}
		claims, err := signer.ParseSession(strings.TrimPrefix(authz, "Bearer "))
		if err != nil {
			return "", false
		}
		if claims.Subject != "" {
			return claims.Subject, true
		}
		return claims.Username, true
	}
}

// requireAuth rejects unauthenticated requests and records the subject on the context.
func requireAuth(check func(*http.Request) (string, bool), next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subject, ok := check(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid credentials")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), subjectKey, subject)))
	}
}

func subjectFrom(r *http.Request) string {
	s, _ := r.Context().Value(subjectKey).(string)
	return s
}
