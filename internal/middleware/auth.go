package middleware

import (
	"net/http"
	"strings"

	"anon-forum/internal/api"
	"anon-forum/internal/identity"
	"anon-forum/internal/utils"
)

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", utils.NewUnauthorizedError("authorization header required")
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", utils.NewUnauthorizedError("invalid authorization format")
	}
	return strings.TrimPrefix(authHeader, "Bearer "), nil
}

// RequireIdentity validates the bearer token and stores the identity in the
// request context. Requests without a valid token are rejected.
func RequireIdentity(provider *identity.Provider, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := BearerToken(r)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		id, err := provider.Validate(token)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		next(w, r.WithContext(identity.WithIdentity(r.Context(), id)))
	}
}

// OptionalIdentity attaches the identity when a valid token is present and
// passes the request through unchanged otherwise.
func OptionalIdentity(provider *identity.Provider, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token, err := BearerToken(r); err == nil {
			if id, err := provider.Validate(token); err == nil {
				r = r.WithContext(identity.WithIdentity(r.Context(), id))
			}
		}
		next(w, r)
	}
}
