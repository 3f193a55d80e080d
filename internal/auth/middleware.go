package auth

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// CookieName is the HttpOnly cookie holding the session token.
const CookieName = "token"

// contextKey is unexported so only this package can set or read identity
// values in a request context.
type contextKey string

const identityKey contextKey = "identity"

// Identity is the authenticated caller of a request.
type Identity struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
}

// RequireAuth rejects requests without a valid session token with 401 and
// otherwise stores the caller's Identity in the request context.
//
// The token is read from the cookie first and then from an
// "Authorization: Bearer" header, for API clients that don't keep cookies.
func RequireAuth(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := tokens.Validate(TokenFromRequest(r))
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"unauthorized","message":"Please log in to continue."}`))
				return
			}

			ctx := WithIdentity(r.Context(), Identity{
				UserID:    claims.UserID,
				SessionID: claims.SessionID,
				ExpiresAt: claims.ExpiresAt,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the caller set by RequireAuth.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok && id.UserID != ""
}

// UserIDFromContext is shorthand for IdentityFromContext(ctx).UserID.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := IdentityFromContext(ctx)
	return id.UserID, ok
}

// TokenFromRequest reads the session token from the cookie or bearer header.
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
