package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vdnkl/dispatch/libs/auth"
	"github.com/vdnkl/dispatch/libs/httpx"
)

const (
	RoleOperator = "operator"
	RoleField    = "field"
	RoleAdmin    = "admin"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID int64
	Role   string
	Name   string
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// RequireAuth verifies the HS256 bearer token and puts the caller's Identity
// on the request context. The user id also becomes the rate-limit key.
func RequireAuth(jwtSecret string, now func() time.Time) httpx.Middleware {
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") || len(strings.TrimSpace(authHeader)) <= len("Bearer ") {
				http.Error(w, "missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}
			token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
			claims, err := auth.ParseAndVerifyHS256(token, jwtSecret, now())
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			userID, err := strconv.ParseInt(claims.Sub, 10, 64)
			if err != nil || userID <= 0 {
				http.Error(w, "invalid token subject", http.StatusUnauthorized)
				return
			}

			id := Identity{UserID: userID, Role: claims.Role, Name: claims.Name}
			r = r.WithContext(WithIdentity(r.Context(), id))
			r = httpx.WithClientKey(r, "user:"+claims.Sub)
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole lets through callers with one of roles. Admins pass every gate.
func RequireRole(roles ...string) httpx.Middleware {
	allowed := map[string]struct{}{RoleAdmin: {}}
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok {
				http.Error(w, "unauthenticated", http.StatusUnauthorized)
				return
			}
			if _, ok := allowed[id.Role]; !ok {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
