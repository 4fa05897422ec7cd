package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/casecall/internal/config"
)

type contextKey string

const (
	UserIDKey      contextKey = "user_id"
	UserNameKey    contextKey = "user_name"
	PermissionsKey contextKey = "permissions"
)

// AuthMiddleware validates the Bearer token and places the subject, display
// name and permission claims on the request context.
func AuthMiddleware(cfg *config.JWTConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "invalid authorization format", http.StatusUnauthorized)
				return
			}

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
				}
				return []byte(cfg.AccessTokenSecret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			sub, _ := claims["sub"].(string)
			if sub == "" {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, sub)
			if name, ok := claims["name"].(string); ok {
				ctx = context.WithValue(ctx, UserNameKey, name)
			}
			ctx = context.WithValue(ctx, PermissionsKey, permissionsFromClaims(claims))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserID returns the authenticated user id, or "" when unauthenticated.
func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(UserIDKey).(string); ok {
		return id
	}
	return ""
}

// GetUserName returns the authenticated user's display name.
func GetUserName(ctx context.Context) string {
	if name, ok := ctx.Value(UserNameKey).(string); ok {
		return name
	}
	return ""
}

// ClaimsPermissions is the capability checker backed by the token's
// "permissions" claim.
type ClaimsPermissions struct {
	granted map[string]bool
}

// HasPermission reports whether the token granted an action.
func (p *ClaimsPermissions) HasPermission(action string) bool {
	if p == nil {
		return false
	}
	return p.granted[action]
}

// GetPermissions returns the capability checker of the request. Requests
// without one get a checker that denies everything.
func GetPermissions(ctx context.Context) *ClaimsPermissions {
	if p, ok := ctx.Value(PermissionsKey).(*ClaimsPermissions); ok {
		return p
	}
	return &ClaimsPermissions{}
}

func permissionsFromClaims(claims jwt.MapClaims) *ClaimsPermissions {
	granted := make(map[string]bool)
	if raw, ok := claims["permissions"].([]interface{}); ok {
		for _, v := range raw {
			if action, ok := v.(string); ok {
				granted[action] = true
			}
		}
	}
	return &ClaimsPermissions{granted: granted}
}
