package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
)

// AuthContext is the resolved identity of a request. It is produced once by
// AuthMiddleware and passed through the request context; handlers never read
// token headers themselves.
type AuthContext struct {
	UserID string
	Role   string
	SfdID  string
}

type contextKey string

const authContextKey contextKey = "authContext"

var redisClient *redis.Client

// InitAuthMiddleware wires the optional Redis client used for the logout
// token denylist.
func InitAuthMiddleware(client *redis.Client) {
	redisClient = client
}

// FromContext returns the AuthContext installed by AuthMiddleware.
func FromContext(ctx context.Context) (*AuthContext, bool) {
	auth, ok := ctx.Value(authContextKey).(*AuthContext)
	return auth, ok
}

// WithAuthContext installs an identity directly, for callers that sit
// behind something other than the HTTP middleware.
func WithAuthContext(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, auth)
}

func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		token := parts[1]

		if redisClient != nil {
			if exists, _ := redisClient.Exists(r.Context(), "denylist:"+token).Result(); exists > 0 {
				http.Error(w, "Token revoked", http.StatusUnauthorized)
				return
			}
		}

		auth, err := validateToken(token)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), authContextKey, auth)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRoles gates a route group to the listed roles.
func RequireRoles(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(roles))
	for _, role := range roles {
		allowed[role] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth, ok := FromContext(r.Context())
			if !ok {
				http.Error(w, "Authorization required", http.StatusUnauthorized)
				return
			}
			if !allowed[auth.Role] {
				http.Error(w, "Insufficient role", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func validateToken(tokenString string) (*AuthContext, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(viper.GetString("jwt.secret_key")), nil
	})

	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid claims")
	}

	auth := &AuthContext{
		UserID: fmt.Sprintf("%v", claims["user_id"]),
		Role:   fmt.Sprintf("%v", claims["role"]),
	}
	if sfdID, ok := claims["sfd_id"].(string); ok {
		auth.SfdID = sfdID
	}
	return auth, nil
}
