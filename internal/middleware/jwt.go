package myMiddleware

import (
	"context"
	"net/http"
	"strings"
)

// Context keys (exported so other packages can read them)
type contextKey string

const (
	UserKey     contextKey = "user_id"
	UsernameKey contextKey = "username"
	RoleKey     contextKey = "role"
)

// TokenValidator is what we need from the user service.
// This interface decouples 'middleware' from 'user'.
type TokenValidator interface {
	// ValidateToken returns userID, username, role.
	ValidateToken(tokenString string) (string, string, string, error)
}

type AuthMiddleware struct {
	validator TokenValidator
}

func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

// Handle rejects requests without a valid bearer token.
func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractToken(r)
		if tokenString == "" {
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}
		ctx, ok := am.authenticate(r.Context(), tokenString)
		if !ok {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Optional lets anonymous requests through (guests) but still rejects a
// token that is present and invalid.
func (am *AuthMiddleware) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractToken(r)
		if tokenString == "" {
			next.ServeHTTP(w, r)
			return
		}
		ctx, ok := am.authenticate(r.Context(), tokenString)
		if !ok {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole must run after Handle.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if Role(r.Context()) != role {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (am *AuthMiddleware) authenticate(ctx context.Context, tokenString string) (context.Context, bool) {
	userID, username, role, err := am.validator.ValidateToken(tokenString)
	if err != nil || userID == "" {
		return ctx, false
	}
	ctx = context.WithValue(ctx, UserKey, userID)
	ctx = context.WithValue(ctx, UsernameKey, username)
	ctx = context.WithValue(ctx, RoleKey, role)
	return ctx, true
}

func extractToken(r *http.Request) string {
	// Authorization header first
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	// Fallback: query param (browsers can't set headers on websocket upgrades)
	return r.URL.Query().Get("token")
}

// UserID returns the authenticated user id, if any.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(UserKey).(string)
	return id, ok && id != ""
}

func Username(ctx context.Context) string {
	name, _ := ctx.Value(UsernameKey).(string)
	return name
}

func Role(ctx context.Context) string {
	role, _ := ctx.Value(RoleKey).(string)
	return role
}
