package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/mmeshcher/elin-system/internal/auth"
)

type contextKey string

const authInfoKey contextKey = "authInfo"

// AuthInfo содержит данные аутентифицированного пользователя из access-токена.
type AuthInfo struct {
	UserID        uuid.UUID
	Email         string
	EmailVerified bool
	JTI           string
}

// SessionChecker проверяет, что сессия токена не отозвана.
type SessionChecker interface {
	IsSessionActive(ctx context.Context, userID uuid.UUID, jti string) (bool, error)
}

// AuthMiddleware проверяет Bearer access-токен и его сессию.
type AuthMiddleware struct {
	tokens   *auth.TokenManager
	sessions SessionChecker
}

// NewAuthMiddleware создаёт middleware аутентификации.
func NewAuthMiddleware(tokens *auth.TokenManager, sessions SessionChecker) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens, sessions: sessions}
}

// Middleware проверяет заголовок Authorization и добавляет данные
// пользователя в контекст запроса. Токен отозванной сессии отклоняется.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeAuthError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}

		claims, err := a.tokens.ParseToken(token)
		if err != nil {
			writeAuthError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token")
			return
		}

		userID, err := claims.UserID()
		if err != nil {
			writeAuthError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token")
			return
		}

		active, err := a.sessions.IsSessionActive(r.Context(), userID, claims.ID)
		if err != nil {
			writeAuthError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
			return
		}
		if !active {
			writeAuthError(w, http.StatusUnauthorized, "UNAUTHORIZED", "session revoked or expired")
			return
		}

		info := AuthInfo{
			UserID:        userID,
			Email:         claims.Email,
			EmailVerified: claims.EmailVerified,
			JTI:           claims.ID,
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authInfoKey, info)))
	})
}

// RequireVerified пропускает только пользователей с подтверждённым email.
func RequireVerified(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, ok := GetAuthFromContext(r.Context())
		if !ok {
			writeAuthError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}
		if !info.EmailVerified {
			writeAuthError(w, http.StatusForbidden, "EMAIL_NOT_VERIFIED", "email is not verified")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetAuthFromContext извлекает данные аутентифицированного пользователя
// из контекста запроса.
func GetAuthFromContext(ctx context.Context) (AuthInfo, bool) {
	info, ok := ctx.Value(authInfoKey).(AuthInfo)
	return info, ok
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "message": message})
}
