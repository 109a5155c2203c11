package auth

import (
	"net/http"

	"go.uber.org/zap"
)

// TokenValidator: интерфейс, который реализуют и HTTP, и gRPC входы
type TokenValidator interface {
	VerifyToken(tokenStr string) (*ServiceClaims, error)
}

func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequirePlatform закрывает ручки, действующие на всю платформу: токен
// тенанта (tenant_id не пуст) их не вызовет даже со scope operate.
func RequirePlatform() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if c, ok := FromContext(r.Context()); ok && c.TenantID != "" {
				http.Error(w, "Forbidden: platform operator only", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireScope пропускает запрос, только если у токена есть scope.
// Без middleware проверки токена (auth выключен) запрос проходит.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if c, ok := FromContext(r.Context()); ok && !c.HasScope(scope) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
