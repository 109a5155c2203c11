package auth

import (
	"context"
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

// Scopes сервисных токенов.
const (
	ScopeClassify = "governance:classify"
	ScopeAdmit    = "governance:admit"
	ScopeOperate  = "governance:operate" // политики, заморозка, паузы, очередь одобрений
)

// ServiceClaims: токен агента или оператора. TenantID пуст у платформенных операторов.
type ServiceClaims struct {
	TenantID string   `json:"tenant_id,omitempty"`
	Scopes   []string `json:"scopes"`
	jwt.RegisteredClaims
}

func (c *ServiceClaims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// CanAccessTenant: токен тенанта видит только свой тенант.
func (c *ServiceClaims) CanAccessTenant(tenantID string) bool {
	return c.TenantID == "" || c.TenantID == tenantID
}

type claimsKey struct{}

func WithClaims(ctx context.Context, c *ServiceClaims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// FromContext возвращает claims, если запрос прошел проверку токена.
func FromContext(ctx context.Context) (*ServiceClaims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*ServiceClaims)
	return c, ok
}
