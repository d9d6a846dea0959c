// ABOUTME: Request context helpers carrying the authenticated tenant
// ABOUTME: Provides WithTenant/TenantFromContext for handlers behind the middleware

package auth

import (
	"context"

	"github.com/2389/tether-gateway/internal/store"
)

// tenantContextKey is the key type for storing the tenant in context.Context.
type tenantContextKey struct{}

// WithTenant returns a new context with the tenant attached.
func WithTenant(ctx context.Context, tenant *store.Tenant) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, tenant)
}

// TenantFromContext retrieves the tenant from the context, returning nil if not present.
func TenantFromContext(ctx context.Context) *store.Tenant {
	tenant, _ := ctx.Value(tenantContextKey{}).(*store.Tenant)
	return tenant
}

// MustTenant retrieves the tenant from the context, panicking if not present.
func MustTenant(ctx context.Context) *store.Tenant {
	tenant := TenantFromContext(ctx)
	if tenant == nil {
		panic("auth: tenant not found in context")
	}
	return tenant
}
