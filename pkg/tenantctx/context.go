package tenantctx

import (
	"context"
	"strings"
)

type keyType string

const (
	TenantIDKey keyType = "tenant_id"
)

// With returns a context carrying the tenant identifier.
func With(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, strings.TrimSpace(tenantID))
}

func TenantID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(TenantIDKey).(string)
	return id, ok && id != ""
}
