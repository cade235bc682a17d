// Package tenancy carries the tenant identity (C12) through a run's
// context.Context, the same context-baggage pattern the teacher's
// telemetry.WithBaggage propagates request/tenant/user ids through a request
// lifecycle — generalized here into a single typed accessor instead of a
// generic key/value baggage bag, and kept alongside (not built on)
// internal/logger's WithRunID/WithCorrelationID context keys.
package tenancy

import (
	"context"
	"fmt"
)

type tenantIDKey struct{}

const defaultTenantID = "default"

// WithTenantID attaches tenantID to ctx. An empty tenantID is replaced with
// the default tenant so downstream lookups never key on "".
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	if tenantID == "" {
		tenantID = defaultTenantID
	}
	return context.WithValue(ctx, tenantIDKey{}, tenantID)
}

// TenantID returns the tenant id attached to ctx, or the default tenant if
// none was attached.
func TenantID(ctx context.Context) string {
	if v, ok := ctx.Value(tenantIDKey{}).(string); ok && v != "" {
		return v
	}
	return defaultTenantID
}

// ScopedKey namespaces a raw key under its tenant, for use by components
// (cache, KV) that share a single backing store across tenants. A Run
// exclusively owns its Plan and Step Executions; a Tenant only weakly owns
// Runs, so this is a naming convention, not an ownership/ACL boundary.
func ScopedKey(ctx context.Context, key string) string {
	return fmt.Sprintf("tenant:%s:%s", TenantID(ctx), key)
}

// Guard reports whether the resource's owning tenant matches the context's
// tenant, for lookup paths that must not leak data across tenants (e.g.
// GET /v1/runs/{id}).
func Guard(ctx context.Context, resourceTenantID string) bool {
	return TenantID(ctx) == resourceTenantID
}
