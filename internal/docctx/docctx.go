// Package docctx carries the resolved request context the transport layer
// hands to the core: tenant, identity, deadline and correlation id. No
// component reads process globals for tenant or identity (spec DESIGN
// NOTES §9) — everything flows through this explicit value, the way the
// teacher's internal/observability.LoggerWithTrace enriches a logger from
// context rather than a global.
package docctx

import (
	"context"

	"github.com/rs/zerolog"
)

// RequestContext is the resolved, transport-agnostic context every core
// operation receives. The transport adapter (out of scope here) is
// responsible for populating it from tokens/headers before calling in.
type RequestContext struct {
	TenantID      string
	Identity      string // user or service identity within the tenant
	CorrelationID string
}

type ctxKey struct{}

// With attaches rc to ctx.
func With(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// From extracts the RequestContext previously attached with With.
func From(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(ctxKey{}).(RequestContext)
	return rc, ok
}

// Logger returns a zerolog.Logger enriched with tenant and correlation id
// from ctx, falling back to the package-default logger fields when absent.
func Logger(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	rc, ok := From(ctx)
	if !ok {
		return base
	}
	l := base.With().Str("tenant", rc.TenantID)
	if rc.CorrelationID != "" {
		l = l.Str("correlation_id", rc.CorrelationID)
	}
	if rc.Identity != "" {
		l = l.Str("identity", rc.Identity)
	}
	return l.Logger()
}
