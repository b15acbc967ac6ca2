package auth

import (
	"context"

	"github.com/alexjbarnes/gdelt-mcp/internal/models"
)

type contextKey int

const (
	ctxPrincipal contextKey = iota
	ctxRemoteIP
)

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *models.Principal) context.Context {
	return context.WithValue(ctx, ctxPrincipal, p)
}

// PrincipalFromContext returns the authenticated principal, or nil.
func PrincipalFromContext(ctx context.Context) *models.Principal {
	p, _ := ctx.Value(ctxPrincipal).(*models.Principal)
	return p
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}
