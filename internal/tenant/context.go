package tenant

import (
	"context"
)

type contextKey string

const handleKey contextKey = "tenant_handle"

func WithHandle(ctx context.Context, h *Handle) context.Context {
	return context.WithValue(ctx, handleKey, h)
}

func HandleFromContext(ctx context.Context) *Handle {
	h, _ := ctx.Value(handleKey).(*Handle)
	return h
}

// SchemaIDFromContext returns the schema bound to ctx, or "" when none is.
func SchemaIDFromContext(ctx context.Context) string {
	if h := HandleFromContext(ctx); h != nil {
		return h.SchemaID()
	}
	return ""
}
