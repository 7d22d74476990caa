package trace

import "context"

type ctxKey struct{}

// WithCorrelationID returns a context carrying the response-cycle correlation
// id, propagated into outbound requests and logs.
func WithCorrelationID(ctx context.Context, cid string) context.Context {
	return context.WithValue(ctx, ctxKey{}, cid)
}

// CorrelationID extracts the correlation id from ctx, or "" when absent.
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKey{}).(string); ok {
		return v
	}
	return ""
}
