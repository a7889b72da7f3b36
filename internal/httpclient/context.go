package httpclient

import "context"

type retriedKey struct{}
type noRefreshKey struct{}

// WithoutRefresh marks requests made with ctx as exempt from reactive
// refresh. The auth endpoints themselves use it.
func WithoutRefresh(ctx context.Context) context.Context {
	return context.WithValue(ctx, noRefreshKey{}, true)
}

func refreshAllowed(ctx context.Context) bool {
	skip, _ := ctx.Value(noRefreshKey{}).(bool)
	return !skip
}

func markRetried(ctx context.Context) context.Context {
	return context.WithValue(ctx, retriedKey{}, true)
}

func isRetried(ctx context.Context) bool {
	retried, _ := ctx.Value(retriedKey{}).(bool)
	return retried
}
