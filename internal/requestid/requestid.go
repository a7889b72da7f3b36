// Package requestid provides request ID propagation via context.
package requestid

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Header is the header carrying the request ID on outgoing API calls.
const Header = "X-Request-ID"

type ctxKey struct{}

// WithRequestID returns a context with the given request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the request ID from context, or generates a new one.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

// New generates a new request ID and returns the enriched context and ID.
func New(ctx context.Context) (context.Context, string) {
	id := uuid.New().String()
	return WithRequestID(ctx, id), id
}

// Stamp sets the request ID header on req unless one is already present,
// and returns the ID used. A retried request keeps its original ID.
func Stamp(req *http.Request) string {
	if id := req.Header.Get(Header); id != "" {
		return id
	}
	id := FromContext(req.Context())
	req.Header.Set(Header, id)
	return id
}
