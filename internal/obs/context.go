package obs

import (
	"context"

	"github.com/go-chi/chi/v5"
)

type routeLabelKey struct{}

// WithRoutePattern pins the route label reported for a request, overriding
// whatever chi matches.
func WithRoutePattern(ctx context.Context, pattern string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, routeLabelKey{}, pattern)
}

// RoutePatternFromContext returns the pinned route label, else the pattern chi
// has matched so far. Middleware installed with Use sees the full pattern only
// once the handler has returned, since chi shares one route context per request.
func RoutePatternFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(routeLabelKey{}).(string); ok && v != "" {
		return v
	}
	if rc := chi.RouteContext(ctx); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}
