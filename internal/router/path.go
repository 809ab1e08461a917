package router

import (
	"context"
	"net/http"
	"path"
	"strings"

	"github.com/google/uuid"
)

// UserHeader carries the caller's user id into admission.
const UserHeader = "X-User-ID"

// Route is the admission identity of a request.
type Route struct {
	Endpoint string
	UserID   string
}

// Normalize cleans p and replaces numeric and UUID segments with "{id}" so
// that one endpoint maps to one key regardless of the resource addressed.
func Normalize(p string) string {
	p = path.Clean("/" + strings.TrimPrefix(p, "/"))
	if p == "/" {
		return p
	}

	segments := strings.Split(p[1:], "/")
	for i, s := range segments {
		if isIdentifier(s) {
			segments[i] = "{id}"
		}
	}
	return "/" + strings.Join(segments, "/")
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	if strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' }) < 0 {
		return true
	}
	if len(s) == 36 {
		if _, err := uuid.Parse(s); err == nil {
			return true
		}
	}
	return false
}

// Derive maps r to its Route. ok is false for the root path.
func Derive(r *http.Request) (route Route, ok bool) {
	endpoint := Normalize(r.URL.Path)
	if endpoint == "/" {
		return route, false
	}
	return Route{
		Endpoint: endpoint,
		UserID:   strings.TrimSpace(r.Header.Get(UserHeader)),
	}, true
}

type routeContextKey struct{}

// WithRoute stores route in the request context.
func WithRoute(ctx context.Context, route Route) context.Context {
	return context.WithValue(ctx, routeContextKey{}, route)
}

// RouteFromContext retrieves the Route stored by WithRoute.
func RouteFromContext(ctx context.Context) (route Route, ok bool) {
	route, ok = ctx.Value(routeContextKey{}).(Route)
	return route, ok
}

// ForRequest returns the route stored in r's context, falling back to
// deriving it from r.
func ForRequest(r *http.Request) Route {
	if route, ok := RouteFromContext(r.Context()); ok {
		return route
	}
	if route, ok := Derive(r); ok {
		return route
	}
	return Route{Endpoint: Normalize(r.URL.Path)}
}

// Handler validates the incoming path and injects its Route for the relay.
func Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, ok := Derive(r)
		if !ok {
			http.Error(w, "expected path /{endpoint...}", http.StatusBadRequest)
			return
		}

		r = r.WithContext(WithRoute(r.Context(), route))
		next.ServeHTTP(w, r)
	})
}
