package routing

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Route maps an inbound path prefix onto an upstream path.
type Route struct {
	ID           string
	Methods      map[string]struct{}
	Prefix       string
	UpstreamPath string
	CacheTTL     time.Duration // zero disables caching
}

type Router struct {
	routes []*Route
}

func New() *Router {
	return &Router{}
}

func (r *Router) Add(rt *Route) {
	r.routes = append(r.routes, rt)
}

func (r *Router) Routes() []*Route {
	return r.routes
}

func (r *Router) Match(method string, path string) (*Route, bool) {
	m := strings.ToUpper(method)
	for _, rt := range r.routes {
		if _, ok := rt.Methods[m]; !ok {
			continue
		}
		prefix := strings.TrimSuffix(strings.TrimSpace(rt.Prefix), "/")
		if prefix == "" {
			return rt, true
		}
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return rt, true
		}
	}
	return nil, false
}

// Target maps an inbound path onto the upstream path of the route.
func (rt *Route) Target(path string) string {
	prefix := strings.TrimSuffix(strings.TrimSpace(rt.Prefix), "/")
	rest := strings.TrimPrefix(path, prefix)
	base := strings.TrimSuffix(rt.UpstreamPath, "/")
	if rest == "" || rest == "/" {
		if base == "" {
			return "/"
		}
		return base
	}
	return base + rest
}

// --- context helpers ---
type ctxKey int

const keyRoute ctxKey = 0

func WithRoute(r *http.Request, rt *Route) *http.Request {
	ctx := context.WithValue(r.Context(), keyRoute, rt)
	return r.WithContext(ctx)
}

func RouteFrom(r *http.Request) (*Route, bool) {
	v := r.Context().Value(keyRoute)
	if v == nil {
		return nil, false
	}
	rt, ok := v.(*Route)
	return rt, ok
}
