package gateway

import (
	"net/http"

	"github.com/AlexKimmel/QuotaGate/internal/routing"
)

// RouteMatcher stores the matched route in the request context and answers
// 404 for paths no route covers.
func RouteMatcher(rr *routing.Router) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rt, ok := rr.Match(r.Method, r.URL.Path)
			if !ok {
				writeError(w, http.StatusNotFound, "no_route", "no matching route")
				return
			}
			next.ServeHTTP(w, routing.WithRoute(r, rt))
		})
	}
}
