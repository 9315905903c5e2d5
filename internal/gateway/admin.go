package gateway

import (
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/QuotaGate/internal/broker"
)

// Admin exposes broker introspection and the two reset primitives.
type Admin struct {
	broker *broker.Broker
	cache  *ResponseCache
}

func NewAdmin(b *broker.Broker, c *ResponseCache) *Admin {
	return &Admin{broker: b, cache: c}
}

type statusReply struct {
	Broker       broker.Status `json:"broker"`
	CacheEntries int           `json:"cache_entries"`
}

func (a *Admin) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusReply{Broker: a.broker.Status(), CacheEntries: a.cache.Len()})
}

func (a *Admin) ClearQueue(w http.ResponseWriter, r *http.Request) {
	n := a.broker.ClearQueue()
	hlog.FromRequest(r).Warn().Int("cleared", n).Msg("queue cleared by admin")
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

// ClearCache drops one entry when ?key= is given, else everything.
func (a *Admin) ClearCache(w http.ResponseWriter, r *http.Request) {
	if key := r.URL.Query().Get("key"); key != "" {
		a.cache.Clear(key)
	} else {
		a.cache.Clear()
	}
	writeJSON(w, http.StatusOK, map[string]int{"cache_entries": a.cache.Len()})
}

// Routes registers the admin endpoints on mux behind guard.
func (a *Admin) Routes(mux *http.ServeMux, guard Middleware) {
	mux.Handle("GET /admin/status", guard(http.HandlerFunc(a.Status)))
	mux.Handle("POST /admin/queue/clear", guard(http.HandlerFunc(a.ClearQueue)))
	mux.Handle("DELETE /admin/cache", guard(http.HandlerFunc(a.ClearCache)))
}
