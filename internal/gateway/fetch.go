package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/QuotaGate/internal/broker"
	"github.com/AlexKimmel/QuotaGate/internal/cache"
	"github.com/AlexKimmel/QuotaGate/internal/routing"
	"github.com/AlexKimmel/QuotaGate/internal/upstream"
)

// Fetcher builds upstream operations; *upstream.Client satisfies it.
type Fetcher interface {
	Fetch(path string, query url.Values) broker.Operation
}

type CacheObserver interface {
	Hit(route string)
	Miss(route string)
}

type nopCacheObserver struct{}

func (nopCacheObserver) Hit(string)  {}
func (nopCacheObserver) Miss(string) {}

// ResponseCache holds upstream replies keyed by CacheKey.
type ResponseCache = cache.TTL[string, *upstream.Response]

// FetchHandler serves a matched route from the cache, or through the broker
// on a miss.
type FetchHandler struct {
	broker   *broker.Broker
	upstream Fetcher
	cache    *ResponseCache
	observer CacheObserver
	maxWait  time.Duration
}

func NewFetchHandler(b *broker.Broker, f Fetcher, c *ResponseCache, o CacheObserver) *FetchHandler {
	if o == nil {
		o = nopCacheObserver{}
	}
	return &FetchHandler{broker: b, upstream: f, cache: c, observer: o}
}

// WithMaxWait bounds how long a caller waits on its ticket before getting
// 504. Zero waits as long as the request context lives.
func (h *FetchHandler) WithMaxWait(d time.Duration) *FetchHandler {
	h.maxWait = d
	return h
}

// CacheKey identifies one distinct upstream query. Query keys are sorted by
// url.Values.Encode.
func CacheKey(routeID, target string, q url.Values) string {
	return routeID + " " + target + "?" + q.Encode()
}

func (h *FetchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt, ok := routing.RouteFrom(r)
	if !ok {
		writeError(w, http.StatusInternalServerError, "no_route_ctx", "route not in context")
		return
	}

	target := rt.Target(r.URL.Path)
	query := r.URL.Query()
	key := CacheKey(rt.ID, target, query)

	if rt.CacheTTL > 0 {
		if res, ok := h.cache.Get(key); ok {
			h.observer.Hit(rt.ID)
			writeUpstream(w, res, "HIT")
			return
		}
		h.observer.Miss(rt.ID)
	}

	ticket := h.broker.Enqueue(h.upstream.Fetch(target, query))
	log := hlog.FromRequest(r)
	log.Debug().Str("ticket", ticket.ID).Str("route", rt.ID).Msg("queued upstream call")

	ctx := r.Context()
	if h.maxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.maxWait)
		defer cancel()
	}

	v, err := ticket.Wait(ctx)
	w.Header().Set("X-Quotagate-Retries", strconv.Itoa(ticket.RetryCount()))
	if err != nil {
		var be *broker.Error
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.As(err, &be) {
			// the ticket stays queued; keep its result for the next caller
			log.Info().Str("ticket", ticket.ID).Msg("caller stopped waiting")
			if rt.CacheTTL > 0 {
				go h.storeWhenDone(ticket, key, rt.CacheTTL)
			}
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				writeBrokerError(w, ctxErr)
			}
			return
		}
		log.Warn().Err(err).Str("ticket", ticket.ID).Str("kind", string(broker.KindOf(err))).Msg("upstream call failed")
		writeBrokerError(w, err)
		return
	}

	res, ok := v.(*upstream.Response)
	if !ok {
		writeError(w, http.StatusInternalServerError, "bad_result", fmt.Sprintf("unexpected result %T", v))
		return
	}
	if rt.CacheTTL > 0 {
		h.cache.Set(key, res, rt.CacheTTL)
	}
	writeUpstream(w, res, "MISS")
}

func (h *FetchHandler) storeWhenDone(t *broker.Ticket, key string, ttl time.Duration) {
	<-t.Done()
	v, err := t.Wait(context.Background())
	if res, ok := v.(*upstream.Response); ok && err == nil {
		h.cache.Set(key, res, ttl)
	}
}

func writeUpstream(w http.ResponseWriter, res *upstream.Response, cacheState string) {
	h := w.Header()
	if ct := res.Header.Get("Content-Type"); ct != "" {
		h.Set("Content-Type", ct)
	} else {
		h.Set("Content-Type", "application/json")
	}
	h.Set("X-Cache", cacheState)
	w.WriteHeader(res.Status)
	_, _ = w.Write(res.Body)
}
