package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/QuotaGate/internal/broker"
	"github.com/AlexKimmel/QuotaGate/internal/cache"
	"github.com/AlexKimmel/QuotaGate/internal/ratelimit"
	"github.com/AlexKimmel/QuotaGate/internal/retry"
	"github.com/AlexKimmel/QuotaGate/internal/routing"
	"github.com/AlexKimmel/QuotaGate/internal/upstream"
)

type fakeFetcher struct {
	calls atomic.Int32
	reply func(path string, q url.Values) (*upstream.Response, error)
}

func (f *fakeFetcher) Fetch(path string, q url.Values) broker.Operation {
	return func(context.Context) (any, error) {
		f.calls.Add(1)
		res, err := f.reply(path, q)
		if err != nil {
			return nil, err
		}
		return res, nil
	}
}

func okReply(path string, q url.Values) (*upstream.Response, error) {
	return &upstream.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(`{"path":"` + path + `","symbol":"` + q.Get("symbol") + `"}`),
	}, nil
}

type counter struct{ hits, misses atomic.Int32 }

func (c *counter) Hit(string)  { c.hits.Add(1) }
func (c *counter) Miss(string) { c.misses.Add(1) }

type fixture struct {
	broker  *broker.Broker
	fetcher *fakeFetcher
	cache   *ResponseCache
	lookups *counter
	fetch   *FetchHandler
	handler http.Handler
}

func newFixture(t *testing.T, perDay int, ttl time.Duration, reply func(string, url.Values) (*upstream.Response, error)) *fixture {
	t.Helper()
	b := broker.New(broker.Config{
		Budget: ratelimit.Policy{PerMinute: 100, PerDay: perDay, Cooldown: 10 * time.Millisecond},
		Retry:  retry.Policy{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxRetries: 2},
	})
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	router := routing.New()
	router.Add(&routing.Route{
		ID:           "quotes",
		Methods:      map[string]struct{}{"GET": {}},
		Prefix:       "/v1/query",
		UpstreamPath: "/query",
		CacheTTL:     ttl,
	})

	f := &fixture{
		broker:  b,
		fetcher: &fakeFetcher{reply: reply},
		cache:   cache.New[string, *upstream.Response](),
		lookups: &counter{},
	}
	f.fetch = NewFetchHandler(b, f.fetcher, f.cache, f.lookups)
	f.handler = Chain(
		f.fetch,
		RouteMatcher(router),
		QuotaHeaders(b, 100, perDay),
	)
	return f
}

func (f *fixture) get(target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error.Code
}

func TestFetchMissThenHit(t *testing.T) {
	f := newFixture(t, 100, time.Minute, okReply)

	rec := f.get("/v1/query?symbol=IBM&function=GLOBAL_QUOTE")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	require.JSONEq(t, `{"path":"/query","symbol":"IBM"}`, rec.Body.String())

	rec = f.get("/v1/query?function=GLOBAL_QUOTE&symbol=IBM")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "HIT", rec.Header().Get("X-Cache"))

	require.Equal(t, int32(1), f.fetcher.calls.Load())
	require.Equal(t, int32(1), f.lookups.hits.Load())
	require.Equal(t, int32(1), f.lookups.misses.Load())
}

func TestFetchWithoutCacheTTL(t *testing.T) {
	f := newFixture(t, 100, 0, okReply)

	f.get("/v1/query?symbol=IBM")
	f.get("/v1/query?symbol=IBM")
	require.Equal(t, int32(2), f.fetcher.calls.Load())
	require.Zero(t, f.cache.Len())
}

func TestQuotaHeaders(t *testing.T) {
	f := newFixture(t, 100, time.Minute, okReply)
	f.get("/v1/query?symbol=IBM")

	rec := f.get("/v1/query?symbol=MSFT")
	assert.Equal(t, "100", rec.Header().Get("X-Quota-Day-Limit"))
	assert.Equal(t, "1", rec.Header().Get("X-Quota-Day-Used"))
	assert.Equal(t, "1", rec.Header().Get("X-Quota-Minute-Used"))
	assert.Equal(t, "0", rec.Header().Get("X-Quotagate-Retries"))
}

func TestDailyLimitStillServesCache(t *testing.T) {
	f := newFixture(t, 1, time.Minute, okReply)

	require.Equal(t, http.StatusOK, f.get("/v1/query?symbol=IBM").Code)

	rec := f.get("/v1/query?symbol=MSFT")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "daily_limit", decodeError(t, rec))

	rec = f.get("/v1/query?symbol=IBM")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "HIT", rec.Header().Get("X-Cache"))
}

func TestUpstreamErrorsMapToHTTP(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"status passthrough", retry.Permanent(&upstream.StatusError{Code: http.StatusNotFound}), http.StatusNotFound, "upstream_error"},
		{"provider error", retry.Permanent(&upstream.ProviderError{Field: "Error Message", Message: "Invalid API call."}), http.StatusBadGateway, "provider_error"},
		{"transient", retry.Transient(errors.New("503")), http.StatusBadGateway, "upstream_unavailable"},
		{"throttled", retry.RateLimited(errors.New("429")), http.StatusTooManyRequests, "rate_limited"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, 100, time.Minute, func(string, url.Values) (*upstream.Response, error) {
				return nil, tc.err
			})
			rec := f.get("/v1/query?symbol=IBM")
			require.Equal(t, tc.status, rec.Code)
			require.Equal(t, tc.code, decodeError(t, rec))
			require.Zero(t, f.cache.Len())
		})
	}
}

func TestQueueTimeoutIs504(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, 100, time.Minute, func(p string, q url.Values) (*upstream.Response, error) {
		<-release
		return okReply(p, q)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/query?symbol=IBM", nil).WithContext(ctx))
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	require.Equal(t, "queue_timeout", decodeError(t, rec))

	// the abandoned call still lands in the cache
	close(release)
	require.Eventually(t, func() bool { return f.cache.Len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestQueueWaitAnswers504OverHTTP(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, 100, time.Minute, func(p string, q url.Values) (*upstream.Response, error) {
		<-release
		return okReply(p, q)
	})
	t.Cleanup(func() { close(release) })
	f.fetch.WithMaxWait(50 * time.Millisecond)

	srv := httptest.NewUnstartedServer(f.handler)
	srv.Config.WriteTimeout = 500 * time.Millisecond
	srv.Start()
	defer srv.Close()

	res, err := http.Get(srv.URL + "/v1/query?symbol=IBM")
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusGatewayTimeout, res.StatusCode)
	var body errorBody
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	require.Equal(t, "queue_timeout", body.Error.Code)
}

func TestNoRoute(t *testing.T) {
	f := newFixture(t, 100, time.Minute, okReply)
	rec := f.get("/v2/unknown")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "no_route", decodeError(t, rec))
}

func TestAdminEndpoints(t *testing.T) {
	f := newFixture(t, 100, time.Minute, okReply)
	f.get("/v1/query?symbol=IBM")
	f.get("/v1/query?symbol=MSFT")

	mux := http.NewServeMux()
	NewAdmin(f.broker, f.cache).Routes(mux, func(h http.Handler) http.Handler { return h })

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var st statusReply
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	require.Equal(t, broker.StateIdle, st.Broker.State)
	require.Equal(t, 2, st.Broker.CallsToday)
	require.Equal(t, 2, st.CacheEntries)

	key := CacheKey("quotes", "/query", url.Values{"symbol": {"IBM"}})
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/admin/cache?key="+url.QueryEscape(key), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, f.cache.Len())

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/admin/cache", nil))
	require.Zero(t, f.cache.Len())

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/queue/clear", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"cleared":0}`, rec.Body.String())
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { order = append(order, "h") }), mw("a"), nil, mw("b"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, []string{"a", "b", "h"}, order)
}
