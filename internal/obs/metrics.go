package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AlexKimmel/QuotaGate/internal/broker"
	"github.com/AlexKimmel/QuotaGate/internal/gateway"
	"github.com/AlexKimmel/QuotaGate/internal/retry"
	"github.com/AlexKimmel/QuotaGate/internal/routing"
)

type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	CacheLookups    *prometheus.CounterVec

	Attempts        *prometheus.CounterVec
	AttemptDuration prometheus.Histogram
	Retries         prometheus.Counter
	SettledTotal    *prometheus.CounterVec
	QueueWait       prometheus.Histogram
	QueueLength     prometheus.Gauge
	CallsToday      prometheus.Gauge
	CallsThisWindow prometheus.Gauge
	RateLimited     prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_requests_total",
				Help: "Total HTTP requests processed by the gateway",
			},
			[]string{"route", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quotagate_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_cache_lookups_total",
				Help: "Response cache lookups by result",
			},
			[]string{"route", "result"},
		),
		Attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_upstream_attempts_total",
				Help: "Upstream calls executed by the broker, by outcome",
			},
			[]string{"outcome"},
		),
		AttemptDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "quotagate_upstream_attempt_duration_seconds",
				Help:    "Duration of a single upstream call",
				Buckets: prometheus.DefBuckets,
			},
		),
		Retries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quotagate_retries_total",
				Help: "Requests put back on the queue after a retryable failure",
			},
		),
		SettledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_settled_total",
				Help: "Broker requests settled, by error kind (ok for success)",
			},
			[]string{"kind"},
		),
		QueueWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "quotagate_queue_wait_seconds",
				Help:    "Time from enqueue to settlement",
				Buckets: []float64{.01, .1, .5, 1, 5, 15, 30, 60, 120, 300},
			},
		),
		QueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quotagate_queue_length",
			Help: "Requests waiting in the broker queue",
		}),
		CallsToday: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quotagate_calls_today",
			Help: "Successful upstream calls counted against today's budget",
		}),
		CallsThisWindow: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quotagate_calls_this_window",
			Help: "Successful upstream calls in the trailing window",
		}),
		RateLimited: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quotagate_provider_rate_limited",
			Help: "1 while the provider throttle cooldown is active",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.CacheLookups,
		m.Attempts, m.AttemptDuration, m.Retries, m.SettledTotal, m.QueueWait,
		m.QueueLength, m.CallsToday, m.CallsThisWindow, m.RateLimited,
	)
	return m
}

// Broker observer hooks. They run on the broker worker and must stay cheap.

func (m *Metrics) Attempt(o retry.Outcome, took time.Duration) {
	m.Attempts.WithLabelValues(o.String()).Inc()
	m.AttemptDuration.Observe(took.Seconds())
}

func (m *Metrics) Retry(int, time.Duration) { m.Retries.Inc() }

func (m *Metrics) Settled(kind broker.Kind, waited time.Duration) {
	label := string(kind)
	if kind == broker.KindNone {
		label = "ok"
	}
	m.SettledTotal.WithLabelValues(label).Inc()
	m.QueueWait.Observe(waited.Seconds())
}

func (m *Metrics) Budget(s broker.Status) {
	m.QueueLength.Set(float64(s.QueueLength))
	m.CallsToday.Set(float64(s.CallsToday))
	m.CallsThisWindow.Set(float64(s.CallsThisWindow))
	if s.RateLimited {
		m.RateLimited.Set(1)
	} else {
		m.RateLimited.Set(0)
	}
}

// Cache hooks, used by the fetch handler.

func (m *Metrics) Hit(route string)  { m.CacheLookups.WithLabelValues(route, "hit").Inc() }
func (m *Metrics) Miss(route string) { m.CacheLookups.WithLabelValues(route, "miss").Inc() }

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Middleware records per-request metrics.
// It uses the route stored by RouteMatcher (routing.RouteFrom), so it must
// wrap the handler below the matcher.
func (m *Metrics) Middleware(skip map[string]struct{}) gateway.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			route := "unknown"
			if rt, ok := routing.RouteFrom(r); ok && rt != nil && rt.ID != "" {
				route = rt.ID
			}

			method := r.Method
			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}

			m.RequestDuration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
		})
	}
}

var (
	_ broker.Observer       = (*Metrics)(nil)
	_ gateway.CacheObserver = (*Metrics)(nil)
)
