package gateway

import (
	"net/http"
	"strconv"

	"github.com/AlexKimmel/QuotaGate/internal/broker"
)

// StatusSource is satisfied by *broker.Broker.
type StatusSource interface {
	Status() broker.Status
}

// QuotaHeaders reports the shared budget on every response so clients can
// back off before the broker has to queue them.
func QuotaHeaders(src StatusSource, minuteLimit, dayLimit int) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st := src.Status()

			h := w.Header()
			h.Set("X-Quota-Minute-Limit", strconv.Itoa(minuteLimit))
			h.Set("X-Quota-Minute-Used", strconv.Itoa(st.CallsThisWindow))
			h.Set("X-Quota-Day-Limit", strconv.Itoa(dayLimit))
			h.Set("X-Quota-Day-Used", strconv.Itoa(st.CallsToday))
			h.Set("X-Quota-Queue-Length", strconv.Itoa(st.QueueLength))
			if st.RateLimitedUntil != nil {
				h.Set("X-Quota-Throttled-Until", strconv.FormatInt(st.RateLimitedUntil.Unix(), 10))
			}

			next.ServeHTTP(w, r)
		})
	}
}
