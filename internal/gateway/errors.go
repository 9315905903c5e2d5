package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/AlexKimmel/QuotaGate/internal/broker"
	"github.com/AlexKimmel/QuotaGate/internal/upstream"
)

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	var body errorBody
	body.Error.Code = errCode
	body.Error.Message = msg
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeBrokerError maps a settled broker error onto an HTTP reply.
func writeBrokerError(w http.ResponseWriter, err error) {
	switch broker.KindOf(err) {
	case broker.KindDailyLimit:
		writeError(w, http.StatusTooManyRequests, "daily_limit", "daily upstream quota exhausted")
		return
	case broker.KindRateLimited:
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "upstream is throttling requests")
		return
	case broker.KindQueueCleared, broker.KindClosed:
		writeError(w, http.StatusServiceUnavailable, "queue_cleared", err.Error())
		return
	case broker.KindTransient:
		writeError(w, http.StatusBadGateway, "upstream_unavailable", err.Error())
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusGatewayTimeout, "queue_timeout", "request still queued behind the upstream quota")
		return
	}

	var se *upstream.StatusError
	if errors.As(err, &se) {
		writeError(w, se.Code, "upstream_error", se.Error())
		return
	}
	var pe *upstream.ProviderError
	if errors.As(err, &pe) {
		writeError(w, http.StatusBadGateway, "provider_error", pe.Message)
		return
	}
	writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
}
