package obs

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/QuotaGate/internal/gateway"
)

func SetupLogger(level string) zerolog.Logger {
	return NewLogger(os.Stdout, level)
}

// NewLogger builds a JSON logger at level, falling back to info.
func NewLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	return zerolog.New(w).With().Timestamp().Logger().Level(lvl)
}

// Logger attaches a request-scoped logger and writes one access line per
// request.
func Logger(logger zerolog.Logger) gateway.Middleware {
	access := hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Info().
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("dur", d).
			Msg("req")
	})

	return func(next http.Handler) http.Handler {
		return gateway.Chain(next,
			hlog.NewHandler(logger),
			hlog.RequestIDHandler("req_id", "X-Request-ID"),
			hlog.MethodHandler("method"),
			hlog.RemoteAddrHandler("remote"),
			hlog.UserAgentHandler("ua"),
			access,
		)
	}
}
