package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/raggate/raggate/internal/audit"
	"github.com/raggate/raggate/internal/metrics"
)

// RouteLimit returns a sliding-window rate limiter for one route. Each route
// gets its own limiter instance, so /embed and /rag/query budgets never
// bleed into each other. Authenticated requests are counted per token;
// anything without a token falls back to per-IP counting.
//
// Limit hits are answered with a 429, recorded in the audit log, and
// counted in the metrics.
func RouteLimit(perMinute int, auditor *audit.Auditor, m *metrics.Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	return httprate.Limit(
		perMinute,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if tok := GetToken(r.Context()); tok != nil {
				return tok.ID, nil
			}
			return httprate.KeyByIP(r)
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			m.RateLimited.Inc()

			tokenID := ""
			if tok := GetToken(r.Context()); tok != nil {
				tokenID = tok.ID
			}
			if err := auditor.NoteRateLimit(r.Context(), clientIP(r), tokenID, r.URL.Path); err != nil {
				logger.Error("failed to record rate limit hit", "error", err)
			}

			writeError(w, http.StatusTooManyRequests, "rate limit exceeded, retry later")
		}),
	)
}
