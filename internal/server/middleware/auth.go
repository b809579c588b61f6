package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/raggate/raggate/internal/audit"
	"github.com/raggate/raggate/internal/metrics"
	"github.com/raggate/raggate/internal/model"
	"github.com/raggate/raggate/internal/store"
	"github.com/raggate/raggate/internal/token"
)

type contextKeyAuth string

// TokenKey is the context key for the authenticated token record.
const TokenKey contextKeyAuth = "auth_token"

// usageTimeout bounds the usage write after the client connection is out of
// the picture.
const usageTimeout = 5 * time.Second

// Auth validates the API key header on every protected request and records
// usage and security events as side effects.
type Auth struct {
	Manager *token.Manager
	Auditor *audit.Auditor
	Store   *store.Store
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Header  string
}

// Middleware authenticates the request. The three rejection causes (unknown,
// revoked, expired) produce one identical 401 body so callers cannot probe
// key state. A store failure during validation rejects with the same 401,
// so authentication fails closed, never open; the failure is logged rather
// than audited, since a backend outage is not an attacker presenting a key.
//
// On success the token record is attached to the context. Usage recording
// happens in RecordUsage, which routes chain after their rate limiter so
// throttled requests are not counted.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		key := r.Header.Get(a.Header)
		if key == "" {
			a.Metrics.AuthFailures.Inc()
			writeError(w, http.StatusUnauthorized, "API key required")
			return
		}

		tok, err := a.Manager.Validate(r.Context(), key)
		if err != nil {
			a.Metrics.AuthFailures.Inc()
			if errors.Is(err, token.ErrInvalidToken) {
				if auditErr := a.Auditor.NoteInvalidKey(r.Context(), ip); auditErr != nil {
					a.Logger.Error("failed to record invalid key attempt", "error", auditErr)
				}
			} else {
				a.Logger.Error("token validation failed, rejecting request",
					"error", err, "source_ip", ip, "request_id", GetRequestID(r.Context()))
			}
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		ctx := context.WithValue(r.Context(), TokenKey, tok)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RecordUsage increments the authenticated token's usage counters and
// extends its IP history. Routes attach it after their rate limiter, so a
// throttled request never counts as use. A token seen from an IP outside
// its recorded history is flagged in the audit log; the first ever use
// establishes the history silently.
//
// The write runs detached from the request context so a client disconnect
// cannot abort it mid-flight. A failed write is logged and counted but does
// not fail the request.
func (a *Auth) RecordUsage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := GetToken(r.Context())
		if tok != nil {
			ip := clientIP(r)

			if len(tok.IPHistory) > 0 && !tok.SeenIP(ip) {
				if auditErr := a.Auditor.NoteUnknownIP(r.Context(), ip, tok.ID); auditErr != nil {
					a.Logger.Error("failed to record unknown ip use", "error", auditErr)
				}
				a.Logger.Warn("token used from unknown ip",
					"token_id", tok.ID, "label", tok.Label, "source_ip", ip)
			}

			uctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), usageTimeout)
			defer cancel()
			if err := a.Store.UpdateTokenUsage(uctx, tok.KeyHash, ip, time.Now()); err != nil {
				a.Metrics.UsageUpdateFailures.Inc()
				a.Logger.Error("failed to update token usage", "token_id", tok.ID, "error", err)
			}
		}
		next.ServeHTTP(w, r)
	})
}

// GetToken extracts the authenticated token record from the context.
// Returns nil for unauthenticated requests.
func GetToken(ctx context.Context) *model.Token {
	if tok, ok := ctx.Value(TokenKey).(*model.Token); ok {
		return tok
	}
	return nil
}

// clientIP returns the requester's IP. The RealIP middleware runs earlier in
// the chain, so RemoteAddr already reflects X-Forwarded-For when present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.ErrorResponse{
		Error: model.ErrorDetail{Code: status, Message: message},
	})
}
