package middleware

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/raggate/raggate/internal/audit"
	"github.com/raggate/raggate/internal/metrics"
	"github.com/raggate/raggate/internal/model"
	"github.com/raggate/raggate/internal/store"
	"github.com/raggate/raggate/internal/token"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAuth(t *testing.T) (*Auth, *store.Store, *token.Manager) {
	t.Helper()
	s, err := store.NewStore("", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	mgr := token.NewManager(s, nil)
	a := &Auth{
		Manager: mgr,
		Auditor: audit.New(s, nil, 10, time.Hour),
		Store:   s,
		Metrics: metrics.New(s, nil),
		Logger:  testLogger(),
		Header:  "x-api-key",
	}
	return a, s, mgr
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetToken(r.Context()) == nil {
			http.Error(w, "no token in context", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func doRequest(h http.Handler, key, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/embed", nil)
	if key != "" {
		req.Header.Set("x-api-key", key)
	}
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := doRequest(h, "", "")
	if seen == "" {
		t.Error("expected a generated request id in the context")
	}
	if got := rec.Header().Get("X-Request-ID"); got != seen {
		t.Errorf("response header %q, context %q", got, seen)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "caller-supplied")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "caller-supplied" {
		t.Errorf("caller-supplied id not honored, got %q", seen)
	}

	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("expected empty id without middleware, got %q", got)
	}
}

func TestAuthMissingHeader(t *testing.T) {
	a, _, _ := newTestAuth(t)
	rec := doRequest(a.Middleware(okHandler()), "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status %d, want 401", rec.Code)
	}
}

func TestAuthRejectionsAreIndistinguishable(t *testing.T) {
	a, _, mgr := newTestAuth(t)
	ctx := context.Background()

	revoked, _, err := mgr.Generate(ctx, "to-revoke", 0, 0)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := mgr.Revoke(ctx, revoked); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	h := a.Middleware(okHandler())
	unknownRec := doRequest(h, "rag_never_issued", "")
	revokedRec := doRequest(h, revoked, "")

	if unknownRec.Code != http.StatusUnauthorized || revokedRec.Code != http.StatusUnauthorized {
		t.Fatalf("statuses %d/%d, want 401/401", unknownRec.Code, revokedRec.Code)
	}
	if unknownRec.Body.String() != revokedRec.Body.String() {
		t.Errorf("unknown and revoked keys must produce identical bodies:\n%s\n%s",
			unknownRec.Body.String(), revokedRec.Body.String())
	}
}

func TestAuthInvalidKeyIsAudited(t *testing.T) {
	a, s, _ := newTestAuth(t)

	doRequest(a.Middleware(okHandler()), "rag_bogus_key", "203.0.113.9:4444")

	n, err := s.CountInvalidAttemptsByIP(context.Background(), "203.0.113.9", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("CountInvalidAttemptsByIP: %v", err)
	}
	if n != 1 {
		t.Errorf("invalid attempts: got %d, want 1", n)
	}
}

func TestAuthSuccessUpdatesUsage(t *testing.T) {
	a, s, mgr := newTestAuth(t)
	ctx := context.Background()

	key, tok, err := mgr.Generate(ctx, "usage", 0, 0)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	rec := doRequest(a.Middleware(a.RecordUsage(okHandler())), key, "198.51.100.4:5555")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	got, err := s.GetTokenByID(ctx, tok.ID)
	if err != nil {
		t.Fatalf("GetTokenByID: %v", err)
	}
	if got.RequestCount != 1 {
		t.Errorf("RequestCount: got %d, want 1", got.RequestCount)
	}
	if got.LastUsedAt == nil {
		t.Error("LastUsedAt not set")
	}
	if len(got.IPHistory) != 1 || got.IPHistory[0] != "198.51.100.4" {
		t.Errorf("IPHistory: got %v", got.IPHistory)
	}
}

func TestAuthUnknownIPAudited(t *testing.T) {
	a, s, mgr := newTestAuth(t)
	ctx := context.Background()
	h := a.Middleware(a.RecordUsage(okHandler()))

	key, tok, err := mgr.Generate(ctx, "roaming", 0, 0)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	// First ever use establishes the history without an event.
	doRequest(h, key, "198.51.100.1:1000")
	n, err := s.CountAuditEvents(ctx, model.AuditUnknownIPUse, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("CountAuditEvents: %v", err)
	}
	if n != 0 {
		t.Fatalf("first use must not raise unknown_ip_use, got %d", n)
	}

	// A different IP on a token with history does.
	doRequest(h, key, "198.51.100.2:1000")
	n, err = s.CountAuditEvents(ctx, model.AuditUnknownIPUse, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("CountAuditEvents: %v", err)
	}
	if n != 1 {
		t.Errorf("unknown_ip_use events: got %d, want 1", n)
	}

	// The same IP again is known now.
	doRequest(h, key, "198.51.100.2:2000")
	n, _ = s.CountAuditEvents(ctx, model.AuditUnknownIPUse, time.Now().Add(-time.Minute))
	if n != 1 {
		t.Errorf("repeat IP must not re-raise, got %d events", n)
	}

	got, err := s.GetTokenByID(ctx, tok.ID)
	if err != nil {
		t.Fatalf("GetTokenByID: %v", err)
	}
	if got.RequestCount != 3 {
		t.Errorf("RequestCount: got %d, want 3", got.RequestCount)
	}
}

func TestStoreFailureRejectedWithoutAudit(t *testing.T) {
	// The manager's store is closed to simulate a backend outage; the
	// auditor keeps a healthy store so the assertion below can read it.
	broken, err := store.NewStore("", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	a, s, _ := newTestAuth(t)
	a.Manager = token.NewManager(broken, testLogger())
	broken.Close()

	rec := doRequest(a.Middleware(okHandler()), "rag_any_key_at_all", "203.0.113.20:9999")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401 (fail closed)", rec.Code)
	}

	// A backend outage is not an attacker presenting a key.
	n, err := s.CountAuditEvents(context.Background(), model.AuditInvalidKeyAttempt, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("CountAuditEvents: %v", err)
	}
	if n != 0 {
		t.Errorf("store failure recorded as invalid_key_attempt, got %d events", n)
	}
}

func TestUsageNotCountedWhenRateLimited(t *testing.T) {
	a, s, mgr := newTestAuth(t)
	ctx := context.Background()

	key, tok, err := mgr.Generate(ctx, "throttled", 0, 0)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	// Usage recording sits behind the limiter, matching the route wiring.
	h := a.Middleware(
		RouteLimit(1, a.Auditor, a.Metrics, a.Logger)(
			a.RecordUsage(okHandler())))

	codes := []int{}
	for i := 0; i < 3; i++ {
		rec := doRequest(h, key, "192.0.2.77:7000")
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes %v, want [200 429 429]", codes)
	}

	got, err := s.GetTokenByID(ctx, tok.ID)
	if err != nil {
		t.Fatalf("GetTokenByID: %v", err)
	}
	if got.RequestCount != 1 {
		t.Errorf("RequestCount: got %d, want 1 (throttled requests must not count)", got.RequestCount)
	}
}

func TestRouteLimit(t *testing.T) {
	a, s, _ := newTestAuth(t)
	ctx := context.Background()

	limited := RouteLimit(2, a.Auditor, a.Metrics, a.Logger)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	var last int
	for i := 0; i < 3; i++ {
		rec := doRequest(limited, "", "192.0.2.50:7000")
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third request status %d, want 429", last)
	}

	n, err := s.CountAuditEvents(ctx, model.AuditRateLimitHit, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("CountAuditEvents: %v", err)
	}
	if n != 1 {
		t.Errorf("rate_limit_hit events: got %d, want 1", n)
	}
}

func TestRouteLimitsAreIndependent(t *testing.T) {
	a, _, _ := newTestAuth(t)

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	embed := RouteLimit(1, a.Auditor, a.Metrics, a.Logger)(ok)
	query := RouteLimit(1, a.Auditor, a.Metrics, a.Logger)(ok)

	if rec := doRequest(embed, "", "192.0.2.60:7000"); rec.Code != http.StatusOK {
		t.Fatalf("embed first request: %d", rec.Code)
	}
	if rec := doRequest(embed, "", "192.0.2.60:7000"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("embed second request: %d, want 429", rec.Code)
	}
	// Exhausting one route leaves the other untouched.
	if rec := doRequest(query, "", "192.0.2.60:7000"); rec.Code != http.StatusOK {
		t.Errorf("query request after embed exhaustion: %d, want 200", rec.Code)
	}
}
