package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/raggate/raggate/internal/audit"
	"github.com/raggate/raggate/internal/metrics"
	"github.com/raggate/raggate/internal/rag"
	"github.com/raggate/raggate/internal/store"
	"github.com/raggate/raggate/internal/token"
)

func newTestServer(t *testing.T, mutate func(*Config, *Deps)) (*Server, string) {
	t.Helper()
	s, err := store.NewStore("", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := token.NewManager(s, logger)

	cfg := DefaultConfig()
	deps := Deps{
		Store:   s,
		Manager: mgr,
		Auditor: audit.New(s, logger, 10, time.Hour),
		Metrics: metrics.New(s, logger),
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	key, _, err := mgr.Generate(context.Background(), "test-client", 0, 0)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return New(cfg, deps, logger), key
}

func get(t *testing.T, srv *Server, path, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if key != "" {
		req.Header.Set("x-api-key", key)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func post(t *testing.T, srv *Server, path, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("x-api-key", key)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsUnauthenticated(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := get(t, srv, "/health", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestProtectedRoutesRequireKey(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/embed"},
		{http.MethodPost, "/rag/query"},
		{http.MethodGet, "/tokens/usage"},
		{http.MethodPost, "/tokens/prune"},
		{http.MethodGet, "/security/audit"},
		{http.MethodGet, "/metrics"},
	}
	for _, p := range paths {
		var rec *httptest.ResponseRecorder
		if p.method == http.MethodGet {
			rec = get(t, srv, p.path, "")
		} else {
			rec = post(t, srv, p.path, "", "{}")
		}
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without key: status %d, want 401", p.method, p.path, rec.Code)
		}
	}
}

func TestTokenUsageWithValidKey(t *testing.T) {
	srv, key := newTestServer(t, nil)

	rec := get(t, srv, "/tokens/usage", key)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 {
		t.Errorf("count %d, want 1", resp.Count)
	}
}

func TestMetricsExposition(t *testing.T) {
	srv, key := newTestServer(t, nil)

	rec := get(t, srv, "/metrics", key)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "raggate_tokens_total") {
		t.Error("exposition missing raggate_tokens_total")
	}
}

func TestEmbedThroughServer(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{1, 2, 3}})
	}))
	defer backend.Close()

	srv, key := newTestServer(t, func(cfg *Config, deps *Deps) {
		deps.Embed = rag.NewEmbedClient(backend.URL, "")
	})

	rec := post(t, srv, "/embed", key, `{"text":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Dimensions int `json:"dimensions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Dimensions != 3 {
		t.Errorf("dimensions %d, want 3", resp.Dimensions)
	}
}

func TestEmbedRateLimit(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{1}})
	}))
	defer backend.Close()

	srv, key := newTestServer(t, func(cfg *Config, deps *Deps) {
		cfg.EmbedPerMinute = 2
		deps.Embed = rag.NewEmbedClient(backend.URL, "")
	})

	var last int
	for i := 0; i < 3; i++ {
		rec := post(t, srv, "/embed", key, `{"text":"x"}`)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third embed status %d, want 429", last)
	}

	// The query route has its own budget and stays open.
	rec := post(t, srv, "/rag/query", key, `{"query":"x"}`)
	if rec.Code == http.StatusTooManyRequests {
		t.Error("query route throttled by embed quota")
	}
}

func TestQueryWithoutBackends(t *testing.T) {
	srv, key := newTestServer(t, nil)

	rec := post(t, srv, "/rag/query", key, `{"query":"q"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status %d, want 503", rec.Code)
	}
}
