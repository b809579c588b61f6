package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/raggate/raggate/internal/rag"
	"github.com/raggate/raggate/internal/store"
)

// HealthHandler reports liveness and backend reachability. The route is
// deliberately unauthenticated so load balancers can probe it.
type HealthHandler struct {
	store    *store.Store
	embed    *rag.EmbedClient
	searcher *rag.Searcher
	version  string
	started  time.Time
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(s *store.Store, embed *rag.EmbedClient, searcher *rag.Searcher, version string) *HealthHandler {
	return &HealthHandler{
		store:    s,
		embed:    embed,
		searcher: searcher,
		version:  version,
		started:  time.Now(),
	}
}

// healthResponse is the payload for the Health endpoint.
type healthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	UptimeSecs int64             `json:"uptime_seconds"`
	Components map[string]string `json:"components"`
}

// Health checks each backend with a short deadline. The response is 200
// when everything answers and 503 with per-component detail otherwise.
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	components := map[string]string{}
	healthy := true

	if err := h.store.Ping(ctx); err != nil {
		components["store"] = err.Error()
		healthy = false
	} else {
		components["store"] = "ok"
	}

	if h.embed != nil {
		if err := h.embed.Ping(ctx); err != nil {
			components["embedding"] = err.Error()
			healthy = false
		} else {
			components["embedding"] = "ok"
		}
	} else {
		components["embedding"] = "not configured"
	}

	if h.searcher != nil {
		if err := h.searcher.Ping(ctx); err != nil {
			components["vector_store"] = err.Error()
			healthy = false
		} else {
			components["vector_store"] = "ok"
		}
	} else {
		components["vector_store"] = "not configured"
	}

	status := http.StatusOK
	label := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		label = "degraded"
	}
	writeJSON(w, status, healthResponse{
		Status:     label,
		Version:    h.version,
		UptimeSecs: int64(time.Since(h.started).Seconds()),
		Components: components,
	})
}
