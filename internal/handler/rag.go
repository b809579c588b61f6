package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/raggate/raggate/internal/rag"
)

// RAGHandler serves the embedding and retrieval endpoints. Either backend
// may be absent at startup; the corresponding route then answers 503 rather
// than failing at boot.
type RAGHandler struct {
	embed    *rag.EmbedClient
	searcher *rag.Searcher
	topK     int
	logger   *slog.Logger
}

// NewRAGHandler creates a new RAGHandler. embed and searcher may be nil.
func NewRAGHandler(embed *rag.EmbedClient, searcher *rag.Searcher, topK int, logger *slog.Logger) *RAGHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if topK <= 0 {
		topK = rag.DefaultTopK
	}
	return &RAGHandler{embed: embed, searcher: searcher, topK: topK, logger: logger}
}

// embedRequest is the payload for the Embed endpoint.
type embedRequest struct {
	Text string `json:"text"`
}

// embedResponse is the response payload for a successful embedding.
type embedResponse struct {
	Embedding  []float32 `json:"embedding"`
	Dimensions int       `json:"dimensions"`
}

// Embed returns the embedding vector for the supplied text.
// POST /embed
func (h *RAGHandler) Embed(w http.ResponseWriter, r *http.Request) {
	if h.embed == nil {
		writeError(w, http.StatusServiceUnavailable, "embedding backend not configured")
		return
	}

	var req embedRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	vec, err := h.embed.Embed(r.Context(), req.Text)
	if err != nil {
		h.logger.Error("embedding failed", "error", err)
		writeError(w, http.StatusBadGateway, "embedding backend error")
		return
	}
	writeJSON(w, http.StatusOK, embedResponse{Embedding: vec, Dimensions: len(vec)})
}

// queryRequest is the payload for the Query endpoint.
type queryRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

// queryResponse is the response payload for a retrieval query.
type queryResponse struct {
	Chunks []rag.Chunk `json:"chunks"`
	Count  int         `json:"count"`
}

// Query embeds the question and returns the most similar document chunks
// from the vector store.
// POST /rag/query
func (h *RAGHandler) Query(w http.ResponseWriter, r *http.Request) {
	if h.embed == nil || h.searcher == nil {
		writeError(w, http.StatusServiceUnavailable, "retrieval backend not configured")
		return
	}

	var req queryRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.TopK <= 0 {
		req.TopK = h.topK
	}

	vec, err := h.embed.Embed(r.Context(), req.Query)
	if err != nil {
		h.logger.Error("query embedding failed", "error", err)
		writeError(w, http.StatusBadGateway, "embedding backend error")
		return
	}

	chunks, err := h.searcher.Search(r.Context(), vec, req.TopK)
	if err != nil {
		h.logger.Error("similarity search failed", "error", err)
		writeError(w, http.StatusInternalServerError, "retrieval failed")
		return
	}
	writeJSON(w, http.StatusOK, queryResponse{Chunks: chunks, Count: len(chunks)})
}
