package handler

import (
	"net/http"

	"github.com/raggate/raggate/internal/model"
	"github.com/raggate/raggate/internal/token"
)

// TokenHandler exposes token usage reporting and pruning over HTTP. Key
// issuance stays on the CLI; the API never returns plaintext key material.
type TokenHandler struct {
	manager *token.Manager
}

// NewTokenHandler creates a new TokenHandler.
func NewTokenHandler(manager *token.Manager) *TokenHandler {
	return &TokenHandler{manager: manager}
}

// usageResponse is the payload for the Usage endpoint.
type usageResponse struct {
	Tokens []model.Token `json:"tokens"`
	Count  int           `json:"count"`
}

// Usage returns every token record with its usage metadata. Hashes are
// excluded by serialization; only display prefixes identify keys.
// GET /tokens/usage
func (h *TokenHandler) Usage(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.manager.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tokens: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, usageResponse{Tokens: tokens, Count: len(tokens)})
}

// pruneRequest is the optional payload for the Prune endpoint.
type pruneRequest struct {
	StaleDays int `json:"stale_days"`
}

// Prune permanently removes expired tokens and tokens with no activity in
// the stale window. The window comes from the JSON body or the stale_days
// query parameter; zero selects the default.
// POST /tokens/prune
func (h *TokenHandler) Prune(w http.ResponseWriter, r *http.Request) {
	var req pruneRequest
	if r.ContentLength > 0 {
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	if req.StaleDays == 0 {
		req.StaleDays = queryInt(r, "stale_days", 0)
	}

	result, err := h.manager.Prune(r.Context(), req.StaleDays)
	if err != nil {
		if req.StaleDays < 0 {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "prune failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}
