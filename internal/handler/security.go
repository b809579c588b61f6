package handler

import (
	"net/http"
	"time"

	"github.com/raggate/raggate/internal/audit"
)

// SecurityHandler exposes the aggregated audit log.
type SecurityHandler struct {
	auditor *audit.Auditor
}

// NewSecurityHandler creates a new SecurityHandler.
func NewSecurityHandler(auditor *audit.Auditor) *SecurityHandler {
	return &SecurityHandler{auditor: auditor}
}

// Audit returns the audit summary for the trailing window. The window query
// parameter takes a Go duration ("24h", "30m"); it defaults to 24 hours.
// GET /security/audit
func (h *SecurityHandler) Audit(w http.ResponseWriter, r *http.Request) {
	window := time.Duration(0)
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid window: expected a positive duration like 24h")
			return
		}
		window = d
	}

	sum, err := h.auditor.Summarize(r.Context(), window)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to summarize audit log: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
