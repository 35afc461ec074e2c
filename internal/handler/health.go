package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/sga-jerrylin/sga-workspace-dify-sub000/internal/dify"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	client *dify.Client
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(client *dify.Client) *HealthHandler {
	return &HealthHandler{
		client: client,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
// Readiness probes the provider with a minimal conversation list request.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if _, err := h.client.ListConversations(ctx, "", 1); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "provider unreachable",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
