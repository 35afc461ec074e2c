package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sga-jerrylin/sga-workspace-dify-sub000/internal/model"
	"github.com/sga-jerrylin/sga-workspace-dify-sub000/internal/session"
	"github.com/sga-jerrylin/sga-workspace-dify-sub000/pkg/logger"
)

// SessionHandler handles session CRUD endpoints.
type SessionHandler struct {
	registry *session.Registry
	logger   *logger.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(registry *session.Registry, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		registry: registry,
		logger:   log,
	}
}

// Create handles POST /api/v1/sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req model.CreateSessionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	sess := h.registry.Create(strings.TrimSpace(req.Title))
	writeJSON(w, http.StatusCreated, sess)
}

// List handles GET /api/v1/sessions
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	sessions := h.registry.List()
	writeJSON(w, http.StatusOK, &model.ListSessionsResponse{
		Sessions: sessions,
		Total:    len(sessions),
	})
}

// Get handles GET /api/v1/sessions/{id}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, err := h.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusForError(err), "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Rename handles POST /api/v1/sessions/{id}/rename
func (h *SessionHandler) Rename(w http.ResponseWriter, r *http.Request) {
	var req model.RenameSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	sess, err := h.registry.Rename(r.Context(), chi.URLParam(r, "id"), title)
	if err != nil {
		writeError(w, statusForError(err), "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Delete handles DELETE /api/v1/sessions/{id}
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, statusForError(err), "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
