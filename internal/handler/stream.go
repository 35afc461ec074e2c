package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sga-jerrylin/sga-workspace-dify-sub000/internal/model"
	"github.com/sga-jerrylin/sga-workspace-dify-sub000/internal/session"
	"github.com/sga-jerrylin/sga-workspace-dify-sub000/pkg/logger"
)

// StreamHandler handles SSE streaming endpoints.
type StreamHandler struct {
	registry *session.Registry
	logger   *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(registry *session.Registry, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		registry: registry,
		logger:   log,
	}
}

// Stream handles POST /api/v1/sessions/{id}/stream
// It runs one conversation turn and relays each normalized event as SSE.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	cons, err := h.registry.Consumer(sessionID)
	if err != nil {
		writeError(w, statusForError(err), "session not found")
		return
	}

	var req model.SendTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" && len(req.Files) == 0 {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	h.runTurn(w, r, sessionID, func(flusher http.Flusher) error {
		return cons.Send(r.Context(), req.Prompt, req.Files, sseSink(w, flusher))
	})
}

// Resend handles POST /api/v1/sessions/{id}/resend
// It replays the inputs of the last failed turn and streams the new attempt.
func (h *StreamHandler) Resend(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	cons, err := h.registry.Consumer(sessionID)
	if err != nil {
		writeError(w, statusForError(err), "session not found")
		return
	}
	if cons.State() != session.StateError {
		writeError(w, http.StatusConflict, "nothing to resend")
		return
	}

	h.runTurn(w, r, sessionID, func(flusher http.Flusher) error {
		return cons.Resend(r.Context(), sseSink(w, flusher))
	})
}

// Cancel handles POST /api/v1/sessions/{id}/cancel
func (h *StreamHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	cons, err := h.registry.Consumer(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusForError(err), "session not found")
		return
	}

	cons.Cancel(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "cancelling",
	})
}

// runTurn sets up the SSE response and drives one turn. Precondition failures
// after headers are committed surface as a terminal SSE error event.
func (h *StreamHandler) runTurn(w http.ResponseWriter, r *http.Request, sessionID string, turn func(http.Flusher) error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	if err := turn(flusher); err != nil {
		h.logger.Warn("turn rejected",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		sendSSEEvent(w, flusher, string(model.EventError), &model.StreamEvent{
			Kind: model.EventError,
			Text: err.Error(),
		})
	}
}

// sseSink adapts an SSE response into an event sink. Events are delivered in
// order from a single goroutine, so no locking is needed here.
func sseSink(w http.ResponseWriter, flusher http.Flusher) session.EventSink {
	return func(ev *model.StreamEvent) {
		sendSSEEvent(w, flusher, string(ev.Kind), ev)
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()

	return nil
}
