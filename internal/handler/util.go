package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sga-jerrylin/sga-workspace-dify-sub000/internal/dify"
	"github.com/sga-jerrylin/sga-workspace-dify-sub000/internal/session"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// statusForError maps domain errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrTurnInFlight):
		return http.StatusConflict
	case errors.Is(err, session.ErrEmptyPrompt), errors.Is(err, session.ErrNothingToResend):
		return http.StatusBadRequest
	}

	var de *dify.Error
	if errors.As(err, &de) {
		switch de.Kind {
		case dify.KindRateLimited:
			return http.StatusTooManyRequests
		case dify.KindTimeout:
			return http.StatusGatewayTimeout
		default:
			return http.StatusBadGateway
		}
	}
	return http.StatusInternalServerError
}
