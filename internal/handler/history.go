package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sga-jerrylin/sga-workspace-dify-sub000/internal/history"
	"github.com/sga-jerrylin/sga-workspace-dify-sub000/internal/model"
	"github.com/sga-jerrylin/sga-workspace-dify-sub000/internal/session"
	"github.com/sga-jerrylin/sga-workspace-dify-sub000/pkg/logger"
)

// HistoryHandler handles provider-side conversation history endpoints.
type HistoryHandler struct {
	cache    *history.Cache
	registry *session.Registry
	logger   *logger.Logger
}

// NewHistoryHandler creates a new history handler.
func NewHistoryHandler(cache *history.Cache, registry *session.Registry, log *logger.Logger) *HistoryHandler {
	return &HistoryHandler{
		cache:    cache,
		registry: registry,
		logger:   log,
	}
}

// List handles GET /api/v1/history
// ?refresh=1 forces a refetch of the first page, ?more=1 pages further.
func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	forceRefresh := q.Get("refresh") == "1"
	loadMore := q.Get("more") == "1"

	conversations, hasMore, err := h.cache.ListConversations(r.Context(), forceRefresh, loadMore)
	if err != nil {
		h.logger.Error("failed to list conversations", zap.Error(err))
		writeError(w, statusForError(err), "failed to load conversation history")
		return
	}

	writeJSON(w, http.StatusOK, &model.ListConversationsResponse{
		Conversations: conversations,
		HasMore:       hasMore,
	})
}

// Messages handles GET /api/v1/history/{id}/messages
// An already-open conversation is answered from its local session.
func (h *HistoryHandler) Messages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	if sess, ok := h.registry.FindByConversation(conversationID); ok {
		writeJSON(w, http.StatusOK, &model.ListMessagesResponse{Messages: sess.Messages})
		return
	}

	msgs, err := h.cache.LoadMessages(r.Context(), conversationID)
	if err != nil {
		h.logger.Error("failed to load messages",
			zap.String("conversation_id", conversationID), zap.Error(err))
		writeError(w, statusForError(err), "failed to load message history")
		return
	}
	writeJSON(w, http.StatusOK, &model.ListMessagesResponse{Messages: msgs})
}

// Open handles POST /api/v1/history/{id}/open
// It promotes a historical conversation into a live session, replaying its
// messages. Opening an already-open conversation returns the existing session.
func (h *HistoryHandler) Open(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	if sess, ok := h.registry.FindByConversation(conversationID); ok {
		writeJSON(w, http.StatusOK, sess)
		return
	}

	msgs, err := h.cache.LoadMessages(r.Context(), conversationID)
	if err != nil {
		h.logger.Error("failed to load conversation for open",
			zap.String("conversation_id", conversationID), zap.Error(err))
		writeError(w, statusForError(err), "failed to open conversation")
		return
	}

	summary := h.findSummary(r.Context(), conversationID)
	sess := h.registry.Promote(summary, msgs)
	writeJSON(w, http.StatusOK, sess)
}

// findSummary looks the conversation up in the cached summary list so the
// promoted session inherits its title and timestamps. A conversation opened
// by id alone still promotes, with defaults.
func (h *HistoryHandler) findSummary(ctx context.Context, conversationID string) model.ConversationSummary {
	summaries, _, err := h.cache.ListConversations(ctx, false, false)
	if err == nil {
		for _, s := range summaries {
			if s.ID == conversationID {
				return s
			}
		}
	}
	return model.ConversationSummary{ID: conversationID}
}
