package model

import (
	"time"
)

// Session represents a local, UI-visible thread of messages. ConversationID is
// empty until the first turn completes, then immutable; it is the join key to
// the provider-side conversation.
type Session struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Messages       []*Message `json:"messages"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ConversationID string     `json:"conversation_id,omitempty"`
	FromHistory    bool       `json:"from_history,omitempty"`
}

// CreateSessionRequest is the request to start a new thread.
type CreateSessionRequest struct {
	Title string `json:"title"`
}

// RenameSessionRequest is the request to rename a thread.
type RenameSessionRequest struct {
	Title string `json:"title"`
}

// ListSessionsResponse is the response for listing sessions.
type ListSessionsResponse struct {
	Sessions []*Session `json:"sessions"`
	Total    int        `json:"total"`
}
