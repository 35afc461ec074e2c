package model

import (
	"time"
)

// ConversationSummary is one entry in the provider-side conversation list.
type ConversationSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListConversationsResponse is the response for listing historical conversations.
type ListConversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
	HasMore       bool                  `json:"has_more"`
}

// ListMessagesResponse is the response for a conversation's message history.
type ListMessagesResponse struct {
	Messages []*Message `json:"messages"`
}
