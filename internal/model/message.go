package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a single message in a session. Content is mutable while
// Streaming is set and final once it clears. Attachments are deduplicated by
// URL within the message.
type Message struct {
	ID          string           `json:"id"`
	Role        Role             `json:"role"`
	Content     string           `json:"content"`
	CreatedAt   time.Time        `json:"created_at"`
	Attachments []FileAttachment `json:"attachments,omitempty"`
	Streaming   bool             `json:"streaming,omitempty"`
	Failed      bool             `json:"failed,omitempty"`
}

// SendTurnRequest is the request to send one conversation turn.
type SendTurnRequest struct {
	Prompt string           `json:"prompt"`
	Files  []FileAttachment `json:"files,omitempty"`
}
