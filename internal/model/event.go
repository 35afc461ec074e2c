package model

// EventKind represents the kind of a normalized stream event.
type EventKind string

const (
	EventContent  EventKind = "content"
	EventThinking EventKind = "thinking"
	EventFile     EventKind = "file"
	EventComplete EventKind = "complete"
	EventError    EventKind = "error"
)

// StreamEvent is the normalized representation of one unit of streamed
// information, decoupled from the upstream wire format. Exactly one of
// EventComplete or EventError terminates a turn; no further events follow.
type StreamEvent struct {
	Kind EventKind `json:"kind"`

	// Text carries the delta for content events, the auxiliary text for
	// thinking events, the full merged answer for complete events, and the
	// human-readable message for error events.
	Text string `json:"text,omitempty"`

	// Replace marks a content event whose text supersedes everything
	// accumulated so far instead of extending it.
	Replace bool `json:"replace,omitempty"`

	// File is set for file events.
	File *FileAttachment `json:"file,omitempty"`

	// Attachments is set for complete events: the union of provider-declared
	// files and attachments detected in the final text, deduplicated by URL.
	Attachments []FileAttachment `json:"attachments,omitempty"`

	// ConversationID is the opaque provider-issued conversation identity,
	// when the source record carried one.
	ConversationID string `json:"conversation_id,omitempty"`

	// TaskID identifies the in-flight upstream task, used to request a stop.
	TaskID string `json:"task_id,omitempty"`
}

// Terminal reports whether the event ends a turn.
func (e *StreamEvent) Terminal() bool {
	return e.Kind == EventComplete || e.Kind == EventError
}
