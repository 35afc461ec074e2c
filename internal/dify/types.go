package dify

// Wire types for the Dify-compatible chat-completion API. These never leak
// past this package: everything downstream consumes model.StreamEvent and the
// converted history types.

// chatMessagesRequest is the body of POST /chat-messages.
type chatMessagesRequest struct {
	Inputs           map[string]any `json:"inputs"`
	Query            string         `json:"query"`
	ResponseMode     string         `json:"response_mode"`
	ConversationID   string         `json:"conversation_id,omitempty"`
	User             string         `json:"user"`
	Files            []fileRef      `json:"files,omitempty"`
	AutoGenerateName bool           `json:"auto_generate_name"`
}

// fileRef is an attachment reference sent with a turn: either an
// already-uploaded file id or a remote URL with a declared kind.
type fileRef struct {
	Type           string `json:"type"`
	TransferMethod string `json:"transfer_method"`
	URL            string `json:"url,omitempty"`
	UploadFileID   string `json:"upload_file_id,omitempty"`
}

// streamRecord is the superset of fields carried by the upstream SSE records.
// Which fields are meaningful depends on Event.
type streamRecord struct {
	Event          string `json:"event"`
	TaskID         string `json:"task_id,omitempty"`
	ID             string `json:"id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	CreatedAt      int64  `json:"created_at,omitempty"`

	// message / agent_message / message_replace
	Answer string `json:"answer,omitempty"`

	// agent_thought
	Thought     string `json:"thought,omitempty"`
	Observation string `json:"observation,omitempty"`
	Tool        string `json:"tool,omitempty"`

	// message_file
	Type      string `json:"type,omitempty"`
	BelongsTo string `json:"belongs_to,omitempty"`
	URL       string `json:"url,omitempty"`

	// error
	Status  int    `json:"status,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// conversationsResponse is the body of GET /conversations.
type conversationsResponse struct {
	Data    []conversationItem `json:"data"`
	HasMore bool               `json:"has_more"`
	Limit   int                `json:"limit"`
}

type conversationItem struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// messagesResponse is the body of GET /messages.
type messagesResponse struct {
	Data    []messageItem `json:"data"`
	HasMore bool          `json:"has_more"`
	Limit   int           `json:"limit"`
}

// messageItem is one upstream history record: a user query paired with the
// assistant answer it produced.
type messageItem struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Query          string            `json:"query"`
	Answer         string            `json:"answer"`
	CreatedAt      int64             `json:"created_at"`
	MessageFiles   []messageFileItem `json:"message_files,omitempty"`
}

type messageFileItem struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	URL       string `json:"url"`
	BelongsTo string `json:"belongs_to"`
}

// renameRequest is the body of POST /conversations/{id}/name.
type renameRequest struct {
	Name         string `json:"name,omitempty"`
	AutoGenerate bool   `json:"auto_generate,omitempty"`
	User         string `json:"user"`
}

// userRequest is the body of requests that only carry the caller identity.
type userRequest struct {
	User string `json:"user"`
}
