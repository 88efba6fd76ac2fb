package models

// ClientMessage represents a message from the client over the chat WebSocket.
// EntityType/EntityID are set when the user is looking at a specific record
// (an employee profile, an opening) and scope memory recall to it.
type ClientMessage struct {
	Type       string `json:"type"` // "chat_message" or "stop_generation"
	SessionID  string `json:"session_id"`
	Content    string `json:"content,omitempty"`
	EntityType string `json:"entity_type,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`
}

// ServerEvent represents one event sent to the client during a chat stream.
// Exactly one terminal event (error or done) is sent per stream.
type ServerEvent struct {
	Type    string `json:"type"` // "token", "replace", "error", "done"
	Token   string `json:"token,omitempty"`
	Content string `json:"content,omitempty"` // full corrected content for "replace"
	Error   string `json:"error,omitempty"`
	Message *Turn  `json:"message,omitempty"` // persisted assistant turn for "done"
}

// Event type constants for ServerEvent.Type
const (
	EventToken   = "token"
	EventReplace = "replace"
	EventError   = "error"
	EventDone    = "done"
)

// ChatRequest is the OpenAI-compatible request body for /chat/completions.
type ChatRequest struct {
	Model       string          `json:"model"`
	Messages    []PromptMessage `json:"messages"`
	Stream      bool            `json:"stream"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	ResponseFmt *ResponseFormat `json:"response_format,omitempty"`
}

// ResponseFormat requests structured output from providers that support it.
type ResponseFormat struct {
	Type string `json:"type"` // "json_object"
}

// CompletionResult is the decoded non-streaming completion response.
type CompletionResult struct {
	Content  string
	Provider string // name of the provider that served the request
}
