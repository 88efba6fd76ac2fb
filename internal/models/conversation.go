package models

import "time"

// Role constants for conversation turns
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Session groups conversation turns for one user conversation.
// ContextSummary and SummaryCoverage advance monotonically as older turns
// are folded into the summary; they are the only mutable fields.
type Session struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Title           string    `json:"title"`
	ContextSummary  string    `json:"context_summary,omitempty"`
	SummaryCoverage int       `json:"summary_coverage"` // turns already folded into the summary
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Turn is a single message in a session. Immutable once written.
type Turn struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// PromptMessage is one message in the wire format sent to the model provider.
type PromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
