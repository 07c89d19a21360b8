package models

import "time"

// SessionStateSchemaVersion is the only snapshot schema this build reads or
// writes. Stores must ignore records carrying any other version.
const SessionStateSchemaVersion = 1

// SessionState is the durable snapshot of one session's conversation,
// persisted after every run and reloaded when an agent is rebuilt.
type SessionState struct {
	SchemaVersion int            `json:"schema_version"`
	SessionID     string         `json:"session_id"`
	UpdatedAt     time.Time      `json:"updated_at"`
	RunID         string         `json:"run_id,omitempty"`
	InvokeSeq     int            `json:"invoke_seq,omitempty"`
	Messages      []Message      `json:"messages"`
	Meta          map[string]any `json:"meta,omitempty"`
}

// LastUserMessage renders the most recent user message as plain text, or ""
// when the history has none.
func (s *SessionState) LastUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i].Content.PlainText()
		}
	}
	return ""
}

// SessionSummary is the listing row for a stored session.
type SessionSummary struct {
	SessionID       string    `json:"session_id"`
	UpdatedAt       time.Time `json:"updated_at"`
	RunID           string    `json:"run_id,omitempty"`
	MessageCount    int       `json:"message_count"`
	LastUserMessage string    `json:"last_user_message,omitempty"`
}
