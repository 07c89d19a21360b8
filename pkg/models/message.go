package models

import (
	"encoding/json"
	"strings"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleReasoning Role = "reasoning"
)

// Message is one entry in a session's conversation history. The role
// determines which optional fields are meaningful: assistant messages may
// carry tool calls, tool messages carry the paired call id and output.
type Message struct {
	Role       Role       `json:"role"`
	Content    *Content   `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

// ToolCall represents an assistant's request to execute a tool.
type ToolCall struct {
	ID       string       `json:"id"`
	Function ToolFunction `json:"function"`
}

// ToolFunction carries the tool name and its arguments as a JSON string,
// exactly as produced by the provider.
type ToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Content part types.
const (
	PartText     = "text"
	PartImageURL = "image_url"
)

// ContentPart is one element of a multi-part message content. Unknown part
// types survive round-trips through the preserved raw encoding.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`

	raw json.RawMessage
}

// ImageURL points at image content referenced from a message part.
type ImageURL struct {
	URL string `json:"url"`
}

// UnmarshalJSON keeps the original encoding for part types this package does
// not model, so persisted histories round-trip unchanged.
func (p *ContentPart) UnmarshalJSON(data []byte) error {
	type alias ContentPart
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = ContentPart(a)
	if p.Type != PartText && p.Type != PartImageURL {
		p.raw = append(json.RawMessage(nil), data...)
	}
	return nil
}

// MarshalJSON re-emits preserved raw encodings for unknown part types.
func (p ContentPart) MarshalJSON() ([]byte, error) {
	if p.raw != nil {
		return p.raw, nil
	}
	type alias ContentPart
	return json.Marshal(alias(p))
}

// Content is either plain text or an ordered sequence of parts. Legacy
// snapshots stored either shape (or null), so unmarshalling is tolerant:
// strings, arrays and null all parse, and anything else is preserved as a
// single opaque part rather than rejected.
type Content struct {
	Text  string
	Parts []ContentPart
}

// TextContent builds a plain-text content value.
func TextContent(s string) *Content {
	return &Content{Text: s}
}

// UnmarshalJSON accepts a JSON string, a parts array, or null.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == "" {
		*c = Content{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Content{Text: s}
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err == nil {
		*c = Content{Parts: parts}
		return nil
	}
	*c = Content{Parts: []ContentPart{{Type: "other", raw: append(json.RawMessage(nil), data...)}}}
	return nil
}

// MarshalJSON emits a string for plain text and an array for parts.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// PlainText renders content for display: text parts are concatenated and
// image parts render as "[image]". Unknown parts are skipped.
func (c *Content) PlainText() string {
	if c == nil {
		return ""
	}
	if c.Parts == nil {
		return c.Text
	}
	var b strings.Builder
	for _, p := range c.Parts {
		switch p.Type {
		case PartText:
			b.WriteString(p.Text)
		case PartImageURL:
			b.WriteString("[image]")
		}
	}
	return b.String()
}
