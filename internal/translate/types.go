// Package translate converts between the two inbound wire formats and drives
// the streaming event transcoder for the /v1/messages surface.
package translate

import "encoding/json"

// MessagesRequest mirrors the inbound POST /v1/messages body.
type MessagesRequest struct {
	Model       string           `json:"model"`
	Messages    []InboundMessage `json:"messages"`
	System      json.RawMessage  `json:"system,omitempty"`
	MaxTokens   int              `json:"max_tokens"`
	Stream      bool             `json:"stream,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
	Tools       []WireTool       `json:"tools,omitempty"`
}

// InboundMessage carries a role and a content field that is either a bare
// string or an array of content blocks.
type InboundMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentBlock is one element of a block-structured message content array.
type ContentBlock struct {
	Type string `json:"type"`

	// type == "text"
	Text string `json:"text,omitempty"`

	// type == "image"
	Source *ImageSource `json:"source,omitempty"`

	// type == "tool_use"
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// type == "tool_result"
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ImageSource carries an inline base64 image or a URL reference.
type ImageSource struct {
	Type      string `json:"type"` // "base64" | "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// WireTool is a tool definition in the /v1/messages format.
type WireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// MessagesResponse is the single-shot response envelope.
type MessagesResponse struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	Role         string     `json:"role"`
	Model        string     `json:"model"`
	Content      []OutBlock `json:"content"`
	StopReason   string     `json:"stop_reason"`
	StopSequence *string    `json:"stop_sequence"`
	Usage        WireUsage  `json:"usage"`
}

// OutBlock is one outbound content block: a text block or a tool_use block.
type OutBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// WireUsage reports token usage in the /v1/messages format.
type WireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
