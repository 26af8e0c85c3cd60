// Package providers defines the common types and interfaces shared by the
// upstream model backends.
//
// Two backend roles exist: the Reasoner (DeepSeek — text-only chat, streaming
// or single-shot) and the Perceiver (Gemini — converts images, audio, video
// and documents into descriptive text, and can answer requests directly for
// the low-latency model class). Each backend lives in its own sub-package.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type (
	// StreamChunk is a single token chunk delivered during a streaming response.
	StreamChunk struct {
		Content      string
		FinishReason string
	}

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// ImageURL references an image by URL or data URI.
	ImageURL struct {
		URL string `json:"url"`
	}

	// InputAudio carries inline base64 audio.
	InputAudio struct {
		Data   string `json:"data"`
		Format string `json:"format"`
	}

	// FileRef carries an inline file blob or a file reference.
	FileRef struct {
		Filename string `json:"filename,omitempty"`
		FileData string `json:"file_data,omitempty"`
		FileID   string `json:"file_id,omitempty"`
	}

	// ContentPart is one element of a multi-part message content array.
	ContentPart struct {
		Type       string      `json:"type"`
		Text       string      `json:"text,omitempty"`
		ImageURL   *ImageURL   `json:"image_url,omitempty"`
		InputAudio *InputAudio `json:"input_audio,omitempty"`
		File       *FileRef    `json:"file,omitempty"`
	}

	// ToolCall is a structured tool invocation emitted by the assistant.
	ToolCall struct {
		ID       string       `json:"id"`
		Type     string       `json:"type"`
		Function FunctionCall `json:"function"`
	}

	// FunctionCall holds the function name and its JSON-encoded arguments.
	FunctionCall struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}

	// Tool is a tool definition offered to the model.
	Tool struct {
		Type     string             `json:"type"`
		Function FunctionDefinition `json:"function"`
	}

	// FunctionDefinition describes one callable function.
	FunctionDefinition struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	}

	// ChatMessage is a single turn in a conversation. Content accepts either a
	// bare string or an array of content parts on the wire.
	ChatMessage struct {
		Role       string         `json:"role"`
		Content    MessageContent `json:"content"`
		ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
		ToolCallID string         `json:"tool_call_id,omitempty"`
		Name       string         `json:"name,omitempty"`
	}

	// ChatRequest — normalized client request (OpenAI shape, internal canonical form).
	ChatRequest struct {
		Model       string        `json:"model"`
		Messages    []ChatMessage `json:"messages"`
		Stream      bool          `json:"stream,omitempty"`
		Temperature float64       `json:"temperature,omitempty"`
		MaxTokens   int           `json:"max_tokens,omitempty"`
		Tools       []Tool        `json:"tools,omitempty"`
		RequestID   string        `json:"-"`
	}

	// ChatResponse — normalized backend response.
	ChatResponse struct {
		ID           string
		Model        string
		Content      string
		FinishReason string
		ToolCalls    []ToolCall
		Usage        Usage
	}

	// Attachment is one piece of non-text content handed to the Perceiver,
	// already resolved to raw bytes.
	Attachment struct {
		// Kind is one of "image", "audio", "video", "document".
		Kind      string
		MediaType string
		Data      []byte
	}
)

// MessageContent is either a plain string or an ordered list of content parts.
// Exactly one of the two representations is populated.
type MessageContent struct {
	Text  string
	Parts []ContentPart
}

// UnmarshalJSON accepts both wire encodings: a JSON string or an array of parts.
func (m *MessageContent) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*m = MessageContent{}
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &m.Text)
	}
	return json.Unmarshal(data, &m.Parts)
}

// MarshalJSON emits a bare string unless content parts are present.
func (m MessageContent) MarshalJSON() ([]byte, error) {
	if m.Parts != nil {
		return json.Marshal(m.Parts)
	}
	return json.Marshal(m.Text)
}

// Flatten returns the textual content: the bare string, or all text parts
// joined with newlines when the multi-part form is used.
func (m MessageContent) Flatten() string {
	if m.Parts == nil {
		return m.Text
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == "text" && p.Text != "" {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// TextContent builds a plain-string MessageContent.
func TextContent(s string) MessageContent {
	return MessageContent{Text: s}
}

// Reasoner is the primary reasoning backend (text-only chat).
type Reasoner interface {
	Name() string
	Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
	HealthCheck(ctx context.Context) error
}

// Perceiver converts non-text content into descriptive text and can answer
// requests directly for the low-latency model class.
type Perceiver interface {
	Name() string
	Analyze(ctx context.Context, att Attachment, textContext string) (string, error)
	GenerateDirect(ctx context.Context, req *ChatRequest, atts []Attachment) (*ChatResponse, error)
	HealthCheck(ctx context.Context) error
}

// ErrContentRefused is returned by a Perceiver when the upstream declines to
// describe the content for policy reasons. Callers substitute a placeholder
// description and continue — a refusal never fails the whole request.
var ErrContentRefused = errors.New("content description refused by upstream")

// RefusalPlaceholder is the substitute description used when the Perceiver
// refuses content. kind is the attachment kind ("image", "audio", ...).
func RefusalPlaceholder(kind string) string {
	return fmt.Sprintf("[The %s could not be described due to content restrictions.]", kind)
}

// ProviderTimeout is the default per-backend HTTP timeout.
const ProviderTimeout = 30 * time.Second

// StatusCoder is implemented by backend errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}
