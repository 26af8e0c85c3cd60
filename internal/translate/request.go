package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nulpointcorp/multimodal-gateway/internal/providers"
)

// RequestToChat converts an inbound /v1/messages request into the internal
// canonical chat form.
//
// Conversion rules:
//   - a system prompt becomes a leading system-role message;
//   - tool_use blocks become structured invocation records on a message of
//     their own — assistant text and tool bookkeeping never share one
//     envelope;
//   - tool_result blocks are emitted as separate tool-role messages;
//   - image blocks are normalized into the universal embedded-data part
//     regardless of original encoding.
func RequestToChat(req *MessagesRequest) (*providers.ChatRequest, error) {
	out := &providers.ChatRequest{
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	if sys := systemText(req.System); sys != "" {
		out.Messages = append(out.Messages, providers.ChatMessage{
			Role:    "system",
			Content: providers.TextContent(sys),
		})
	}

	for i, m := range req.Messages {
		msgs, err := convertMessage(m)
		if err != nil {
			return nil, fmt.Errorf("translate: message %d: %w", i, err)
		}
		out.Messages = append(out.Messages, msgs...)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, providers.Tool{
			Type: "function",
			Function: providers.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	return out, nil
}

// systemText flattens the system field, which is a bare string or an array of
// text blocks on the wire.
func systemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// convertMessage translates one inbound message into one or more internal
// messages. Block-structured content may fan out: tool results become
// tool-role messages and tool invocations get an envelope of their own.
func convertMessage(m InboundMessage) ([]providers.ChatMessage, error) {
	// Bare string content.
	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		return []providers.ChatMessage{{Role: m.Role, Content: providers.TextContent(text)}}, nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, fmt.Errorf("content is neither string nor block array: %w", err)
	}

	var (
		msgs      []providers.ChatMessage
		parts     []providers.ContentPart
		toolCalls []providers.ToolCall
	)

	flushParts := func() {
		if len(parts) == 0 {
			return
		}
		msgs = append(msgs, providers.ChatMessage{
			Role:    m.Role,
			Content: providers.MessageContent{Parts: parts},
		})
		parts = nil
	}

	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, providers.ContentPart{Type: "text", Text: b.Text})

		case "image":
			if b.Source == nil {
				continue
			}
			parts = append(parts, providers.ContentPart{
				Type:     "image_url",
				ImageURL: &providers.ImageURL{URL: imageRef(b.Source)},
			})

		case "tool_use":
			toolCalls = append(toolCalls, providers.ToolCall{
				ID:   b.ID,
				Type: "function",
				Function: providers.FunctionCall{
					Name:      b.Name,
					Arguments: string(b.Input),
				},
			})

		case "tool_result":
			// Tool results get their own tool-role message, preserving order.
			flushParts()
			msgs = append(msgs, providers.ChatMessage{
				Role:       "tool",
				ToolCallID: b.ToolUseID,
				Content:    providers.TextContent(resultText(b.Content)),
			})
		}
	}

	flushParts()

	if len(toolCalls) > 0 {
		msgs = append(msgs, providers.ChatMessage{
			Role:      "assistant",
			ToolCalls: toolCalls,
		})
	}

	if len(msgs) == 0 {
		msgs = append(msgs, providers.ChatMessage{Role: m.Role})
	}

	return msgs, nil
}

// imageRef normalizes an image source into a single reference: base64 sources
// become a data URI, URL sources pass through.
func imageRef(src *ImageSource) string {
	if src.Type == "url" || src.URL != "" {
		return src.URL
	}
	mt := src.MediaType
	if mt == "" {
		mt = "image/jpeg"
	}
	return fmt.Sprintf("data:%s;base64,%s", mt, src.Data)
}

// resultText flattens a tool_result content field, which is a bare string or
// an array of text blocks.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
