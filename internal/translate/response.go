package translate

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/nulpointcorp/multimodal-gateway/internal/providers"
)

// StopReason maps an internal finish reason onto the /v1/messages vocabulary.
//
//	length     → max_tokens
//	tool_calls → tool_use
//	anything else (including empty) → end_turn
func StopReason(finishReason string) string {
	switch finishReason {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return "end_turn"
	}
}

// ResponseFromChat converts an internal chat response into a /v1/messages
// envelope: one text block (if any text was produced) followed by one
// tool_use block per invocation, arguments parsed from their JSON string.
func ResponseFromChat(resp *providers.ChatResponse, model string) *MessagesResponse {
	out := &MessagesResponse{
		ID:         messageID(resp.ID),
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		StopReason: StopReason(resp.FinishReason),
		Content:    []OutBlock{},
		Usage: WireUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}

	if resp.Content != "" {
		out.Content = append(out.Content, OutBlock{Type: "text", Text: resp.Content})
	}

	for _, tc := range resp.ToolCalls {
		input := map[string]any{}
		if tc.Function.Arguments != "" {
			// Unparseable arguments degrade to an empty input object.
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
		}
		out.Content = append(out.Content, OutBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}

	return out
}

// messageID derives a surface-native message ID, minting one when the backend
// response carries none.
func messageID(backendID string) string {
	if backendID != "" {
		return "msg_" + backendID
	}
	return "msg_" + uuid.NewString()
}
