package translate

import (
	"encoding/json"
	"testing"
)

func rawStr(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

func TestRequestToChat_StringContent(t *testing.T) {
	req := &MessagesRequest{
		Model:     "claude-3-5-sonnet-20241022",
		MaxTokens: 100,
		Messages: []InboundMessage{
			{Role: "user", Content: rawStr("Hello")},
		},
	}

	out, err := RequestToChat(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(out.Messages))
	}
	if out.Messages[0].Role != "user" || out.Messages[0].Content.Flatten() != "Hello" {
		t.Errorf("unexpected message: %+v", out.Messages[0])
	}
	if out.MaxTokens != 100 {
		t.Errorf("max_tokens not carried: %d", out.MaxTokens)
	}
}

func TestRequestToChat_SystemPrompt(t *testing.T) {
	cases := []struct {
		name   string
		system json.RawMessage
		want   string
	}{
		{"bare string", rawStr("Be concise."), "Be concise."},
		{"block array", json.RawMessage(`[{"type":"text","text":"Be"},{"type":"text","text":"concise."}]`), "Be\nconcise."},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := &MessagesRequest{
				System:   tc.system,
				Messages: []InboundMessage{{Role: "user", Content: rawStr("hi")}},
			}
			out, err := RequestToChat(req)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(out.Messages) != 2 {
				t.Fatalf("expected system + user, got %d messages", len(out.Messages))
			}
			if out.Messages[0].Role != "system" || out.Messages[0].Content.Flatten() != tc.want {
				t.Errorf("unexpected system message: %+v", out.Messages[0])
			}
		})
	}
}

func TestRequestToChat_ImageBlocks(t *testing.T) {
	content := json.RawMessage(`[
		{"type":"text","text":"what is this?"},
		{"type":"image","source":{"type":"base64","media_type":"image/png","data":"iVBORw0="}},
		{"type":"image","source":{"type":"url","url":"https://example.com/b.jpg"}}
	]`)

	out, err := RequestToChat(&MessagesRequest{
		Messages: []InboundMessage{{Role: "user", Content: content}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(out.Messages))
	}

	parts := out.Messages[0].Content.Parts
	if len(parts) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(parts))
	}
	if parts[1].ImageURL == nil || parts[1].ImageURL.URL != "data:image/png;base64,iVBORw0=" {
		t.Errorf("base64 source must become a data URI: %+v", parts[1])
	}
	if parts[2].ImageURL == nil || parts[2].ImageURL.URL != "https://example.com/b.jpg" {
		t.Errorf("url source must pass through: %+v", parts[2])
	}
}

func TestRequestToChat_ToolUseSplitsMessage(t *testing.T) {
	content := json.RawMessage(`[
		{"type":"text","text":"Let me check the weather."},
		{"type":"tool_use","id":"toolu_1","name":"get_weather","input":{"city":"Paris"}}
	]`)

	out, err := RequestToChat(&MessagesRequest{
		Messages: []InboundMessage{{Role: "assistant", Content: content}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Text and tool invocation land in separate envelopes.
	if len(out.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(out.Messages))
	}
	if out.Messages[0].Content.Flatten() != "Let me check the weather." {
		t.Errorf("unexpected text message: %+v", out.Messages[0])
	}

	tc := out.Messages[1]
	if tc.Role != "assistant" || len(tc.ToolCalls) != 1 {
		t.Fatalf("unexpected tool-call message: %+v", tc)
	}
	call := tc.ToolCalls[0]
	if call.ID != "toolu_1" || call.Function.Name != "get_weather" {
		t.Errorf("unexpected tool call: %+v", call)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil || args["city"] != "Paris" {
		t.Errorf("unexpected arguments: %q", call.Function.Arguments)
	}
}

func TestRequestToChat_ToolResultBecomesToolMessage(t *testing.T) {
	content := json.RawMessage(`[
		{"type":"tool_result","tool_use_id":"toolu_1","content":"sunny, 22C"}
	]`)

	out, err := RequestToChat(&MessagesRequest{
		Messages: []InboundMessage{{Role: "user", Content: content}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(out.Messages))
	}

	m := out.Messages[0]
	if m.Role != "tool" || m.ToolCallID != "toolu_1" || m.Content.Flatten() != "sunny, 22C" {
		t.Errorf("unexpected tool message: %+v", m)
	}
}

func TestRequestToChat_ToolDefinitions(t *testing.T) {
	req := &MessagesRequest{
		Messages: []InboundMessage{{Role: "user", Content: rawStr("hi")}},
		Tools: []WireTool{{
			Name:        "get_weather",
			Description: "Fetch current weather",
			InputSchema: map[string]any{"type": "object"},
		}},
	}

	out, err := RequestToChat(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(out.Tools))
	}
	tool := out.Tools[0]
	if tool.Type != "function" || tool.Function.Name != "get_weather" {
		t.Errorf("unexpected tool: %+v", tool)
	}
}

func TestRequestToChat_InvalidContent(t *testing.T) {
	_, err := RequestToChat(&MessagesRequest{
		Messages: []InboundMessage{{Role: "user", Content: json.RawMessage(`42`)}},
	})
	if err == nil {
		t.Fatal("expected error for numeric content")
	}
}
