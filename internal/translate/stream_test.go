package translate

import (
	"encoding/json"
	"errors"
	"testing"
)

type capturedEvent struct {
	name string
	data map[string]any
}

// recordingSink collects emitted events for inspection.
type recordingSink struct {
	events []capturedEvent
	fail   bool
}

func (s *recordingSink) sink(event string, data []byte) error {
	if s.fail {
		return errors.New("client gone")
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	s.events = append(s.events, capturedEvent{name: event, data: payload})
	return nil
}

func (s *recordingSink) names() []string {
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.name
	}
	return out
}

func assertSequence(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d events %v, got %d: %v", len(want), want, len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %q, got %q (full: %v)", i, want[i], got[i], got)
		}
	}
}

func TestTranscoder_LiveSequence(t *testing.T) {
	rs := &recordingSink{}
	var completed string
	tr := NewTranscoder("claude-3-5-sonnet-20241022", rs.sink, func(s string) { completed = s })

	if err := tr.Delta("Hello"); err != nil {
		t.Fatalf("delta: %v", err)
	}
	if err := tr.Delta(", world"); err != nil {
		t.Fatalf("delta: %v", err)
	}
	if err := tr.Finish("stop"); err != nil {
		t.Fatalf("finish: %v", err)
	}

	assertSequence(t, rs.names(), []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	})

	// message_start carries the requested model and an assistant envelope.
	msg := rs.events[0].data["message"].(map[string]any)
	if msg["model"] != "claude-3-5-sonnet-20241022" || msg["role"] != "assistant" {
		t.Errorf("unexpected message_start payload: %+v", msg)
	}

	// Deltas relay the original text.
	d := rs.events[2].data["delta"].(map[string]any)
	if d["type"] != "text_delta" || d["text"] != "Hello" {
		t.Errorf("unexpected delta payload: %+v", d)
	}

	// Usage estimate: "Hello, world" is 12 chars → 3 tokens.
	md := rs.events[5].data
	usage := md["usage"].(map[string]any)
	if usage["output_tokens"].(float64) != 3 {
		t.Errorf("expected 3 output tokens, got %v", usage["output_tokens"])
	}
	stop := md["delta"].(map[string]any)["stop_reason"]
	if stop != "end_turn" {
		t.Errorf("unexpected stop_reason: %v", stop)
	}

	if completed != "Hello, world" {
		t.Errorf("onComplete transcript = %q", completed)
	}
	if tr.Transcript() != "Hello, world" {
		t.Errorf("Transcript() = %q", tr.Transcript())
	}
}

func TestTranscoder_UsageRoundsUp(t *testing.T) {
	rs := &recordingSink{}
	tr := NewTranscoder("m", rs.sink, nil)

	_ = tr.Delta("abcde") // 5 chars → ceil(5/4) = 2
	_ = tr.Finish("stop")

	for _, e := range rs.events {
		if e.name != "message_delta" {
			continue
		}
		got := e.data["usage"].(map[string]any)["output_tokens"].(float64)
		if got != 2 {
			t.Errorf("expected 2 output tokens, got %v", got)
		}
		return
	}
	t.Fatal("message_delta not emitted")
}

func TestTranscoder_FinishExactlyOnce(t *testing.T) {
	rs := &recordingSink{}
	tr := NewTranscoder("m", rs.sink, nil)

	_ = tr.Delta("x")
	if err := tr.Finish("stop"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	n := len(rs.events)

	// A second finish is a silent no-op.
	if err := tr.Finish("stop"); err != nil {
		t.Fatalf("second finish: %v", err)
	}
	if len(rs.events) != n {
		t.Errorf("second finish emitted %d extra events", len(rs.events)-n)
	}

	// Deltas after close are rejected.
	if err := tr.Delta("y"); err == nil {
		t.Error("expected error for delta after close")
	}
}

func TestTranscoder_FinishWithoutDeltasStillOpens(t *testing.T) {
	rs := &recordingSink{}
	tr := NewTranscoder("m", rs.sink, nil)

	if err := tr.Finish("stop"); err != nil {
		t.Fatalf("finish: %v", err)
	}

	assertSequence(t, rs.names(), []string{
		"message_start",
		"content_block_start",
		"content_block_stop",
		"message_delta",
		"message_stop",
	})
}

func TestTranscoder_Fail(t *testing.T) {
	rs := &recordingSink{}
	var completed bool
	tr := NewTranscoder("m", rs.sink, func(string) { completed = true })

	_ = tr.Delta("partial")
	if err := tr.Fail(errors.New("upstream broke")); err != nil {
		t.Fatalf("fail: %v", err)
	}

	last := rs.events[len(rs.events)-1]
	if last.name != "error" {
		t.Fatalf("expected terminal error event, got %q", last.name)
	}
	ed := last.data["error"].(map[string]any)
	if ed["type"] != "api_error" || ed["message"] != "upstream broke" {
		t.Errorf("unexpected error payload: %+v", ed)
	}
	if !completed {
		t.Error("onComplete must fire on failure")
	}

	// No events after the terminal error.
	n := len(rs.events)
	_ = tr.Fail(errors.New("again"))
	_ = tr.Finish("stop")
	if len(rs.events) != n {
		t.Errorf("events emitted after terminal error: %v", rs.names()[n:])
	}
}

func TestTranscoder_FailAfterCloseIsNoop(t *testing.T) {
	rs := &recordingSink{}
	tr := NewTranscoder("m", rs.sink, nil)

	_ = tr.Replay("done", "stop")
	n := len(rs.events)

	if err := tr.Fail(errors.New("late")); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if len(rs.events) != n {
		t.Error("Fail after close must not emit")
	}
}

func TestTranscoder_Replay(t *testing.T) {
	rs := &recordingSink{}
	tr := NewTranscoder("m", rs.sink, nil)

	if err := tr.Replay("cached answer", "length"); err != nil {
		t.Fatalf("replay: %v", err)
	}

	assertSequence(t, rs.names(), []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	})

	for _, e := range rs.events {
		if e.name == "message_delta" {
			stop := e.data["delta"].(map[string]any)["stop_reason"]
			if stop != "max_tokens" {
				t.Errorf("unexpected stop_reason: %v", stop)
			}
		}
	}
}

func TestTranscoder_ReplayResponse(t *testing.T) {
	rs := &recordingSink{}
	tr := NewTranscoder("m", rs.sink, nil)

	resp := &MessagesResponse{
		Content: []OutBlock{
			{Type: "text", Text: "part one "},
			{Type: "tool_use", ID: "call_1", Name: "f"},
			{Type: "text", Text: "part two"},
		},
		StopReason: "max_tokens",
	}
	if err := tr.ReplayResponse(resp); err != nil {
		t.Fatalf("replay response: %v", err)
	}

	if tr.Transcript() != "part one part two" {
		t.Errorf("text blocks not concatenated: %q", tr.Transcript())
	}
	for _, e := range rs.events {
		if e.name == "message_delta" {
			stop := e.data["delta"].(map[string]any)["stop_reason"]
			if stop != "max_tokens" {
				t.Errorf("stop reason not reconstructed: %v", stop)
			}
		}
	}
}

func TestTranscoder_SinkErrorPoisonsStream(t *testing.T) {
	rs := &recordingSink{fail: true}
	tr := NewTranscoder("m", rs.sink, nil)

	if err := tr.Delta("x"); err == nil {
		t.Fatal("expected sink error")
	}
	// Stream is now terminal.
	if err := tr.Delta("y"); err == nil {
		t.Error("expected error for delta after sink failure")
	}
}
