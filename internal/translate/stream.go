package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// EventSink receives one named SSE event with its JSON payload. The sink must
// forward the event immediately — the transcoder never buffers output.
type EventSink func(event string, data []byte) error

// transcoder states.
const (
	stateInit = iota
	stateStreaming
	stateClosed
	stateError
)

// Transcoder converts an upstream text-delta stream into the /v1/messages
// event grammar while preserving cumulative text and exactly-once termination.
//
// State machine: INIT → STREAMING → CLOSED, plus terminal ERROR.
// On the first delta two synthetic events open the stream (message_start,
// content_block_start) before any text is relayed. Every upstream delta
// becomes one content_block_delta. The finish signal emits
// content_block_stop, a message_delta carrying the usage estimate, and
// message_stop — exactly once per stream. The same transcoder serves live
// backend streams and one-shot synthetic replays of cached or deduplicated
// responses (see Replay).
type Transcoder struct {
	model      string
	sink       EventSink
	onComplete func(transcript string)

	state      int
	transcript strings.Builder
	completed  bool
}

// NewTranscoder creates a Transcoder. onComplete fires exactly once with the
// full accumulated transcript, on either Finish or Fail. It may be nil.
func NewTranscoder(model string, sink EventSink, onComplete func(string)) *Transcoder {
	return &Transcoder{
		model:      model,
		sink:       sink,
		onComplete: onComplete,
	}
}

// Delta relays one upstream text delta. The first delta opens the stream.
func (t *Transcoder) Delta(text string) error {
	switch t.state {
	case stateClosed, stateError:
		return fmt.Errorf("translate: delta after stream end")
	case stateInit:
		if err := t.open(); err != nil {
			return err
		}
	}

	t.transcript.WriteString(text)

	return t.emit("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": 0,
		"delta": map[string]any{"type": "text_delta", "text": text},
	})
}

// Finish closes the stream: content_block_stop, a usage summary, and the
// terminal message_stop — exactly once. A stream that finished without any
// delta is still opened first so the event sequence stays well-formed.
func (t *Transcoder) Finish(finishReason string) error {
	switch t.state {
	case stateClosed, stateError:
		return nil
	case stateInit:
		if err := t.open(); err != nil {
			return err
		}
	}

	if err := t.emit("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": 0,
	}); err != nil {
		return err
	}

	// Token estimate: ~4 characters per token, rounded up.
	outputTokens := (t.transcript.Len() + 3) / 4

	if err := t.emit("message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   StopReason(finishReason),
			"stop_sequence": nil,
		},
		"usage": map[string]any{"output_tokens": outputTokens},
	}); err != nil {
		return err
	}

	if err := t.emit("message_stop", map[string]any{"type": "message_stop"}); err != nil {
		return err
	}

	t.state = stateClosed
	t.complete()
	return nil
}

// Fail emits a single terminal error event; no further events follow.
// Calling Fail after the stream closed is a no-op.
func (t *Transcoder) Fail(err error) error {
	if t.state == stateClosed || t.state == stateError {
		return nil
	}
	t.state = stateError

	serr := t.emit("error", map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    "api_error",
			"message": err.Error(),
		},
	})
	t.complete()
	return serr
}

// Replay feeds a completed response through the transcoder as a one-shot
// synthetic upstream: one delta carrying the full text, then the finish
// signal. Used for cache hits, deduplicated calls, and the direct path.
func (t *Transcoder) Replay(content, finishReason string) error {
	if content != "" {
		if err := t.Delta(content); err != nil {
			return err
		}
	}
	return t.Finish(finishReason)
}

// ReplayResponse feeds a completed wire response through the transcoder,
// reconstructing the internal finish reason from the response's stop reason.
func (t *Transcoder) ReplayResponse(resp *MessagesResponse) error {
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}

	finish := "stop"
	switch resp.StopReason {
	case "max_tokens":
		finish = "length"
	case "tool_use":
		finish = "tool_calls"
	}

	return t.Replay(sb.String(), finish)
}

// Transcript returns the text accumulated so far.
func (t *Transcoder) Transcript() string {
	return t.transcript.String()
}

func (t *Transcoder) open() error {
	if err := t.emit("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            "msg_" + uuid.NewString(),
			"type":          "message",
			"role":          "assistant",
			"model":         t.model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
		},
	}); err != nil {
		return err
	}

	if err := t.emit("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]any{"type": "text", "text": ""},
	}); err != nil {
		return err
	}

	t.state = stateStreaming
	return nil
}

func (t *Transcoder) emit(event string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("translate: marshal %s: %w", event, err)
	}
	if err := t.sink(event, data); err != nil {
		t.state = stateError
		return fmt.Errorf("translate: emit %s: %w", event, err)
	}
	return nil
}

// complete fires the completion callback exactly once.
func (t *Transcoder) complete() {
	if t.completed {
		return
	}
	t.completed = true
	if t.onComplete != nil {
		t.onComplete(t.transcript.String())
	}
}
