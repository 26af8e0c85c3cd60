package content

import (
	"testing"

	"github.com/nulpointcorp/multimodal-gateway/internal/providers"
)

func userMsg(text string) providers.ChatMessage {
	return providers.ChatMessage{Role: "user", Content: providers.TextContent(text)}
}

func TestDetect_PlainTextOnly(t *testing.T) {
	det := Detect([]providers.ChatMessage{userMsg("hello there")})

	if !det.HasOnlyText {
		t.Error("expected HasOnlyText for a plain-text turn")
	}
	if len(det.Items) != 0 {
		t.Errorf("expected no items, got %d", len(det.Items))
	}
	if det.UserText != "hello there" {
		t.Errorf("unexpected UserText: %q", det.UserText)
	}
}

func TestDetect_NoUserTurn(t *testing.T) {
	det := Detect([]providers.ChatMessage{
		{Role: "system", Content: providers.TextContent("be nice")},
		{Role: "assistant", Content: providers.TextContent("hi")},
	})
	if !det.HasOnlyText {
		t.Error("conversation without a user turn must be text-only")
	}
}

func TestDetect_OnlyNewestUserTurnScanned(t *testing.T) {
	msgs := []providers.ChatMessage{
		{Role: "user", Content: providers.MessageContent{Parts: []providers.ContentPart{
			{Type: "text", Text: "earlier"},
			{Type: "image_url", ImageURL: &providers.ImageURL{URL: "https://example.com/old.png"}},
		}}},
		{Role: "assistant", Content: providers.TextContent("described it")},
		userMsg("now just text"),
	}

	det := Detect(msgs)
	if !det.HasOnlyText {
		t.Error("media in an earlier turn must not be detected")
	}
	if det.UserText != "now just text" {
		t.Errorf("unexpected UserText: %q", det.UserText)
	}
}

func TestDetect_DataURIInPlainText(t *testing.T) {
	det := Detect([]providers.ChatMessage{
		userMsg("look at this data:image/png;base64,iVBORw0KGgo= please"),
	})

	if det.HasOnlyText {
		t.Fatal("expected an inline item")
	}
	if len(det.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(det.Items))
	}
	it := det.Items[0]
	if it.Kind != KindInline {
		t.Errorf("expected inline kind, got %q", it.Kind)
	}
	if it.MediaType != "image/png" {
		t.Errorf("expected image/png, got %q", it.MediaType)
	}
	if it.Ref != "iVBORw0KGgo=" {
		t.Errorf("expected base64 payload, got %q", it.Ref)
	}
	// URI removed from the preserved text.
	if det.UserText != "look at this  please" && det.UserText != "look at this please" {
		t.Errorf("data URI not stripped from UserText: %q", det.UserText)
	}
}

func TestDetect_MultiPartMessage(t *testing.T) {
	msgs := []providers.ChatMessage{
		{Role: "user", Content: providers.MessageContent{Parts: []providers.ContentPart{
			{Type: "text", Text: "what are these?"},
			{Type: "image_url", ImageURL: &providers.ImageURL{URL: "https://example.com/a.jpg"}},
			{Type: "input_audio", InputAudio: &providers.InputAudio{Data: "UklGRg==", Format: "wav"}},
			{Type: "file", File: &providers.FileRef{Filename: "notes.pdf"}},
		}}},
	}

	det := Detect(msgs)
	if len(det.Items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(det.Items))
	}

	if det.Items[0].Kind != KindURL || det.Items[0].Ref != "https://example.com/a.jpg" {
		t.Errorf("unexpected first item: %+v", det.Items[0])
	}
	if det.Items[1].Kind != KindInline || det.Items[1].MediaType != "audio/wav" {
		t.Errorf("unexpected audio item: %+v", det.Items[1])
	}
	if det.Items[2].Kind != KindPath || det.Items[2].Ext != ".pdf" {
		t.Errorf("unexpected file item: %+v", det.Items[2])
	}

	// Index reflects detection order.
	for i, it := range det.Items {
		if it.Index != i {
			t.Errorf("item %d has Index %d", i, it.Index)
		}
	}
	if det.UserText != "what are these?" {
		t.Errorf("unexpected UserText: %q", det.UserText)
	}
}

func TestDetect_ImageURLPartWithDataURI(t *testing.T) {
	msgs := []providers.ChatMessage{
		{Role: "user", Content: providers.MessageContent{Parts: []providers.ContentPart{
			{Type: "image_url", ImageURL: &providers.ImageURL{URL: "data:image/jpeg;base64,/9j/4AAQ"}},
		}}},
	}

	det := Detect(msgs)
	if len(det.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(det.Items))
	}
	if det.Items[0].Kind != KindInline || det.Items[0].MediaType != "image/jpeg" {
		t.Errorf("data URI in image_url must become an inline item: %+v", det.Items[0])
	}
}

func TestDetect_AudioFormatFallback(t *testing.T) {
	msgs := []providers.ChatMessage{
		{Role: "user", Content: providers.MessageContent{Parts: []providers.ContentPart{
			{Type: "input_audio", InputAudio: &providers.InputAudio{Data: "AAAA"}},
		}}},
	}

	det := Detect(msgs)
	if len(det.Items) != 1 || det.Items[0].MediaType != "audio/mpeg" {
		t.Errorf("expected audio/mpeg fallback, got %+v", det.Items)
	}
}

func TestDetect_FileWithInlineData(t *testing.T) {
	msgs := []providers.ChatMessage{
		{Role: "user", Content: providers.MessageContent{Parts: []providers.ContentPart{
			{Type: "file", File: &providers.FileRef{Filename: "report.pdf", FileData: "JVBERi0xLjQ="}},
		}}},
	}

	det := Detect(msgs)
	if len(det.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(det.Items))
	}
	it := det.Items[0]
	if it.Kind != KindInline || it.Ref != "JVBERi0xLjQ=" || it.Ext != ".pdf" {
		t.Errorf("unexpected file item: %+v", it)
	}
}
