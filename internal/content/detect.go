package content

import (
	"regexp"
	"strings"

	"github.com/nulpointcorp/multimodal-gateway/internal/providers"
)

// dataURIRe matches inline base64 media embedded directly in plain text.
var dataURIRe = regexp.MustCompile(`data:((?:image|audio|video|application)/[a-zA-Z0-9.+-]+);base64,([A-Za-z0-9+/=]+)`)

// Detect scans the conversation for embedded non-text content.
//
// Only the last user-authored turn is examined — this is an invariant of the
// pipeline, not an optimization. Four encodings are recognized: structured
// multi-part content, data URIs embedded in plain text, typed media parts
// (image_url, input_audio), and inline file blobs.
func Detect(messages []providers.ChatMessage) Detection {
	idx := lastUserIndex(messages)
	if idx < 0 {
		return Detection{HasOnlyText: true}
	}

	var det Detection
	msg := messages[idx]

	if msg.Content.Parts == nil {
		det.UserText = scanText(msg.Content.Text, &det)
	} else {
		var texts []string
		for _, p := range msg.Content.Parts {
			switch p.Type {
			case "text":
				texts = append(texts, scanText(p.Text, &det))

			case "image_url":
				if p.ImageURL != nil {
					addRef(&det, p.ImageURL.URL, "image")
				}

			case "input_audio":
				if p.InputAudio != nil {
					mt := "audio/" + p.InputAudio.Format
					if p.InputAudio.Format == "" {
						mt = "audio/mpeg"
					}
					addInline(&det, p.InputAudio.Data, mt)
				}

			case "file":
				if p.File != nil {
					addFile(&det, p.File)
				}
			}
		}
		det.UserText = strings.Join(texts, "\n")
	}

	det.HasOnlyText = len(det.Items) == 0
	return det
}

// scanText extracts inline data URIs from plain text, returning the text with
// the URIs removed.
func scanText(text string, det *Detection) string {
	matches := dataURIRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return text
	}
	for _, m := range matches {
		addInline(det, m[2], m[1])
	}
	cleaned := dataURIRe.ReplaceAllString(text, "")
	return strings.TrimSpace(cleaned)
}

// addRef records a URL or data-URI reference (image_url parts accept both).
func addRef(det *Detection, ref, fallbackKind string) {
	if ref == "" {
		return
	}
	if m := dataURIRe.FindStringSubmatch(ref); m != nil {
		addInline(det, m[2], m[1])
		return
	}
	it := Item{Kind: KindURL, Ref: ref, Index: len(det.Items)}
	if fallbackKind == "image" && extractExt(ref) == "" {
		// Typed image part without an extension: trust the part type.
		it.MediaType = "image/unknown"
	}
	det.Items = append(det.Items, it)
}

func addInline(det *Detection, data, mediaType string) {
	if data == "" {
		return
	}
	det.Items = append(det.Items, Item{
		Kind:      KindInline,
		Ref:       data,
		MediaType: mediaType,
		Index:     len(det.Items),
	})
}

func addFile(det *Detection, f *providers.FileRef) {
	switch {
	case f.FileData != "":
		if m := dataURIRe.FindStringSubmatch(f.FileData); m != nil {
			addInline(det, m[2], m[1])
			return
		}
		it := Item{Kind: KindInline, Ref: f.FileData, Index: len(det.Items)}
		if f.Filename != "" {
			it.Ext = extractExt(f.Filename)
		}
		det.Items = append(det.Items, it)

	case f.Filename != "":
		det.Items = append(det.Items, Item{
			Kind:  KindPath,
			Ref:   f.Filename,
			Ext:   extractExt(f.Filename),
			Index: len(det.Items),
		})
	}
}

func lastUserIndex(msgs []providers.ChatMessage) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if strings.ToLower(msgs[i].Role) == "user" {
			return i
		}
	}
	return -1
}
