// Package pipeline reassembles an enriched request from the routing decision:
// perception lanes fan out to the perception backend, small PDFs are
// extracted in-process, and the newest user turn is rewritten with numbered
// description blocks in original item order.
package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/multimodal-gateway/internal/cache"
	"github.com/nulpointcorp/multimodal-gateway/internal/content"
	"github.com/nulpointcorp/multimodal-gateway/internal/fetch"
	"github.com/nulpointcorp/multimodal-gateway/internal/metrics"
	"github.com/nulpointcorp/multimodal-gateway/internal/providers"
)

// Enricher coordinates perception calls and local extraction for one request.
type Enricher struct {
	perceiver providers.Perceiver
	fetcher   *fetch.Downloader
	extract   func([]byte) (string, error)
	descs     *cache.DescriptionCache
	metrics   *metrics.Registry
	log       *slog.Logger
}

// Options configure an Enricher. Perceiver and Fetcher are required; the
// rest are optional and nil-safe.
type Options struct {
	Perceiver providers.Perceiver
	Fetcher   *fetch.Downloader
	// Extract converts PDF bytes to text for the local lane.
	Extract func([]byte) (string, error)
	// Descriptions is the content-addressed perception cache.
	Descriptions *cache.DescriptionCache
	Metrics      *metrics.Registry
	Logger       *slog.Logger
}

// New creates an Enricher.
func New(opts Options) *Enricher {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Enricher{
		perceiver: opts.Perceiver,
		fetcher:   opts.Fetcher,
		extract:   opts.Extract,
		descs:     opts.Descriptions,
		metrics:   opts.Metrics,
		log:       log,
	}
}

// Enrich rewrites the newest user turn of req with the pass-through text and
// one numbered description block per processed item, preserving original item
// order. Perception calls for multiple items run concurrently; the failure
// policy is all-or-nothing — any single perception failure aborts the whole
// request. A content-policy refusal is not a failure: the description is
// substituted with an explanatory placeholder.
func (e *Enricher) Enrich(
	ctx context.Context,
	req *providers.ChatRequest,
	det content.Detection,
	dec content.RoutingDecision,
) error {
	if dec.Empty() {
		return nil
	}

	type resolved struct {
		item content.Item
		text string
	}

	results := make(map[int]resolved, len(dec.PerceptionRequired)+len(dec.LocalProcessing))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)

	for _, it := range dec.PerceptionRequired {
		it := it
		g.Go(func() error {
			desc, err := e.describe(gctx, it, det.UserText)
			if err != nil {
				return err
			}
			mu.Lock()
			results[it.Index] = resolved{item: it, text: desc}
			mu.Unlock()
			return nil
		})
	}

	for _, it := range dec.LocalProcessing {
		it := it
		g.Go(func() error {
			text, err := e.extractLocal(gctx, it)
			if err != nil {
				return err
			}
			mu.Lock()
			results[it.Index] = resolved{item: it, text: text}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	// Assemble: user text, pass-through item text, then description blocks
	// numbered in original item order.
	sections := make([]string, 0, 2+len(results))
	if det.UserText != "" {
		sections = append(sections, det.UserText)
	}

	for _, it := range dec.PassThrough {
		if text := passThroughText(it); text != "" {
			sections = append(sections, text)
		}
	}

	indices := make([]int, 0, len(results))
	for idx := range results {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	for n, idx := range indices {
		r := results[idx]
		sections = append(sections, fmt.Sprintf("[DESCRIPTION %s %d]: %s",
			strings.ToUpper(string(r.item.Category)), n+1, r.text))
	}

	rewriteLastUserTurn(req, strings.Join(sections, "\n\n"))
	return nil
}

// PrepareDirect resolves every media item to raw bytes for the direct path,
// where the perception backend consumes the content natively instead of
// working from descriptions. The newest user turn is rewritten to its clean
// text so embedded payloads are not sent twice.
func (e *Enricher) PrepareDirect(
	ctx context.Context,
	req *providers.ChatRequest,
	det content.Detection,
	dec content.RoutingDecision,
) ([]providers.Attachment, error) {
	items := make([]content.Item, 0, len(dec.PerceptionRequired)+len(dec.LocalProcessing))
	items = append(items, dec.PerceptionRequired...)
	items = append(items, dec.LocalProcessing...)
	if len(items) == 0 {
		return nil, nil
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Index < items[j].Index })

	atts := make([]providers.Attachment, len(items))
	g, gctx := errgroup.WithContext(ctx)
	for i, it := range items {
		i, it := i, it
		g.Go(func() error {
			data, mediaType, err := e.resolveBytes(gctx, it)
			if err != nil {
				return err
			}
			atts[i] = providers.Attachment{
				Kind:      attachmentKind(it.Category),
				MediaType: mediaType,
				Data:      data,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sections := make([]string, 0, 1+len(dec.PassThrough))
	if det.UserText != "" {
		sections = append(sections, det.UserText)
	}
	for _, it := range dec.PassThrough {
		if text := passThroughText(it); text != "" {
			sections = append(sections, text)
		}
	}
	rewriteLastUserTurn(req, strings.Join(sections, "\n\n"))

	return atts, nil
}

// describe resolves the item's bytes and obtains a description, consulting
// the content-addressed cache first.
func (e *Enricher) describe(ctx context.Context, it content.Item, textContext string) (string, error) {
	data, mediaType, err := e.resolveBytes(ctx, it)
	if err != nil {
		return "", err
	}

	key := cache.DescriptionKey(data, textContext)
	if e.descs != nil {
		if entry, ok := e.descs.Get(key); ok {
			if e.metrics != nil {
				e.metrics.DescriptionCacheHit()
			}
			return entry.Description, nil
		}
		if e.metrics != nil {
			e.metrics.DescriptionCacheMiss()
		}
	}

	att := providers.Attachment{
		Kind:      attachmentKind(it.Category),
		MediaType: mediaType,
		Data:      data,
	}

	start := time.Now()
	desc, err := e.perceiver.Analyze(ctx, att, textContext)
	switch {
	case errors.Is(err, providers.ErrContentRefused):
		if e.metrics != nil {
			e.metrics.ObservePerception("refused", time.Since(start))
		}
		e.log.WarnContext(ctx, "perception_refused",
			slog.String("kind", att.Kind),
			slog.Int("index", it.Index),
		)
		return providers.RefusalPlaceholder(att.Kind), nil
	case err != nil:
		if e.metrics != nil {
			e.metrics.ObservePerception("error", time.Since(start))
		}
		return "", err
	}
	if e.metrics != nil {
		e.metrics.ObservePerception("success", time.Since(start))
	}

	if e.descs != nil {
		e.descs.Set(key, desc, e.perceiver.Name())
	}
	return desc, nil
}

// extractLocal fetches the PDF bytes and extracts text in-process.
func (e *Enricher) extractLocal(ctx context.Context, it content.Item) (string, error) {
	if e.extract == nil {
		return "", fmt.Errorf("pipeline: local extraction not configured")
	}
	data, _, err := e.resolveBytes(ctx, it)
	if err != nil {
		return "", err
	}
	text, err := e.extract(data)
	if err != nil {
		return "", fmt.Errorf("pipeline: pdf extraction: %w", err)
	}
	return text, nil
}

// resolveBytes materializes an item's payload: inline base64 is decoded,
// URLs are fetched, opaque paths cannot be resolved here.
func (e *Enricher) resolveBytes(ctx context.Context, it content.Item) ([]byte, string, error) {
	switch it.Kind {
	case content.KindInline:
		data, err := base64.StdEncoding.DecodeString(it.Ref)
		if err != nil {
			return nil, "", fmt.Errorf("pipeline: decode inline payload: %w", err)
		}
		return data, mediaTypeFor(it, ""), nil

	case content.KindURL:
		if e.fetcher == nil {
			return nil, "", fmt.Errorf("pipeline: no downloader configured")
		}
		data, ct, err := e.fetcher.Fetch(ctx, it.Ref)
		if err != nil {
			return nil, "", err
		}
		return data, mediaTypeFor(it, ct), nil

	default:
		return nil, "", fmt.Errorf("pipeline: cannot resolve payload for %s item", it.Kind)
	}
}

// mediaTypeFor picks the most specific MIME type available: the item's own,
// the transport's, or one derived from the extension.
func mediaTypeFor(it content.Item, transportType string) string {
	if it.MediaType != "" && !strings.HasSuffix(it.MediaType, "/unknown") {
		return it.MediaType
	}
	if transportType != "" {
		if mt, _, err := mime.ParseMediaType(transportType); err == nil {
			return mt
		}
	}
	if it.Ext != "" {
		if mt := mime.TypeByExtension(it.Ext); mt != "" {
			return mt
		}
	}
	if it.Category == content.CategoryImage {
		return "image/jpeg"
	}
	return "application/octet-stream"
}

func attachmentKind(c content.Category) string {
	switch c {
	case content.CategoryImage:
		return "image"
	case content.CategoryAudio:
		return "audio"
	case content.CategoryVideo:
		return "video"
	default:
		return "document"
	}
}

// passThroughText returns the textual payload of a pass-through item.
// Inline payloads are decoded; non-text bytes are skipped rather than
// forwarded raw.
func passThroughText(it content.Item) string {
	if it.Text != "" {
		return it.Text
	}
	if it.Kind != content.KindInline {
		return ""
	}
	data, err := base64.StdEncoding.DecodeString(it.Ref)
	if err != nil || !utf8.Valid(data) {
		return ""
	}
	return string(data)
}

// rewriteLastUserTurn replaces the content of the newest user message with
// plain enriched text.
func rewriteLastUserTurn(req *providers.ChatRequest, text string) {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if strings.ToLower(req.Messages[i].Role) == "user" {
			req.Messages[i].Content = providers.TextContent(text)
			return
		}
	}
}
