// Package proxy is the HTTP front of the multimodal gateway.
//
// Two wire surfaces share one pipeline: the OpenAI-compatible surface
// (POST /v1/chat/completions) and the Anthropic-compatible surface
// (POST /v1/messages). Every request is resolved to a backend target,
// scanned for embedded media, enriched through the perception pipeline,
// and dispatched to the reasoning backend — or answered by the perception
// backend directly for the low-latency model class.
//
// Key design constraints:
//   - No blocking I/O on the hot path beyond the upstream call itself.
//   - Logger, cache, rate limiter, and metrics are optional and nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/multimodal-gateway/internal/cache"
	"github.com/nulpointcorp/multimodal-gateway/internal/content"
	"github.com/nulpointcorp/multimodal-gateway/internal/dedup"
	"github.com/nulpointcorp/multimodal-gateway/internal/logger"
	"github.com/nulpointcorp/multimodal-gateway/internal/metrics"
	"github.com/nulpointcorp/multimodal-gateway/internal/pipeline"
	"github.com/nulpointcorp/multimodal-gateway/internal/providers"
	"github.com/nulpointcorp/multimodal-gateway/internal/ratelimit"
	"github.com/nulpointcorp/multimodal-gateway/internal/translate"
	"github.com/nulpointcorp/multimodal-gateway/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"

	// routingHeader reports which processing lanes served the request.
	routingHeader = "X-Multimodal-Processing"
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and routing
	// diagnostics. Defaults to slog.Default() when nil.
	Logger *slog.Logger

	// ProviderTimeout is the per-backend request timeout.
	// Default: providers.ProviderTimeout (30s).
	ProviderTimeout time.Duration

	// Partition controls the PDF local-vs-cloud choice.
	Partition content.PartitionOptions

	// Orchestrator deduplicates concurrent identical requests on the
	// /v1/messages surface. Nil disables deduplication.
	Orchestrator *dedup.Orchestrator

	// Descriptions backs GET /v1/cache/stats. May be nil.
	Descriptions *cache.DescriptionCache

	// CacheReady is the readiness probe for the cache backend
	// (used by GET /readiness). Nil means "not configured" → always ready.
	CacheReady func() bool

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry
}

// Gateway is the main dispatcher — all dependencies are injected via the
// constructor so they can be replaced with test doubles.
type Gateway struct {
	reasoner  providers.Reasoner
	perceiver providers.Perceiver
	enricher  *pipeline.Enricher

	orchestrator *dedup.Orchestrator
	descs        *cache.DescriptionCache
	partition    content.PartitionOptions

	health  *HealthChecker
	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	providerTimeout time.Duration

	// Optional dependencies — nil-safe when not configured.
	rpmLimiter *ratelimit.RPMLimiter
	reqLogger  *logger.Logger

	// CORS allowed origins. Empty slice means deny all; ["*"] means allow all.
	corsOrigins []string
}

// NewGateway creates a fully configured Gateway.
func NewGateway(
	baseCtx context.Context,
	reasoner providers.Reasoner,
	perceiver providers.Perceiver,
	enricher *pipeline.Enricher,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	providerTimeout := opts.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = providers.ProviderTimeout
	}

	gw := &Gateway{
		reasoner:        reasoner,
		perceiver:       perceiver,
		enricher:        enricher,
		orchestrator:    opts.Orchestrator,
		descs:           opts.Descriptions,
		partition:       opts.Partition,
		baseCtx:         baseCtx,
		log:             log,
		metrics:         opts.Metrics,
		providerTimeout: providerTimeout,
	}
	gw.partition.Logger = log

	gw.health = NewHealthChecker(baseCtx, reasoner, perceiver, opts.CacheReady, opts.Metrics)

	return gw
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// SetRateLimiters injects the RPM rate limiter.
func (g *Gateway) SetRateLimiters(rpm *ratelimit.RPMLimiter) {
	g.rpmLimiter = rpm
}

// SetLogger injects the async request logger.
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// ── Content routing ───────────────────────────────────────────────────────────

// routeContent scans the newest user turn and partitions detected media into
// processing lanes.
func (g *Gateway) routeContent(ctx context.Context, req *providers.ChatRequest) (content.Detection, content.RoutingDecision) {
	det := content.Detect(req.Messages)
	if det.HasOnlyText {
		return det, content.RoutingDecision{}
	}
	dec := content.Partition(ctx, det.Items, g.partition)
	if g.metrics != nil {
		for _, it := range dec.PassThrough {
			g.metrics.RecordContentItem(string(it.Category), string(content.LanePassThrough))
		}
		for _, it := range dec.PerceptionRequired {
			g.metrics.RecordContentItem(string(it.Category), string(content.LanePerceptionRequired))
		}
		for _, it := range dec.LocalProcessing {
			g.metrics.RecordContentItem(string(it.Category), string(content.LaneLocalProcessing))
		}
	}
	return det, dec
}

// routingLabel is the X-Multimodal-Processing header value for the request.
func routingLabel(target translate.Target, dec content.RoutingDecision) string {
	if target.Direct {
		return "gemini-direct"
	}
	return dec.Label()
}

// process runs enrichment and dispatches the request to the resolved backend.
// It mutates req: the model is rewritten to the backend-native name and the
// newest user turn is replaced with enriched text.
func (g *Gateway) process(
	ctx context.Context,
	req *providers.ChatRequest,
	target translate.Target,
	det content.Detection,
	dec content.RoutingDecision,
) (*providers.ChatResponse, error) {
	if target.Direct {
		atts, err := g.enricher.PrepareDirect(ctx, req, det, dec)
		if err != nil {
			return nil, err
		}
		return g.perceiver.GenerateDirect(ctx, req, atts)
	}

	if !det.HasOnlyText {
		if err := g.enricher.Enrich(ctx, req, det, dec); err != nil {
			return nil, err
		}
	}

	req.Model = target.Model
	return g.reasoner.Complete(ctx, req)
}

// ── OpenAI-compatible surface: /v1/chat/completions ───────────────────────────

type (
	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundMessage struct {
		Role      string               `json:"role"`
		Content   string               `json:"content"`
		ToolCalls []providers.ToolCall `json:"tool_calls,omitempty"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}
)

// dispatchChat is the core handler for POST /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	reqBytes := len(ctx.PostBody())
	servedBackend := "unknown"
	laneLabel := "direct"
	inputTokens, outputTokens := 0, 0
	streaming := false
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		if streaming {
			return // finalised by the stream writer
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, respBytes)
		g.metrics.RecordRequest(servedBackend, status, dur.Milliseconds())
		g.metrics.ObserveGatewayRequest(servedBackend, route, "bypass", dur)
		g.metrics.AddTokens(servedBackend, route, inputTokens, outputTokens, false)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Parse request body.
	var req providers.ChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if len(req.Messages) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'messages' must not be empty",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	req.RequestID = reqID

	// 2. Resolve the backend target from the advertised model name.
	target := translate.Resolve(req.Model, g.log)
	servedBackend = target.Backend

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("backend", target.Backend),
		slog.Bool("stream", req.Stream),
	)

	// 3. Rate limit check (RPM).
	if !g.allowRequest(ctx, reqID) {
		apierr.WriteRateLimit(ctx)
		return
	}

	// 4. Content routing over the newest user turn.
	det, dec := g.routeContent(ctx, &req)
	laneLabel = routingLabel(target, dec)
	ctx.Response.Header.Set(routingHeader, laneLabel)

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)

	// 5a. Streaming from the reasoning backend — SSE pass-through.
	if req.Stream && !target.Direct {
		if !det.HasOnlyText {
			if err := g.enricher.Enrich(provCtx, &req, det, dec); err != nil {
				cancel()
				g.logPipelineError(ctx, reqID, target.Backend, err, start)
				handleBackendError(ctx, err)
				return
			}
		}
		req.Model = target.Model

		stream, err := g.reasoner.Stream(provCtx, &req)
		if err != nil {
			cancel()
			g.logPipelineError(ctx, reqID, target.Backend, err, start)
			handleBackendError(ctx, err)
			return
		}

		streaming = true
		g.streamChatSSE(ctx, req.Model, stream, streamFinalizer{
			start:    start,
			route:    route,
			backend:  target.Backend,
			model:    req.Model,
			lanes:    laneLabel,
			reqID:    reqID,
			reqBytes: reqBytes,
			cancel:   cancel,
		})
		return
	}
	defer cancel()

	// 5b. Non-streaming (and the direct path, which is always answered in one
	// shot and replayed as a stream when requested).
	resp, err := g.process(provCtx, &req, target, det, dec)
	if err != nil {
		g.logPipelineError(ctx, reqID, target.Backend, err, start)
		handleBackendError(ctx, err)
		g.logRequest(reqID, route, target.Backend, req.Model, laneLabel,
			0, 0, time.Since(start), fasthttp.StatusBadGateway, false)
		return
	}

	if req.Stream {
		// Direct-path stream: replay the completed response as one chunk.
		ch := make(chan providers.StreamChunk, 1)
		ch <- providers.StreamChunk{Content: resp.Content, FinishReason: finishOrStop(resp.FinishReason)}
		close(ch)
		streaming = true
		g.streamChatSSE(ctx, resp.Model, ch, streamFinalizer{
			start:    start,
			route:    route,
			backend:  target.Backend,
			model:    resp.Model,
			lanes:    laneLabel,
			reqID:    reqID,
			reqBytes: reqBytes,
		})
		return
	}

	out := outboundResponse{
		ID:      chatCompletionID(resp.ID),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []outboundChoice{
			{
				Index: 0,
				Message: outboundMessage{
					Role:      "assistant",
					Content:   resp.Content,
					ToolCalls: resp.ToolCalls,
				},
				FinishReason: finishOrStop(resp.FinishReason),
			},
		},
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}

	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	inputTokens = resp.Usage.InputTokens
	outputTokens = resp.Usage.OutputTokens
	g.logRequest(reqID, route, target.Backend, resp.Model, laneLabel,
		inputTokens, outputTokens, time.Since(start), fasthttp.StatusOK, false)

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("backend", target.Backend),
		slog.String("model", resp.Model),
		slog.String("lanes", laneLabel),
		slog.Int("input_tokens", inputTokens),
		slog.Int("output_tokens", outputTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	respBytes = len(body)
}

// allowRequest applies the RPM limiter; true means the request may proceed.
func (g *Gateway) allowRequest(ctx *fasthttp.RequestCtx, reqID string) bool {
	if g.rpmLimiter == nil {
		return true
	}
	allowed, err := g.rpmLimiter.Allow(ctx)
	if err == nil && !allowed {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("blocked")
		}
		g.log.WarnContext(ctx, "rate_limit_exceeded", slog.String("request_id", reqID))
		return false
	}
	if g.metrics != nil {
		if err != nil {
			g.metrics.RecordRateLimit("error")
		} else {
			g.metrics.RecordRateLimit("allowed")
		}
	}
	return true
}

func (g *Gateway) logPipelineError(ctx *fasthttp.RequestCtx, reqID, backend string, err error, start time.Time) {
	if g.metrics != nil {
		g.metrics.RecordError(backend, errorKind(err))
	}
	g.log.ErrorContext(ctx, "pipeline_error",
		slog.String("request_id", reqID),
		slog.String("backend", backend),
		slog.String("error", err.Error()),
		slog.Duration("elapsed", time.Since(start)),
	)
}

// errorKind buckets a pipeline error for the provider-error counter.
func errorKind(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		switch status := sc.HTTPStatus(); {
		case status == fasthttp.StatusTooManyRequests:
			return "rate_limited"
		case status >= 400 && status < 500:
			return "upstream_4xx"
		default:
			return "upstream_5xx"
		}
	}
	return "internal"
}

// streamFinalizer carries everything the SSE writer needs to emit metrics and
// request logs once the stream drains — the handler has returned by then.
type streamFinalizer struct {
	start    time.Time
	route    string
	backend  string
	model    string
	lanes    string
	reqID    string
	reqBytes int
	cancel   context.CancelFunc
}

// streamChatSSE streams response chunks as OpenAI-style SSE.
func (g *Gateway) streamChatSSE(ctx *fasthttp.RequestCtx, model string, stream <-chan providers.StreamChunk, fin streamFinalizer) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer
		if fin.cancel != nil {
			defer fin.cancel()
		}

		var sb strings.Builder
		for chunk := range stream {
			sb.WriteString(chunk.Content)

			delta := map[string]any{
				"id":      "chatcmpl-stream",
				"object":  "chat.completion.chunk",
				"created": time.Now().Unix(),
				"model":   model,
				"choices": []map[string]any{
					{
						"index": 0,
						"delta": map[string]string{"content": chunk.Content},
						"finish_reason": func() any {
							if chunk.FinishReason != "" {
								return chunk.FinishReason
							}
							return nil
						}(),
					},
				},
			}
			data, _ := json.Marshal(delta)
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush() //nolint:errcheck
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		// Estimate output tokens: ~4 characters per token.
		estimated := sb.Len() / 4
		if estimated == 0 {
			estimated = 1
		}
		g.finalizeStream(fin, fasthttp.StatusOK, estimated)
	})
}

// finalizeStream emits metrics and the request log for a drained stream.
func (g *Gateway) finalizeStream(fin streamFinalizer, status, outputTokens int) {
	dur := time.Since(fin.start)
	g.logRequest(fin.reqID, fin.route, fin.backend, fin.model, fin.lanes,
		0, outputTokens, dur, status, false)
	if g.metrics != nil {
		g.metrics.ObserveHTTP(fin.route, status, dur, fin.reqBytes, -1)
		g.metrics.RecordRequest(fin.backend, status, dur.Milliseconds())
		g.metrics.ObserveGatewayRequest(fin.backend, fin.route, "bypass", dur)
		g.metrics.AddTokens(fin.backend, fin.route, 0, outputTokens, false)
		g.metrics.DecInFlight()
	}
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(
	requestID, route, backend, model, lanes string,
	inputTokens, outputTokens int,
	latency time.Duration,
	status int,
	isCached bool,
) {
	if g.reqLogger == nil {
		return
	}

	reqUUID, _ := uuid.Parse(requestID)

	// Clamp to uint16 max so we don't overflow the field.
	latencyMs := uint16(latency.Milliseconds())
	if latency.Milliseconds() > 65535 {
		latencyMs = 65535
	}

	g.reqLogger.Log(logger.RequestLog{
		ID:           reqUUID,
		Route:        route,
		Backend:      backend,
		Model:        model,
		Lanes:        lanes,
		InputTokens:  uint32(inputTokens),
		OutputTokens: uint32(outputTokens),
		LatencyMs:    latencyMs,
		Status:       uint16(status),
		Cached:       isCached,
		CreatedAt:    time.Now(),
	})
}

// finishOrStop normalizes an empty finish reason.
func finishOrStop(reason string) string {
	if reason == "" {
		return "stop"
	}
	return reason
}

func chatCompletionID(backendID string) string {
	if backendID != "" {
		return "chatcmpl-" + backendID
	}
	return "chatcmpl-" + uuid.NewString()
}

// handleBackendError maps backend errors to the appropriate OpenAI-surface
// HTTP response.
//
//	statusCoder (backends that return HTTP codes) → passed through with remapping
//	context.DeadlineExceeded                      → 504 Gateway Timeout
//	all other errors                              → 502 Bad Gateway
func handleBackendError(ctx *fasthttp.RequestCtx, err error) {
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		apierr.WriteProviderError(ctx, sc.HTTPStatus(), err.Error())
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}

	apierr.Write(ctx, fasthttp.StatusBadGateway,
		err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
}
