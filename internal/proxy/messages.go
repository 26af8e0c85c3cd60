package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/multimodal-gateway/internal/content"
	"github.com/nulpointcorp/multimodal-gateway/internal/dedup"
	"github.com/nulpointcorp/multimodal-gateway/internal/providers"
	"github.com/nulpointcorp/multimodal-gateway/internal/translate"
	"github.com/nulpointcorp/multimodal-gateway/pkg/apierr"
)

// dispatchMessages is the core handler for POST /v1/messages.
//
// The inbound request is translated to the internal chat form, run through
// content routing and deduplication, and the backend response is translated
// back to the Anthropic wire shape. Streaming responses go through the
// transcoder; deduplicated and cached responses are replayed through the same
// transcoder so the client sees an identical event sequence either way.
func (g *Gateway) dispatchMessages(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "messages"
	reqBytes := len(ctx.PostBody())
	servedBackend := "unknown"
	laneLabel := "direct"
	cacheLabel := "miss"
	inputTokens, outputTokens := 0, 0
	cached := false
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
		g.metrics.ObserveGatewayRequest(servedBackend, route, cacheLabel, dur)
		g.metrics.AddTokens(servedBackend, route, inputTokens, outputTokens, cached)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	rawBody := ctx.PostBody()

	// 1. Parse and validate the wire request.
	var req translate.MessagesRequest
	if err := json.Unmarshal(rawBody, &req); err != nil {
		apierr.WriteAnthropic(ctx, fasthttp.StatusBadRequest,
			apierr.AnthropicInvalidRequest, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	if req.Model == "" {
		apierr.WriteAnthropic(ctx, fasthttp.StatusBadRequest,
			apierr.AnthropicInvalidRequest, "field 'model' is required")
		return
	}
	if len(req.Messages) == 0 {
		apierr.WriteAnthropic(ctx, fasthttp.StatusBadRequest,
			apierr.AnthropicInvalidRequest, "field 'messages' must not be empty")
		return
	}
	if req.MaxTokens < 1 {
		apierr.WriteAnthropic(ctx, fasthttp.StatusBadRequest,
			apierr.AnthropicInvalidRequest, "field 'max_tokens' must be at least 1")
		return
	}

	// 2. Resolve the backend target.
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
		ctx.Response.Header.Set("Retry-After", "60")
		apierr.WriteAnthropic(ctx, fasthttp.StatusTooManyRequests,
			apierr.AnthropicRateLimit, "rate limit exceeded")
		return
	}

	// 4. Translate to the internal chat form.
	chatReq, err := translate.RequestToChat(&req)
	if err != nil {
		apierr.WriteAnthropic(ctx, fasthttp.StatusBadRequest,
			apierr.AnthropicInvalidRequest, err.Error())
		return
	}
	chatReq.RequestID = reqID

	// 5. Content routing over the newest user turn.
	det, dec := g.routeContent(ctx, chatReq)
	laneLabel = routingLabel(target, dec)
	ctx.Response.Header.Set(routingHeader, laneLabel)

	if req.Stream {
		streaming = true
		g.streamMessages(ctx, rawBody, &req, chatReq, target, det, dec, streamFinalizer{
			start:    start,
			route:    route,
			backend:  target.Backend,
			model:    req.Model,
			lanes:    laneLabel,
			reqID:    reqID,
			reqBytes: reqBytes,
		})
		return
	}

	// 6. Non-streaming: single-flight dedup around the whole pipeline.
	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	work := func(wctx context.Context) ([]byte, error) {
		resp, perr := g.process(wctx, chatReq, target, det, dec)
		if perr != nil {
			return nil, perr
		}
		inputTokens = resp.Usage.InputTokens
		outputTokens = resp.Usage.OutputTokens
		return json.Marshal(translate.ResponseFromChat(resp, req.Model))
	}

	result, err := g.executeDeduped(provCtx, rawBody, req.Model, target.Deferred, work)
	if err != nil {
		g.logPipelineError(ctx, reqID, target.Backend, err, start)
		writeAnthropicError(ctx, err)
		g.logRequest(reqID, route, target.Backend, req.Model, laneLabel,
			0, 0, time.Since(start), ctx.Response.StatusCode(), false)
		return
	}

	cached = result.FromCache
	cacheLabel = dedupLabel(result)
	if result.FromCache || result.Shared {
		ctx.Response.Header.Set("X-Cache", xCacheHIT)
	} else {
		ctx.Response.Header.Set("X-Cache", xCacheMISS)
	}

	g.logRequest(reqID, route, target.Backend, req.Model, laneLabel,
		inputTokens, outputTokens, time.Since(start), fasthttp.StatusOK, cached)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(result.Body)
	respBytes = len(result.Body)
}

// streamMessages answers a streaming /v1/messages request. The transcoder
// emits the full event grammar whether the response comes from a live backend
// stream, the direct path, a deduplicated in-flight call, or the TTL cache.
func (g *Gateway) streamMessages(
	ctx *fasthttp.RequestCtx,
	rawBody []byte,
	req *translate.MessagesRequest,
	chatReq *providers.ChatRequest,
	target translate.Target,
	det content.Detection,
	dec content.RoutingDecision,
	fin streamFinalizer,
) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	// The stream outlives the handler; bind its lifetime to the server.
	provCtx, cancel := context.WithTimeout(g.baseCtx, g.providerTimeout)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer
		defer cancel()

		sink := func(event string, data []byte) error {
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
				return err
			}
			return w.Flush()
		}
		tr := translate.NewTranscoder(req.Model, sink, nil)

		// live is set when this caller owns the upstream call and has already
		// relayed it through the transcoder — nothing left to replay.
		live := false

		work := func(wctx context.Context) ([]byte, error) {
			live = true
			resp, err := g.streamThrough(wctx, tr, chatReq, target, det, dec)
			if err != nil {
				return nil, err
			}
			return json.Marshal(translate.ResponseFromChat(resp, req.Model))
		}

		result, err := g.executeDeduped(provCtx, rawBody, req.Model, target.Deferred, work)
		if err != nil {
			_ = tr.Fail(err)
			g.finalizeStream(fin, fasthttp.StatusOK, 0)
			return
		}

		if !live {
			var mr translate.MessagesResponse
			if uerr := json.Unmarshal(result.Body, &mr); uerr != nil {
				_ = tr.Fail(fmt.Errorf("replay cached response: %w", uerr))
				g.finalizeStream(fin, fasthttp.StatusOK, 0)
				return
			}
			_ = tr.ReplayResponse(&mr)
		}

		g.finalizeStream(fin, fasthttp.StatusOK, (len(tr.Transcript())+3)/4)
	})
}

// streamThrough relays a live backend response through the transcoder and
// returns the assembled response for caching. The direct path answers in one
// shot and is replayed as a synthetic stream.
func (g *Gateway) streamThrough(
	ctx context.Context,
	tr *translate.Transcoder,
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
		resp, err := g.perceiver.GenerateDirect(ctx, req, atts)
		if err != nil {
			return nil, err
		}
		if err := tr.Replay(resp.Content, resp.FinishReason); err != nil {
			return nil, err
		}
		return resp, nil
	}

	if !det.HasOnlyText {
		if err := g.enricher.Enrich(ctx, req, det, dec); err != nil {
			return nil, err
		}
	}
	req.Model = target.Model

	stream, err := g.reasoner.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	finish := "stop"
	for chunk := range stream {
		if chunk.Content != "" {
			if derr := tr.Delta(chunk.Content); derr != nil {
				return nil, derr
			}
		}
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}
	if err := tr.Finish(finish); err != nil {
		return nil, err
	}

	transcript := tr.Transcript()
	return &providers.ChatResponse{
		Model:        req.Model,
		Content:      transcript,
		FinishReason: finish,
		Usage:        providers.Usage{OutputTokens: (len(transcript) + 3) / 4},
	}, nil
}

// executeDeduped runs work under the orchestrator when one is configured.
func (g *Gateway) executeDeduped(
	ctx context.Context,
	rawBody []byte,
	model string,
	deferred bool,
	work func(context.Context) ([]byte, error),
) (dedup.Result, error) {
	if g.orchestrator == nil {
		out, err := work(ctx)
		return dedup.Result{Body: out}, err
	}
	result, err := g.orchestrator.Execute(ctx, rawBody, model, deferred, work)
	if err == nil && g.metrics != nil {
		g.metrics.RecordDedup(dedupLabel(result))
	}
	return result, err
}

func dedupLabel(r dedup.Result) string {
	switch {
	case r.FromCache:
		return "cached"
	case r.Shared:
		return "shared"
	default:
		return "miss"
	}
}

// writeAnthropicError maps backend errors to the Anthropic wire format.
//
//	upstream 429          → 429 rate_limit_error + Retry-After
//	upstream 4xx          → same status, invalid_request_error
//	upstream 5xx / other  → 502 api_error
//	context deadline      → 504 api_error
func writeAnthropicError(ctx *fasthttp.RequestCtx, err error) {
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		switch {
		case status == fasthttp.StatusTooManyRequests:
			ctx.Response.Header.Set("Retry-After", "60")
			apierr.WriteAnthropic(ctx, fasthttp.StatusTooManyRequests,
				apierr.AnthropicRateLimit, err.Error())
		case status >= 400 && status < 500:
			apierr.WriteAnthropic(ctx, status, apierr.AnthropicInvalidRequest, err.Error())
		default:
			apierr.WriteAnthropic(ctx, fasthttp.StatusBadGateway,
				apierr.AnthropicAPIError, err.Error())
		}
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteAnthropic(ctx, fasthttp.StatusGatewayTimeout,
			apierr.AnthropicAPIError, "upstream request timed out")
		return
	}
	apierr.WriteAnthropic(ctx, fasthttp.StatusBadGateway,
		apierr.AnthropicAPIError, err.Error())
}
