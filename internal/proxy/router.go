package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/multimodal-gateway/internal/translate"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for routes to start in proxy-only mode.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.POST("/v1/messages", g.handleMessages)
	r.GET("/v1/models", g.handleModels)
	r.GET("/v1/cache/stats", g.handleCacheStats)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

func (g *Gateway) handleMessages(ctx *fasthttp.RequestCtx) {
	g.dispatchMessages(ctx)
}

// handleModels serves the advertised model catalogue in the OpenAI list shape.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}

	created := time.Now().Unix()
	data := make([]modelEntry, 0, len(translate.AdvertisedModels))
	for _, id := range translate.AdvertisedModels {
		data = append(data, modelEntry{
			ID:      id,
			Object:  "model",
			Created: created,
			OwnedBy: translate.Resolve(id, g.log).Backend,
		})
	}

	writeJSON(ctx, map[string]any{"object": "list", "data": data})
}

// handleCacheStats reports description-cache effectiveness.
func (g *Gateway) handleCacheStats(ctx *fasthttp.RequestCtx) {
	if g.descs == nil {
		writeJSON(ctx, map[string]any{"description_cache": map[string]any{"enabled": false}})
		return
	}
	writeJSON(ctx, map[string]any{"description_cache": g.descs.Stats()})
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok", "version": "0.1.0"})
		return
	}
	snap := g.health.Snapshot()
	writeJSON(ctx, snap)
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
