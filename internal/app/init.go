package app

import (
	"context"
	"fmt"
	"log/slog"

	npCache "github.com/nulpointcorp/multimodal-gateway/internal/cache"
	"github.com/nulpointcorp/multimodal-gateway/internal/content"
	"github.com/nulpointcorp/multimodal-gateway/internal/dedup"
	"github.com/nulpointcorp/multimodal-gateway/internal/fetch"
	"github.com/nulpointcorp/multimodal-gateway/internal/logger"
	"github.com/nulpointcorp/multimodal-gateway/internal/metrics"
	"github.com/nulpointcorp/multimodal-gateway/internal/pdftext"
	"github.com/nulpointcorp/multimodal-gateway/internal/pipeline"
	"github.com/nulpointcorp/multimodal-gateway/internal/providers/deepseek"
	"github.com/nulpointcorp/multimodal-gateway/internal/providers/gemini"
	"github.com/nulpointcorp/multimodal-gateway/internal/proxy"
	"github.com/nulpointcorp/multimodal-gateway/internal/ratelimit"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis; ClickHouse only when a DSN
// is configured.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.ClickHouseDSN != "" {
		a.log.Info("connecting to clickhouse", slog.String("dsn", redactURL(a.cfg.ClickHouseDSN)))

		sink, err := logger.NewClickHouseSink(ctx, a.cfg.ClickHouseDSN)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.chSink = sink
		a.log.Info("clickhouse connected")
	}

	return nil
}

// initBackends builds the two upstream clients. Both are required — the
// reasoning backend answers text requests, the perception backend describes
// media and serves the direct model class.
func (a *App) initBackends(ctx context.Context) error {
	var dsOpts []deepseek.Option
	if a.cfg.DeepSeek.BaseURL != "" {
		dsOpts = append(dsOpts, deepseek.WithBaseURL(a.cfg.DeepSeek.BaseURL))
	}
	a.reasoner = deepseek.New(a.cfg.DeepSeek.APIKey, dsOpts...)

	var gmOpts []gemini.Option
	if a.cfg.Gemini.BaseURL != "" {
		gmOpts = append(gmOpts, gemini.WithBaseURL(a.cfg.Gemini.BaseURL))
	}
	if a.cfg.Gemini.Model != "" {
		gmOpts = append(gmOpts, gemini.WithModel(a.cfg.Gemini.Model))
	}
	perceiver, err := gemini.New(ctx, a.cfg.Gemini.APIKey, gmOpts...)
	if err != nil {
		return fmt.Errorf("gemini: %w", err)
	}
	a.perceiver = perceiver

	a.log.Info("backends loaded",
		slog.String("reasoner", a.reasoner.Name()),
		slog.String("perceiver", a.perceiver.Name()),
	)

	return nil
}

// initServices creates the caches, the Prometheus metrics registry, the async
// request logger, and the perception pipeline.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		// ExactCache wraps the already-connected Redis client.
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = npCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	reqLogger, err := logger.New(a.baseCtx, a.log, a.chSink)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	a.descs = npCache.NewDescriptionCache(npCache.DescriptionCacheOptions{
		Capacity: a.cfg.Descriptions.Capacity,
		TTL:      a.cfg.Descriptions.TTL,
		FilePath: a.cfg.Descriptions.Path,
		Enabled:  a.cfg.Descriptions.Enabled,
		Logger:   a.log,
	})

	a.enricher = pipeline.New(pipeline.Options{
		Perceiver:    a.perceiver,
		Fetcher:      fetch.New(),
		Extract:      pdftext.Extract,
		Descriptions: a.descs,
		Metrics:      a.prom,
		Logger:       a.log,
	})

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	// ── Determine cache implementation ────────────────────────────────────────
	var cacheImpl npCache.Cache
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = npCache.NewExactCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	case "none":
		// nil cache — single-flight dedup still applies, responses aren't kept
	}

	// ── Response-cache exclusions ─────────────────────────────────────────────
	var exclusions *npCache.ExclusionList
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		exclusions = el
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	orchestrator := dedup.New(dedup.Options{
		ResponseCache: cacheImpl,
		ResponseTTL:   a.cfg.Cache.TTL,
		DeferDelay:    a.cfg.Dedup.DeferDelay,
		Exclusions:    exclusions,
		Logger:        a.log,
		Metrics:       a.prom,
	})

	// ── Build the gateway ────────────────────────────────────────────────────
	gw := proxy.NewGateway(a.baseCtx, a.reasoner, a.perceiver, a.enricher, proxy.GatewayOptions{
		Logger:       a.log,
		Metrics:      a.prom,
		Orchestrator: orchestrator,
		Descriptions: a.descs,
		CacheReady:   cacheReady,
		Partition: content.PartitionOptions{
			PDFLocalEnabled: a.cfg.PDF.LocalEnabled,
			PDFMaxBytes:     a.cfg.PDF.MaxPDFBytes(),
			Prober:          fetch.New(),
		},
	})

	// ── Optional subsystems ──────────────────────────────────────────────────

	// Rate limiting — only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiters(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	gw.SetLogger(a.reqLogger)
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
