package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/multimodal-gateway/internal/cache"
	"github.com/nulpointcorp/multimodal-gateway/internal/metrics"
)

const (
	// defaultResponseTTL keeps completed responses replayable for rapid
	// back-to-back duplicates without holding them long enough to go stale.
	defaultResponseTTL = 60 * time.Second

	// defaultDeferDelay is the fixed wait applied to the deferred model class
	// before the content-only in-flight map is consulted.
	defaultDeferDelay = 100 * time.Millisecond
)

// Result is the outcome of an orchestrated request.
type Result struct {
	// Body is the response payload (internal OpenAI-shaped JSON).
	Body []byte
	// FromCache is true when the response was replayed from the TTL cache.
	FromCache bool
	// Shared is true when this caller attached to an already-running call.
	Shared bool
}

// call is a resolvable placeholder shared by all callers of one key.
type call struct {
	done chan struct{}
	body []byte
	err  error
}

// Orchestrator provides single-flight deduplication plus a short-TTL response
// cache. It is an explicitly constructed store with per-mutation locking —
// never a process-wide singleton.
type Orchestrator struct {
	mu       sync.Mutex
	inflight map[string]*call // keyed by full canonical key
	content  map[string]*call // keyed by content-only key

	recent     cache.Cache
	ttl        time.Duration
	deferDelay time.Duration
	exclusions *cache.ExclusionList
	log        *slog.Logger
	metrics    *metrics.Registry
}

// Options configure an Orchestrator. All fields have defaults.
type Options struct {
	// ResponseCache stores completed responses. Nil disables response caching
	// (single-flight still applies).
	ResponseCache cache.Cache
	// ResponseTTL bounds cached response age. Default: 60s.
	ResponseTTL time.Duration
	// DeferDelay is the fixed wait for the deferred model class. Default: 100ms.
	DeferDelay time.Duration
	// Exclusions lists models whose responses are never cached.
	Exclusions *cache.ExclusionList
	// Logger for dedup events. Nil means slog.Default().
	Logger *slog.Logger
	// Metrics records response-cache get/set outcomes. Nil disables recording.
	Metrics *metrics.Registry
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	if opts.ResponseTTL <= 0 {
		opts.ResponseTTL = defaultResponseTTL
	}
	if opts.DeferDelay <= 0 {
		opts.DeferDelay = defaultDeferDelay
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		inflight:   make(map[string]*call),
		content:    make(map[string]*call),
		recent:     opts.ResponseCache,
		ttl:        opts.ResponseTTL,
		deferDelay: opts.DeferDelay,
		exclusions: opts.Exclusions,
		log:        log,
		metrics:    opts.Metrics,
	}
}

// Execute runs work under single-flight protection for the given request body.
//
// Protocol, in order:
//  1. Deferred model class: wait the fixed delay, then attach to a matching
//     content-only in-flight call when one exists.
//  2. Full-key TTL cache hit → returned immediately.
//  3. Full-key in-flight hit → attach to the pending call.
//  4. Otherwise insert a placeholder atomically (full key, plus content key
//     for non-deferred models), run work, resolve, populate the cache, and
//     remove both entries.
//  5. On failure the placeholder is rejected and both entries are removed at
//     once, so the slot is immediately retryable — failed calls are never
//     cached.
func (o *Orchestrator) Execute(
	ctx context.Context,
	body []byte,
	model string,
	deferred bool,
	work func(context.Context) ([]byte, error),
) (Result, error) {
	fullKey, err := CanonicalKey(body)
	if err != nil {
		// Uncanonicalizable bodies bypass deduplication entirely.
		out, werr := work(ctx)
		return Result{Body: out}, werr
	}

	if deferred {
		contentKey, cerr := ContentKey(body)
		if cerr == nil {
			select {
			case <-time.After(o.deferDelay):
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
			o.mu.Lock()
			c := o.content[contentKey]
			o.mu.Unlock()
			if c != nil {
				o.log.DebugContext(ctx, "dedup_content_attach", slog.String("model", model))
				return o.wait(ctx, c)
			}
		}
	}

	excluded := o.exclusions.Matches(model)

	if o.recent != nil {
		if excluded {
			// Excluded models are never written, so reading is pointless.
			if o.metrics != nil {
				o.metrics.CacheGetBypass()
			}
		} else if cached, ok := o.recent.Get(ctx, "resp:"+fullKey); ok {
			if o.metrics != nil {
				o.metrics.CacheGetHit()
			}
			o.log.DebugContext(ctx, "dedup_cache_hit", slog.String("model", model))
			return Result{Body: cached, FromCache: true}, nil
		} else if o.metrics != nil {
			o.metrics.CacheGetMiss()
		}
	}

	o.mu.Lock()
	if c, ok := o.inflight[fullKey]; ok {
		o.mu.Unlock()
		o.log.DebugContext(ctx, "dedup_inflight_attach", slog.String("model", model))
		return o.wait(ctx, c)
	}

	// Atomic check-then-insert: this caller owns the real work.
	c := &call{done: make(chan struct{})}
	o.inflight[fullKey] = c
	var contentKey string
	if !deferred {
		if ck, cerr := ContentKey(body); cerr == nil {
			contentKey = ck
			o.content[ck] = c
		}
	}
	o.mu.Unlock()

	out, err := runGuarded(ctx, work)

	o.mu.Lock()
	c.body, c.err = out, err
	close(c.done)
	delete(o.inflight, fullKey)
	if contentKey != "" {
		delete(o.content, contentKey)
	}
	o.mu.Unlock()

	if err != nil {
		return Result{}, err
	}

	if o.recent != nil && !excluded {
		if serr := o.recent.Set(ctx, "resp:"+fullKey, out, o.ttl); serr != nil {
			if o.metrics != nil {
				o.metrics.CacheSetError()
			}
			o.log.WarnContext(ctx, "dedup_cache_set_failed", slog.String("error", serr.Error()))
		} else if o.metrics != nil {
			o.metrics.CacheSetOK()
		}
	}

	return Result{Body: out}, nil
}

// runGuarded converts a panic inside work into an error, so the in-flight
// placeholder is always resolved and both map entries are removed. Without
// this a panicking handler would leave waiters blocked on the slot forever.
func runGuarded(ctx context.Context, work func(context.Context) ([]byte, error)) (body []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dedup: work panicked: %v", r)
		}
	}()
	return work(ctx)
}

// wait blocks until the shared call resolves or ctx is cancelled.
func (o *Orchestrator) wait(ctx context.Context, c *call) (Result, error) {
	select {
	case <-c.done:
		if c.err != nil {
			return Result{}, c.err
		}
		return Result{Body: c.body, Shared: true}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
