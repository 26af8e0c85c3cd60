package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/multimodal-gateway/internal/metrics"
	"github.com/nulpointcorp/multimodal-gateway/internal/providers"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes against both backends and the cache
// and exposes the latest results.
type HealthChecker struct {
	probes     map[string]func(context.Context) error
	cacheReady func() bool
	baseCtx    context.Context
	metrics    *metrics.Registry

	backendStatuses map[string]*componentStatus
	cacheStatus     componentStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background
// probes. reasoner and perceiver may be nil (their probe is skipped).
func NewHealthChecker(
	ctx context.Context,
	reasoner providers.Reasoner,
	perceiver providers.Perceiver,
	cacheReady func() bool,
	met *metrics.Registry,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		probes:          make(map[string]func(context.Context) error),
		cacheReady:      cacheReady,
		backendStatuses: make(map[string]*componentStatus),
		startTime:       time.Now(),
		done:            make(chan struct{}),
		baseCtx:         ctx,
		metrics:         met,
	}

	if reasoner != nil {
		hc.probes[reasoner.Name()] = reasoner.HealthCheck
	}
	if perceiver != nil {
		hc.probes[perceiver.Name()] = perceiver.HealthCheck
	}
	for name := range hc.probes {
		hc.backendStatuses[name] = &componentStatus{status: "unknown"}
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Backends      map[string]string `json:"backends"`
	Cache         string            `json:"cache"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	backends := make(map[string]string, len(hc.backendStatuses))
	for name, s := range hc.backendStatuses {
		st := s.get()
		backends[name] = st
		if st != "ok" {
			overall = "degraded"
		}
	}

	cache := hc.cacheStatus.get()
	if cache == "degraded" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Backends:      backends,
		Cache:         cache,
	}
}

// ReadinessOK returns true when the cache backend is reachable
// (used by GET /readiness for Kubernetes probes).
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.cacheStatus.get() == "ok"
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	// Backend probes — run in parallel.
	var wg sync.WaitGroup
	for name, check := range hc.probes {
		name, check := name, check
		s := hc.backendStatuses[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := check(ctx); err != nil {
				s.set("degraded")
				if hc.metrics != nil {
					hc.metrics.SetProviderHealth(name, false)
				}
			} else {
				s.set("ok")
				if hc.metrics != nil {
					hc.metrics.SetProviderHealth(name, true)
				}
			}
		}()
	}

	// Cache probe — nil probe means "not configured" → ok.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.cacheReady == nil || hc.cacheReady() {
			hc.cacheStatus.set("ok")
		} else {
			hc.cacheStatus.set("degraded")
		}
	}()

	wg.Wait()
}
