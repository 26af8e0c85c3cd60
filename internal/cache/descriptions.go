package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"
)

// CachedDescription is one perception result, keyed by content hash.
type CachedDescription struct {
	Description string    `json:"description"`
	Model       string    `json:"model"`
	CreatedAt   time.Time `json:"created_at"`
	Hits        int64     `json:"hits"`
}

// score ranks an entry for capacity eviction: frequently reused entries are
// protected, ties break toward the oldest.
func (d CachedDescription) score() int64 {
	return d.Hits*1000 + d.CreatedAt.Unix()
}

// DescriptionStats is the snapshot served by GET /v1/cache/stats.
type DescriptionStats struct {
	Enabled  bool    `json:"enabled"`
	Size     int     `json:"size"`
	Capacity int     `json:"capacity"`
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	HitRate  float64 `json:"hit_rate"`
}

// DescriptionCache is a content-addressed, TTL and capacity bounded store of
// perception results.
//
// Every mutation is flushed to a JSON file so a restart resumes from the last
// saved state; entries are idempotent derived data, so last-writer-wins is
// fine. A persistence failure logs once and disables the cache for the rest
// of the process instead of crashing.
type DescriptionCache struct {
	mu       sync.Mutex
	entries  map[string]CachedDescription
	capacity int
	ttl      time.Duration
	filePath string
	enabled  bool
	log      *slog.Logger

	hits   int64
	misses int64
}

// DescriptionCacheOptions configure a DescriptionCache.
type DescriptionCacheOptions struct {
	// Capacity bounds the number of entries. Default: 1000.
	Capacity int
	// TTL bounds entry age. Default: 24h.
	TTL time.Duration
	// FilePath is the persistence file. Empty disables persistence.
	FilePath string
	// Enabled turns the cache on. When false every operation is a no-op and
	// every lookup is a permanent miss.
	Enabled bool
	// Logger for persistence diagnostics. Nil means slog.Default().
	Logger *slog.Logger
}

// NewDescriptionCache creates a DescriptionCache, loading prior state from
// the persistence file when it exists.
func NewDescriptionCache(opts DescriptionCacheOptions) *DescriptionCache {
	if opts.Capacity <= 0 {
		opts.Capacity = 1000
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	c := &DescriptionCache{
		entries:  make(map[string]CachedDescription),
		capacity: opts.Capacity,
		ttl:      opts.TTL,
		filePath: opts.FilePath,
		enabled:  opts.Enabled,
		log:      log,
	}

	if c.enabled && c.filePath != "" {
		c.load()
	}

	return c
}

// DescriptionKey derives the content-addressed key from the raw content bytes
// and the textual context of the surrounding conversation. Hashing the inner
// digests keeps the outer input fixed-size regardless of payload size.
func DescriptionKey(content []byte, textContext string) string {
	ch := sha256.Sum256(content)
	xh := sha256.Sum256([]byte(textContext))
	sum := sha256.Sum256(append(ch[:], xh[:]...))
	return hex.EncodeToString(sum[:])
}

// Get returns the description for key when present and within TTL.
// A hit increments the entry's hit counter; an expired entry is evicted and
// reported as a miss.
func (c *DescriptionCache) Get(key string) (CachedDescription, bool) {
	if !c.enabled {
		return CachedDescription{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return CachedDescription{}, false
	}

	if time.Since(entry.CreatedAt) > c.ttl {
		delete(c.entries, key)
		c.misses++
		c.flushLocked()
		return CachedDescription{}, false
	}

	entry.Hits++
	c.entries[key] = entry
	c.hits++
	c.flushLocked()
	return entry, true
}

// Set stores a description under key, evicting the single lowest-score entry
// first when at capacity.
func (c *DescriptionCache) Set(key, description, model string) {
	if !c.enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evictLowestLocked()
	}

	c.entries[key] = CachedDescription{
		Description: description,
		Model:       model,
		CreatedAt:   time.Now(),
	}
	c.flushLocked()
}

// Stats returns a point-in-time snapshot of cache counters.
func (c *DescriptionCache) Stats() DescriptionStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := DescriptionStats{
		Enabled:  c.enabled,
		Size:     len(c.entries),
		Capacity: c.capacity,
		Hits:     c.hits,
		Misses:   c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Len returns the current entry count.
func (c *DescriptionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *DescriptionCache) evictLowestLocked() {
	var worstKey string
	var worstScore int64
	first := true
	for k, e := range c.entries {
		if s := e.score(); first || s < worstScore {
			worstKey, worstScore = k, s
			first = false
		}
	}
	if worstKey != "" {
		delete(c.entries, worstKey)
	}
}

func (c *DescriptionCache) load() {
	data, err := os.ReadFile(c.filePath)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Warn("description_cache_load_failed",
				slog.String("path", c.filePath),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	var entries map[string]CachedDescription
	if err := json.Unmarshal(data, &entries); err != nil {
		c.log.Warn("description_cache_corrupt",
			slog.String("path", c.filePath),
			slog.String("error", err.Error()),
		)
		return
	}
	c.entries = entries
}

// flushLocked persists the full entry map. On failure the cache disables
// itself for the remainder of the process — stale durable state is worse
// than no cache.
func (c *DescriptionCache) flushLocked() {
	if c.filePath == "" {
		return
	}

	data, err := json.Marshal(c.entries)
	if err == nil {
		err = os.WriteFile(c.filePath, data, 0o600)
	}
	if err != nil {
		c.log.Error("description_cache_persist_failed",
			slog.String("path", c.filePath),
			slog.String("error", err.Error()),
		)
		c.enabled = false
	}
}
