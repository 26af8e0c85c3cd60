package cache

import (
	"path/filepath"
	"testing"
	"time"
)

func newDescCache(t *testing.T, opts DescriptionCacheOptions) *DescriptionCache {
	t.Helper()
	if opts.TTL == 0 {
		opts.TTL = time.Hour
	}
	opts.Enabled = true
	return NewDescriptionCache(opts)
}

func TestDescriptionKey_Deterministic(t *testing.T) {
	a := DescriptionKey([]byte("payload"), "context")
	b := DescriptionKey([]byte("payload"), "context")
	if a != b {
		t.Error("same inputs must produce the same key")
	}
	if len(a) != 64 {
		t.Errorf("expected hex sha256, got %d chars", len(a))
	}

	if DescriptionKey([]byte("payload"), "other") == a {
		t.Error("context must contribute to the key")
	}
	if DescriptionKey([]byte("different"), "context") == a {
		t.Error("content must contribute to the key")
	}
}

func TestDescriptionCache_GetSet(t *testing.T) {
	c := newDescCache(t, DescriptionCacheOptions{Capacity: 10})

	key := DescriptionKey([]byte("img"), "")
	if _, ok := c.Get(key); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.Set(key, "a red bicycle", "gemini-2.0-flash")

	entry, ok := c.Get(key)
	if !ok {
		t.Fatal("expected hit")
	}
	if entry.Description != "a red bicycle" || entry.Model != "gemini-2.0-flash" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.Hits != 1 {
		t.Errorf("hit counter not incremented: %d", entry.Hits)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Size != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.HitRate != 0.5 {
		t.Errorf("expected hit rate 0.5, got %v", stats.HitRate)
	}
}

func TestDescriptionCache_TTLExpiry(t *testing.T) {
	c := newDescCache(t, DescriptionCacheOptions{Capacity: 10, TTL: 10 * time.Millisecond})

	c.Set("k", "value", "m")
	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get("k"); ok {
		t.Fatal("expired entry must be a miss")
	}
	if c.Len() != 0 {
		t.Error("expired entry must be evicted on access")
	}
}

func TestDescriptionCache_CapacityEvictsLowestScore(t *testing.T) {
	c := newDescCache(t, DescriptionCacheOptions{Capacity: 2})

	c.Set("old", "first", "m")
	c.Set("popular", "second", "m")

	// Reuse boosts the score well past any timestamp tiebreak.
	for i := 0; i < 3; i++ {
		if _, ok := c.Get("popular"); !ok {
			t.Fatal("expected hit")
		}
	}

	c.Set("new", "third", "m")

	if _, ok := c.Get("popular"); !ok {
		t.Error("frequently reused entry must survive eviction")
	}
	if _, ok := c.Get("new"); !ok {
		t.Error("newly inserted entry must be present")
	}
	if _, ok := c.Get("old"); ok {
		t.Error("lowest-score entry must be evicted")
	}
	if c.Len() != 2 {
		t.Errorf("capacity exceeded: %d entries", c.Len())
	}
}

func TestDescriptionCache_OverwriteDoesNotEvict(t *testing.T) {
	c := newDescCache(t, DescriptionCacheOptions{Capacity: 2})

	c.Set("a", "1", "m")
	c.Set("b", "2", "m")
	c.Set("a", "updated", "m")

	if c.Len() != 2 {
		t.Errorf("overwriting an existing key must not evict, got %d entries", c.Len())
	}
	entry, _ := c.Get("a")
	if entry.Description != "updated" {
		t.Errorf("expected updated value, got %q", entry.Description)
	}
}

func TestDescriptionCache_Disabled(t *testing.T) {
	c := NewDescriptionCache(DescriptionCacheOptions{Enabled: false, Capacity: 10})

	c.Set("k", "v", "m")
	if _, ok := c.Get("k"); ok {
		t.Error("disabled cache must always miss")
	}
	if s := c.Stats(); s.Enabled || s.Size != 0 {
		t.Errorf("unexpected stats for disabled cache: %+v", s)
	}
}

func TestDescriptionCache_PersistenceRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "descs.json")

	c1 := newDescCache(t, DescriptionCacheOptions{Capacity: 10, FilePath: path})
	c1.Set("k1", "desc one", "m")
	c1.Set("k2", "desc two", "m")

	// A fresh instance resumes from the persisted file.
	c2 := newDescCache(t, DescriptionCacheOptions{Capacity: 10, FilePath: path})
	if c2.Len() != 2 {
		t.Fatalf("expected 2 restored entries, got %d", c2.Len())
	}
	entry, ok := c2.Get("k1")
	if !ok || entry.Description != "desc one" {
		t.Errorf("restored entry mismatch: %+v ok=%v", entry, ok)
	}
}

func TestDescriptionCache_SelfDisableOnPersistFailure(t *testing.T) {
	// A directory path makes WriteFile fail.
	c := newDescCache(t, DescriptionCacheOptions{Capacity: 10, FilePath: t.TempDir()})

	c.Set("k", "v", "m")

	if s := c.Stats(); s.Enabled {
		t.Error("cache must disable itself after a persistence failure")
	}
	if _, ok := c.Get("k"); ok {
		t.Error("disabled cache must miss")
	}
}
