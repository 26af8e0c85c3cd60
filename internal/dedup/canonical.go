// Package dedup provides single-flight deduplication and a short-TTL response
// cache guarding the reasoning backend from redundant concurrent or rapid
// repeat calls.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalKey derives the full dedup key from a raw request body: object
// keys are recursively sorted, array order is preserved, and the streaming
// flag is stripped — so the streaming and non-streaming variants of one
// request share a key.
func CanonicalKey(body []byte) (string, error) {
	return canonicalize(body, "stream")
}

// ContentKey additionally strips the model field. It merges near-duplicate
// calls that differ only by model alias, and is consulted solely for the
// deferred low-latency model class.
func ContentKey(body []byte) (string, error) {
	return canonicalize(body, "stream", "model")
}

func canonicalize(body []byte, strip ...string) (string, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return "", fmt.Errorf("dedup: canonicalize: %w", err)
	}

	if m, ok := v.(map[string]any); ok {
		for _, field := range strip {
			delete(m, field)
		}
	}

	// encoding/json serializes map keys in sorted order at every nesting
	// level, which gives the deterministic form directly.
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("dedup: canonicalize: %w", err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
