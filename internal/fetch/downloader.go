// Package fetch downloads remote content payloads referenced by URL.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/nulpointcorp/multimodal-gateway/internal/providers"
)

// DefaultMaxBytes caps a single download at 50 MB.
const DefaultMaxBytes = 50 << 20

// Downloader probes and fetches remote payloads over HTTP.
type Downloader struct {
	client   *http.Client
	maxBytes int64
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithHTTPClient overrides the HTTP client (useful for testing).
func WithHTTPClient(c *http.Client) Option {
	return func(d *Downloader) { d.client = c }
}

// WithMaxBytes overrides the download size cap.
func WithMaxBytes(n int64) Option {
	return func(d *Downloader) { d.maxBytes = n }
}

// New creates a Downloader with a shared timeout-bound HTTP client.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		client:   &http.Client{Timeout: providers.ProviderTimeout},
		maxBytes: DefaultMaxBytes,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Probe resolves the size and content type of url without downloading the
// body. It issues a HEAD request first and falls back to a ranged GET when
// the server does not advertise Content-Length on HEAD.
func (d *Downloader) Probe(ctx context.Context, url string) (int64, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, "", fmt.Errorf("fetch: probe %s: %w", url, err)
	}

	resp, err := d.client.Do(req)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode < 300 && resp.ContentLength > 0 {
			return resp.ContentLength, resp.Header.Get("Content-Type"), nil
		}
	}

	// HEAD unsupported or no length — ask for the first byte and read the
	// total size from Content-Range.
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", fmt.Errorf("fetch: probe %s: %w", url, err)
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err = d.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("fetch: probe %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return 0, "", fmt.Errorf("fetch: probe %s: status %d", url, resp.StatusCode)
	}

	ct := resp.Header.Get("Content-Type")
	if size := parseContentRangeTotal(resp.Header.Get("Content-Range")); size > 0 {
		return size, ct, nil
	}
	if resp.ContentLength > 0 && resp.StatusCode == http.StatusOK {
		return resp.ContentLength, ct, nil
	}
	return 0, ct, fmt.Errorf("fetch: probe %s: size unavailable", url)
}

// Fetch downloads the full payload at url, bounded by the configured size cap.
func (d *Downloader) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("fetch: %s: %w", url, err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch: %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("fetch: %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("fetch: %s: read body: %w", url, err)
	}
	if int64(len(body)) > d.maxBytes {
		return nil, "", fmt.Errorf("fetch: %s: payload exceeds %d bytes", url, d.maxBytes)
	}

	return body, resp.Header.Get("Content-Type"), nil
}

// parseContentRangeTotal extracts the total size from a "bytes 0-0/N" header.
func parseContentRangeTotal(h string) int64 {
	for i := len(h) - 1; i >= 0; i-- {
		if h[i] == '/' {
			n, err := strconv.ParseInt(h[i+1:], 10, 64)
			if err != nil {
				return 0
			}
			return n
		}
	}
	return 0
}
