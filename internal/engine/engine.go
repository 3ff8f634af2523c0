// Package engine defines the fetch-engine contract shared by the HTML parser
// and headless browser implementations, plus the per-URL retry and error
// classification rules both rely on.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/geda-valentim/ingestify-to-ai/internal/jobs"
)

// Engine is the capability set both fetch implementations expose.
type Engine interface {
	// CrawlPage fetches the URL, returning outgoing link URLs (absolute,
	// filtered to the given extensions when non-empty) and the raw HTML.
	CrawlPage(ctx context.Context, url string, extensions []string) (links []string, html []byte, err error)
	// Download streams the URL body to w, returning bytes written and the
	// response content type.
	Download(ctx context.Context, url string, w io.Writer) (int64, string, error)
	// ExtractAssets finds asset references in the HTML, resolved against the
	// page URL and grouped by type.
	ExtractAssets(html []byte, pageURL string, assetTypes []jobs.AssetType) (map[jobs.AssetType][]string, error)
	// DownloadAssets fetches the grouped assets into destDir and returns the
	// local paths per type.
	DownloadAssets(ctx context.Context, assets map[jobs.AssetType][]string, destDir string) (map[jobs.AssetType][]string, error)
	// Close releases engine resources.
	Close() error
}

// Factory builds an engine for one attempt's engine/proxy selection.
type Factory func(name jobs.Engine, proxy *jobs.Proxy) (Engine, error)

// HTTPError carries a response status for classification.
type HTTPError struct {
	StatusCode int
	URL        string
}

// Error implements error.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d for %s", e.StatusCode, e.URL)
}

// JSError marks a headless-rendering failure.
type JSError struct {
	Err error
}

// Error implements error.
func (e *JSError) Error() string { return fmt.Sprintf("javascript error: %v", e.Err) }

// Unwrap exposes the cause.
func (e *JSError) Unwrap() error { return e.Err }

// ProxyError marks a proxy connection failure.
type ProxyError struct {
	Err error
}

// Error implements error.
func (e *ProxyError) Error() string { return fmt.Sprintf("proxy error: %v", e.Err) }

// Unwrap exposes the cause.
func (e *ProxyError) Unwrap() error { return e.Err }

// Classify maps a fetch failure onto the attempt-log error classes.
func Classify(err error) jobs.ErrorType {
	if err == nil {
		return ""
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode >= 500:
			return jobs.ErrHTTP5xx
		case httpErr.StatusCode >= 400:
			return jobs.ErrHTTP4xx
		}
	}
	var jsErr *JSError
	if errors.As(err, &jsErr) {
		return jobs.ErrJavascript
	}
	var proxyErr *ProxyError
	if errors.As(err, &proxyErr) {
		return jobs.ErrProxy
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return jobs.ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return jobs.ErrTimeout
	}
	if strings.Contains(err.Error(), "proxy") {
		return jobs.ErrProxy
	}
	return jobs.ErrOther
}

// Retryable reports whether a per-URL download error is worth another
// attempt: connection failures, timeouts, 5xx, 408 and 429.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode >= 500 {
			return true
		}
		return httpErr.StatusCode == http.StatusRequestTimeout || httpErr.StatusCode == http.StatusTooManyRequests
	}
	// Network-level failures are transient by default.
	return true
}

// RetryConfig bounds the per-URL download retry loop.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig mirrors the documented per-URL policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// Backoff returns the exponential delay before the given attempt (0-based).
func (c RetryConfig) Backoff(attempt int) time.Duration {
	d := c.BaseDelay << attempt
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// WithRetry runs fn under the per-URL retry policy, sleeping between
// attempts and honoring context cancellation.
func WithRetry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(cfg.Backoff(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// Config carries the knobs shared by both engines.
type Config struct {
	UserAgent        string
	Timeout          time.Duration
	RespectRobotsTxt bool
	RateLimitPerSec  int
	PerHostDelay     time.Duration
	HeadlessTimeout  time.Duration
	Retry            RetryConfig
}
