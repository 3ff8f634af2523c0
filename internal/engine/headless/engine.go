// Package headless implements the fetch engine on chromedp for pages that
// need JavaScript execution before their content exists.
package headless

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/geda-valentim/ingestify-to-ai/internal/engine"
	"github.com/geda-valentim/ingestify-to-ai/internal/jobs"
)

// Engine implements engine.Engine using a headless Chrome instance for page
// rendering. File and asset downloads bypass the browser and go through a
// plain HTTP client on the same proxy.
type Engine struct {
	cfg         engine.Config
	proxy       *jobs.Proxy
	client      *http.Client
	allocator   context.Context
	allocCancel context.CancelFunc
	politeness  *engine.Politeness
}

// New builds a headless_browser engine, optionally routed through a proxy.
func New(cfg engine.Config, proxy *jobs.Proxy) (*Engine, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if proxy != nil {
		opts = append(opts, chromedp.ProxyServer(proxy.URL()))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 15 * time.Second,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
	}
	if proxy != nil {
		if proxyURL, err := url.Parse(proxy.URL()); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	client := &http.Client{Transport: transport, Timeout: cfg.Timeout}

	return &Engine{
		cfg:         cfg,
		proxy:       proxy,
		client:      client,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		politeness:  engine.NewPoliteness(client, cfg),
	}, nil
}

func (e *Engine) navTimeout() time.Duration {
	if e.cfg.HeadlessTimeout > 0 {
		return e.cfg.HeadlessTimeout
	}
	return 45 * time.Second
}

// CrawlPage renders the URL in headless Chrome and extracts outgoing links
// from the settled DOM.
func (e *Engine) CrawlPage(ctx context.Context, pageURL string, extensions []string) ([]string, []byte, error) {
	if err := e.politeness.Wait(ctx, pageURL); err != nil {
		return nil, nil, err
	}
	if !e.politeness.Allowed(ctx, pageURL) {
		return nil, nil, &engine.HTTPError{StatusCode: http.StatusForbidden, URL: pageURL}
	}

	taskCtx, taskCancel := chromedp.NewContext(e.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, e.navTimeout())
	defer cancel()

	// Cancel the navigation when the caller's context ends.
	go func() {
		select {
		case <-ctx.Done():
			taskCancel()
		case <-taskCtx.Done():
		}
	}()

	var (
		html     string
		finalURL string
		status   int
	)
	chromedp.ListenTarget(taskCtx, func(ev any) {
		if resp, ok := ev.(*network.EventResponseReceived); ok {
			if resp.Type == network.ResourceTypeDocument && resp.Response != nil && status == 0 {
				status = int(resp.Response.Status)
			}
		}
	})

	actions := []chromedp.Action{
		chromedp.ActionFunc(func(ctx context.Context) error {
			if err := network.Enable().Do(ctx); err != nil {
				return fmt.Errorf("enable network domain: %w", err)
			}
			if e.cfg.UserAgent != "" {
				if err := emulation.SetUserAgentOverride(e.cfg.UserAgent).Do(ctx); err != nil {
					return fmt.Errorf("set user-agent: %w", err)
				}
			}
			return nil
		}),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return nil, nil, fmt.Errorf("crawl canceled: %w", ctx.Err())
		}
		if taskCtx.Err() == context.DeadlineExceeded {
			return nil, nil, context.DeadlineExceeded
		}
		return nil, nil, &engine.JSError{Err: err}
	}
	if status >= 400 {
		return nil, nil, &engine.HTTPError{StatusCode: status, URL: pageURL}
	}
	if finalURL == "" {
		finalURL = pageURL
	}

	links, err := engine.ExtractLinks([]byte(html), finalURL, extensions)
	if err != nil {
		return nil, nil, err
	}
	return links, []byte(html), nil
}

// Download streams the URL body to w. Raw file downloads do not need the
// browser, so this uses the HTTP client with the engine's proxy and the
// per-URL retry policy.
func (e *Engine) Download(ctx context.Context, rawURL string, w io.Writer) (int64, string, error) {
	var (
		written     int64
		contentType string
	)
	err := engine.WithRetry(ctx, e.cfg.Retry, func() error {
		if err := e.politeness.Wait(ctx, rawURL); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return jobs.Invalid("url", "build request for %q: %v", rawURL, err)
		}
		if e.cfg.UserAgent != "" {
			req.Header.Set("User-Agent", e.cfg.UserAgent)
		}
		resp, err := e.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return &engine.HTTPError{StatusCode: resp.StatusCode, URL: rawURL}
		}
		contentType = resp.Header.Get("Content-Type")
		written, err = io.Copy(w, resp.Body)
		if err != nil {
			return fmt.Errorf("stream body: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, "", err
	}
	return written, contentType, nil
}

// ExtractAssets finds asset references in the rendered HTML.
func (e *Engine) ExtractAssets(html []byte, pageURL string, assetTypes []jobs.AssetType) (map[jobs.AssetType][]string, error) {
	return engine.ExtractAssets(html, pageURL, assetTypes)
}

// DownloadAssets fetches the grouped assets into destDir, one subdirectory
// per type. Individual failures skip the asset rather than failing the set.
func (e *Engine) DownloadAssets(ctx context.Context, assets map[jobs.AssetType][]string, destDir string) (map[jobs.AssetType][]string, error) {
	out := map[jobs.AssetType][]string{}
	for at, urls := range assets {
		typeDir := filepath.Join(destDir, string(at))
		if err := os.MkdirAll(typeDir, 0o750); err != nil {
			return nil, fmt.Errorf("create asset dir: %w", err)
		}
		for _, assetURL := range urls {
			local := filepath.Join(typeDir, safeFilename(assetURL))
			f, err := os.Create(local)
			if err != nil {
				return nil, fmt.Errorf("create asset file: %w", err)
			}
			_, _, err = e.Download(ctx, assetURL, f)
			closeErr := f.Close()
			if err != nil || closeErr != nil {
				_ = os.Remove(local)
				continue
			}
			out[at] = append(out[at], local)
		}
	}
	return out, nil
}

// Close tears down the browser allocator.
func (e *Engine) Close() error {
	e.allocCancel()
	e.client.CloseIdleConnections()
	return nil
}

func safeFilename(rawURL string) string {
	u, err := url.Parse(rawURL)
	name := "file"
	if err == nil {
		if base := filepath.Base(u.Path); base != "" && base != "/" && base != "." {
			name = base
		}
	}
	return filepath.Clean(filepath.Base(name))
}

var _ engine.Engine = (*Engine)(nil)
