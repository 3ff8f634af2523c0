// Package htmlparser implements the fetch engine on gocolly for static
// sites. It is the cheap default; the headless engine takes over when pages
// need JavaScript.
package htmlparser

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/geda-valentim/ingestify-to-ai/internal/engine"
	"github.com/geda-valentim/ingestify-to-ai/internal/jobs"
)

// Engine implements engine.Engine using a Colly collector for page fetches
// and a pooled HTTP client for file/asset downloads.
type Engine struct {
	cfg        engine.Config
	proxy      *jobs.Proxy
	client     *http.Client
	base       *colly.Collector
	politeness *engine.Politeness
}

// New builds an html_parser engine, optionally routed through a proxy.
func New(cfg engine.Config, proxy *jobs.Proxy) (*Engine, error) {
	transport := newTransport(proxy)
	client := &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}

	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(transport)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	if cfg.Timeout > 0 {
		c.SetRequestTimeout(cfg.Timeout)
	}

	return &Engine{
		cfg:        cfg,
		proxy:      proxy,
		client:     client,
		base:       c,
		politeness: engine.NewPoliteness(client, cfg),
	}, nil
}

func newTransport(proxy *jobs.Proxy) *http.Transport {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	if proxy != nil {
		if proxyURL, err := url.Parse(proxy.URL()); err == nil {
			t.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return t
}

// CrawlPage fetches the URL and extracts outgoing links filtered to the
// given extensions.
func (e *Engine) CrawlPage(ctx context.Context, pageURL string, extensions []string) ([]string, []byte, error) {
	if err := e.politeness.Wait(ctx, pageURL); err != nil {
		return nil, nil, err
	}
	if !e.politeness.Allowed(ctx, pageURL) {
		return nil, nil, &engine.HTTPError{StatusCode: http.StatusForbidden, URL: pageURL}
	}

	var (
		body     []byte
		finalURL = pageURL
		fetchErr error
	)
	collector := e.base.Clone()
	collector.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
		finalURL = r.Request.URL.String()
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			fetchErr = wrapStatus(r.StatusCode, pageURL, e.proxy != nil)
			return
		}
		fetchErr = wrapNetErr(err, e.proxy != nil)
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(pageURL)
	}()
	select {
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("crawl canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return nil, nil, fetchErr
		}
		if err != nil {
			return nil, nil, wrapNetErr(err, e.proxy != nil)
		}
	}

	links, err := engine.ExtractLinks(body, finalURL, extensions)
	if err != nil {
		return nil, nil, err
	}
	return links, body, nil
}

// Download streams the URL body to w under the per-URL retry policy.
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
			return wrapNetErr(err, e.proxy != nil)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return wrapStatus(resp.StatusCode, rawURL, e.proxy != nil)
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

// ExtractAssets finds asset references in the HTML, resolved against the
// page URL (or an explicit <base href> when the document carries one).
func (e *Engine) ExtractAssets(html []byte, pageURL string, assetTypes []jobs.AssetType) (map[jobs.AssetType][]string, error) {
	base := baseFromHTML(html)
	if base == "" {
		base = pageURL
	}
	return engine.ExtractAssets(html, base, assetTypes)
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
			local := filepath.Join(typeDir, SafeFilename(assetURL))
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

// Close releases the HTTP client's idle connections.
func (e *Engine) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

// SafeFilename derives a filesystem-safe name from a URL path.
func SafeFilename(rawURL string) string {
	u, err := url.Parse(rawURL)
	name := "file"
	if err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			name = base
		}
	}
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_", " ", "_", "%", "_", "?", "_", "&", "_")
	return replacer.Replace(name)
}

func baseFromHTML(html []byte) string {
	// <base href> wins when present; otherwise this returns "" and the caller
	// resolves references against the page URL.
	const marker = `<base href="`
	s := string(html)
	if i := strings.Index(strings.ToLower(s), marker); i >= 0 {
		rest := s[i+len(marker):]
		if j := strings.IndexByte(rest, '"'); j > 0 {
			return rest[:j]
		}
	}
	return ""
}

func wrapStatus(code int, url string, viaProxy bool) error {
	err := &engine.HTTPError{StatusCode: code, URL: url}
	if viaProxy && code == http.StatusProxyAuthRequired {
		return &engine.ProxyError{Err: err}
	}
	return err
}

func wrapNetErr(err error, viaProxy bool) error {
	if err == nil {
		return nil
	}
	if viaProxy && strings.Contains(err.Error(), "proxyconnect") {
		return &engine.ProxyError{Err: err}
	}
	return err
}

var _ engine.Engine = (*Engine)(nil)
