package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"golang.org/x/time/rate"
)

// Politeness enforces the per-host request delay and robots.txt compliance.
// Robots files are fetched once per host per execution; an unreachable
// robots.txt allows all, matching common crawler practice.
type Politeness struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	robots   map[string]*robotstxt.RobotsData

	client    *http.Client
	userAgent string
	respect   bool
	perSecond rate.Limit
	burst     int
}

// NewPoliteness builds the shared politeness gate for one execution.
func NewPoliteness(client *http.Client, cfg Config) *Politeness {
	perSecond := rate.Limit(cfg.RateLimitPerSec)
	if cfg.RateLimitPerSec <= 0 {
		if cfg.PerHostDelay > 0 {
			perSecond = rate.Every(cfg.PerHostDelay)
		} else {
			perSecond = rate.Every(500 * time.Millisecond)
		}
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Politeness{
		limiters:  make(map[string]*rate.Limiter),
		robots:    make(map[string]*robotstxt.RobotsData),
		client:    client,
		userAgent: cfg.UserAgent,
		respect:   cfg.RespectRobotsTxt,
		perSecond: perSecond,
		burst:     1,
	}
}

// Wait blocks until the host's rate limiter admits one request.
func (p *Politeness) Wait(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url for rate limit: %w", err)
	}
	p.mu.Lock()
	limiter, ok := p.limiters[u.Host]
	if !ok {
		limiter = rate.NewLimiter(p.perSecond, p.burst)
		p.limiters[u.Host] = limiter
	}
	p.mu.Unlock()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// Allowed consults robots.txt for the URL. The first call per host fetches
// and caches the file for the rest of the execution.
func (p *Politeness) Allowed(ctx context.Context, rawURL string) bool {
	if !p.respect {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	data := p.robotsFor(ctx, u)
	if data == nil {
		return true
	}
	group := data.FindGroup(p.userAgent)
	if group == nil {
		return true
	}
	return group.Test(u.Path)
}

func (p *Politeness) robotsFor(ctx context.Context, u *url.URL) *robotstxt.RobotsData {
	p.mu.Lock()
	data, cached := p.robots[u.Host]
	p.mu.Unlock()
	if cached {
		return data
	}

	data = p.fetchRobots(ctx, u)
	p.mu.Lock()
	p.robots[u.Host] = data
	p.mu.Unlock()
	return data
}

func (p *Politeness) fetchRobots(ctx context.Context, u *url.URL) *robotstxt.RobotsData {
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", u.Scheme, u.Host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return nil
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil
	}
	return data
}
