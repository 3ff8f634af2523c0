package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRobotsConsultedOncePerHost(t *testing.T) {
	var robotsFetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			robotsFetches.Add(1)
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	p := NewPoliteness(srv.Client(), Config{
		UserAgent:        "ingestify-test/1.0",
		RespectRobotsTxt: true,
		RateLimitPerSec:  1000,
	})
	ctx := context.Background()

	assert.True(t, p.Allowed(ctx, srv.URL+"/public/a"))
	assert.False(t, p.Allowed(ctx, srv.URL+"/private/b"))
	assert.True(t, p.Allowed(ctx, srv.URL+"/public/c"))
	assert.Equal(t, int32(1), robotsFetches.Load(), "robots.txt fetched once per host")
}

func TestRobotsDisabledAllowsAll(t *testing.T) {
	p := NewPoliteness(nil, Config{RespectRobotsTxt: false})
	assert.True(t, p.Allowed(context.Background(), "https://example.com/private/x"))
}

func TestRobotsUnreachableAllowsAll(t *testing.T) {
	p := NewPoliteness(&http.Client{Timeout: 50 * time.Millisecond}, Config{
		RespectRobotsTxt: true,
		RateLimitPerSec:  1000,
	})
	assert.True(t, p.Allowed(context.Background(), "http://192.0.2.1/page"))
}

func TestWaitEnforcesPerHostDelay(t *testing.T) {
	p := NewPoliteness(nil, Config{PerHostDelay: 40 * time.Millisecond})
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, p.Wait(ctx, "https://example.com/a"))
	require.NoError(t, p.Wait(ctx, "https://example.com/b"))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond,
		"second request to the same host must wait the per-host delay")

	// A different host has its own limiter and is not delayed.
	start = time.Now()
	require.NoError(t, p.Wait(ctx, "https://other.com/a"))
	assert.Less(t, time.Since(start), 40*time.Millisecond)
}
