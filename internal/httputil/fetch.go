package httputil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/quay/zlog"
	"golang.org/x/time/rate"

	"github.com/quay/msvcore/internal/filecache"
)

// Retry policy: up to 5 attempts total, exponential backoff starting at 2s,
// doubling, capped at 60s. A Retry-After header on 429/403 overrides the
// backoff for that wait.
const (
	maxAttempts    = 5
	initialBackoff = 2 * time.Second
	maxBackoff     = 60 * time.Second
	defaultTimeout = 30 * time.Second
)

// Client is the fetch primitive shared by all source clients.
type Client struct {
	c         *http.Client
	cache     *filecache.Store
	userAgent string
}

// NewClient wraps hc. The cache may be nil, in which case CacheKey on
// requests is ignored. The userAgent is sent on every request; several
// vendors require one.
func NewClient(hc *http.Client, cache *filecache.Store, userAgent string) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{c: hc, cache: cache, userAgent: userAgent}
}

// Request describes one fetch.
type Request struct {
	// URL is the absolute URL to GET.
	URL string
	// Accept is sent as the Accept header when non-empty.
	Accept string
	// Header holds any additional headers, e.g. Authorization.
	Header http.Header
	// CacheKey enables caching of the response payload under this key.
	CacheKey string
	// TTL is the cache lifetime; the caller owns TTL policy, not this
	// primitive.
	TTL time.Duration
	// NoCache skips the cache read, so a live payload is fetched even when
	// an unexpired one is on disk. The fresh payload is still written back
	// under CacheKey.
	NoCache bool
	// Limiter, when non-nil, is awaited before every network attempt.
	Limiter *rate.Limiter
	// Timeout bounds each individual attempt. Defaults to 30s.
	Timeout time.Duration
}

// Fetch performs the request per the contract in the package comment,
// returning the response payload.
func (c *Client) Fetch(ctx context.Context, req *Request) ([]byte, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "internal/httputil/Client.Fetch", "url", req.URL)
	if c.cache != nil && req.CacheKey != "" && !req.NoCache {
		var b []byte
		ok, err := c.cache.Get(ctx, req.CacheKey, &b)
		if err != nil {
			return nil, err
		}
		if ok {
			cacheCounter.WithLabelValues("hit").Inc()
			zlog.Debug(ctx).Str("key", req.CacheKey).Msg("cache hit")
			return b, nil
		}
		cacheCounter.WithLabelValues("miss").Inc()
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	backoff := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			retryCounter.Inc()
		}
		if req.Limiter != nil {
			if err := req.Limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("httputil: rate limiter: %w", err)
			}
		}
		b, wait, err := c.do(ctx, req, timeout)
		switch {
		case err == nil:
			if c.cache != nil && req.CacheKey != "" {
				if err := c.cache.Set(ctx, req.CacheKey, b, req.TTL, req.URL); err != nil {
					return nil, err
				}
			}
			return b, nil
		case wait < 0:
			// Not retryable.
			return nil, err
		}
		lastErr = err
		if wait == 0 {
			wait = backoff
		}
		zlog.Debug(ctx).
			Int("attempt", attempt).
			Dur("wait", wait).
			Err(err).
			Msg("fetch failed, backing off")
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return nil, fmt.Errorf("httputil: giving up after %d attempts: %w", maxAttempts, lastErr)
}

// do performs one attempt. The returned duration is negative for
// non-retryable failures, zero for "retry after the current backoff", and
// positive when the server supplied a Retry-After.
func (c *Client) do(ctx context.Context, req *Request, timeout time.Duration) ([]byte, time.Duration, error) {
	ctx, done := context.WithTimeout(ctx, timeout)
	defer done()
	hr, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, -1, err
	}
	if c.userAgent != "" {
		hr.Header.Set("User-Agent", c.userAgent)
	}
	if req.Accept != "" {
		hr.Header.Set("Accept", req.Accept)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	res, err := c.c.Do(hr)
	if err != nil {
		// Transport failure or timeout; retryable.
		return nil, 0, err
	}
	defer res.Body.Close()
	fetchCounter.WithLabelValues(hr.URL.Host, strconv.Itoa(res.StatusCode)).Inc()
	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		b, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, 0, err
		}
		return b, 0, nil
	case res.StatusCode == http.StatusTooManyRequests, res.StatusCode == http.StatusForbidden:
		var wait time.Duration
		if ra := res.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				wait = time.Duration(secs) * time.Second
			}
		}
		return nil, wait, CheckResponse(res)
	}
	return nil, -1, CheckResponse(res)
}
