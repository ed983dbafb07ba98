// Package epss is the Exploit Prediction Scoring System source.
//
// EPSS is enrichment only: it never produces branches or new findings, just
// per-CVE exploitation probabilities merged onto existing findings.
package epss

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/quay/zlog"

	"github.com/quay/msvcore/internal/httputil"
	"github.com/quay/msvcore/internal/ratelimit"
	"github.com/quay/msvcore/libmsv/driver"
)

// DefaultURL is the daily bulk score file.
//
//doc:url source
const DefaultURL = `https://epss.cyentia.com/epss_scores-current.csv.gz`

const (
	cacheKey = "epss-scores"
	cacheTTL = 24 * time.Hour
)

// Tag is the source tag for EPSS enrichment.
const Tag = "epss"

var _ driver.BulkScorer = (*Client)(nil)

// Client downloads the bulk file once per process and answers lookups from
// memory.
type Client struct {
	c   *httputil.Client
	url string

	mu     sync.Mutex
	scores map[string]float64
}

// New returns a Client over the default daily feed.
func New(c *httputil.Client) *Client {
	return &Client{c: c, url: DefaultURL}
}

// SetURL points the client at an alternate feed. The file must be gzipped
// CSV. Mostly for tests.
func (c *Client) SetURL(u string) error {
	if !strings.HasSuffix(u, ".gz") {
		return fmt.Errorf("epss: expected a .gz file, got %q", u)
	}
	c.url = u
	return nil
}

func (c *Client) load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scores != nil {
		return nil
	}
	b, err := c.c.Fetch(ctx, &httputil.Request{
		URL:      c.url,
		CacheKey: cacheKey,
		TTL:      cacheTTL,
		Limiter:  ratelimit.Get(ratelimit.FamilyEPSS, 10, time.Minute),
	})
	if err != nil {
		return fmt.Errorf("epss: %w", err)
	}
	gz, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("epss: decompressing feed: %w", err)
	}
	defer gz.Close()

	rd := csv.NewReader(gz)
	rd.Comment = '#'
	rd.FieldsPerRecord = -1
	m := make(map[string]float64)
	var header bool
	for {
		rec, err := rd.Read()
		switch {
		case err == io.EOF:
			c.scores = m
			zlog.Debug(ctx).Int("cves", len(m)).Msg("EPSS scores loaded")
			return nil
		case err != nil:
			return fmt.Errorf("epss: reading feed: %w", err)
		}
		if len(rec) < 2 {
			continue
		}
		if !header && strings.EqualFold(rec[0], "cve") {
			header = true
			continue
		}
		s, err := strconv.ParseFloat(rec[1], 64)
		if err != nil {
			zlog.Warn(ctx).
				Str("cve", rec[0]).
				Err(err).
				Msg("skipping malformed EPSS record")
			continue
		}
		m[strings.ToUpper(rec[0])] = s
	}
}

// Scores implements driver.BulkScorer.
func (c *Client) Scores(ctx context.Context, cves []string) (map[string]float64, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "source/epss/Client.Scores")
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(cves))
	for _, cve := range cves {
		if s, ok := c.scores[strings.ToUpper(cve)]; ok {
			out[cve] = s
		}
	}
	return out, nil
}
