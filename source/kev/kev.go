// Package kev is the CISA Known Exploited Vulnerabilities source.
//
// KEV never contributes branches; the aggregator always consults it to set
// the in-KEV and has-PoC bits on findings, and to add findings for exploited
// CVEs no other source reported.
package kev

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/quay/zlog"

	"github.com/quay/msvcore/internal/filecache"
	"github.com/quay/msvcore/internal/httputil"
	"github.com/quay/msvcore/internal/ratelimit"
	"github.com/quay/msvcore/libmsv/driver"
)

// DefaultFeed is the flat JSON download of the KEV catalog.
//
//doc:url source
const DefaultFeed = `https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json`

// Feed cache policy: vendor-advisory-grade, 4 hours.
const (
	cacheKey = "cisa-kev-catalog"
	cacheTTL = 4 * time.Hour
)

// Tag is the source tag KEV stamps on findings.
const Tag = "cisa-kev"

var _ driver.KEVSearcher = (*Client)(nil)

// root mirrors the feed's top-level object.
type root struct {
	CatalogVersion  string           `json:"catalogVersion"`
	DateReleased    string           `json:"dateReleased"`
	Count           int              `json:"count"`
	Vulnerabilities []*vulnerability `json:"vulnerabilities"`
}

// vulnerability mirrors one record in the CISA KEV schema.
type vulnerability struct {
	CVEID             string `json:"cveID"`
	VendorProject     string `json:"vendorProject"`
	Product           string `json:"product"`
	VulnerabilityName string `json:"vulnerabilityName"`
	DateAdded         string `json:"dateAdded"`
	ShortDescription  string `json:"shortDescription"`
}

// Client fetches and searches the KEV catalog.
type Client struct {
	c    *httputil.Client
	feed *url.URL
}

// New returns a Client reading the default feed through the shared fetch
// primitive.
func New(c *httputil.Client) (*Client, error) {
	u, err := url.Parse(DefaultFeed)
	if err != nil {
		panic(fmt.Sprintf("programmer error: %v", err))
	}
	return &Client{c: c, feed: u}, nil
}

// SetFeed points the client at an alternate catalog URL. Mostly for tests.
func (c *Client) SetFeed(feed string) error {
	u, err := url.Parse(feed)
	if err != nil {
		return err
	}
	if !strings.HasSuffix(u.Path, ".json") {
		return fmt.Errorf("kev: URL not pointing to JSON: %q", feed)
	}
	c.feed = u
	return nil
}

func (c *Client) catalog(ctx context.Context) (*root, error) {
	b, err := c.c.Fetch(ctx, &httputil.Request{
		URL:      c.feed.String(),
		Accept:   "application/json",
		CacheKey: cacheKey,
		TTL:      cacheTTL,
		Limiter:  ratelimit.Get(ratelimit.FamilyKEV, 10, time.Minute),
	})
	if err != nil {
		return nil, fmt.Errorf("kev: %w", err)
	}
	var r root
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("kev: parsing catalog: %w", err)
	}
	return &r, nil
}

// Refresh forces a re-download of the catalog, replacing the cached copy.
func (c *Client) Refresh(ctx context.Context, cache *filecache.Store) error {
	ctx = zlog.ContextWithValues(ctx, "component", "source/kev/Client.Refresh")
	if cache != nil {
		if err := cache.Delete(ctx, cacheKey); err != nil {
			return fmt.Errorf("kev: %w", err)
		}
	}
	r, err := c.catalog(ctx)
	if err != nil {
		return err
	}
	zlog.Info(ctx).
		Str("catalogVersion", r.CatalogVersion).
		Int("count", r.Count).
		Msg("KEV catalog refreshed")
	return nil
}

// Search implements driver.KEVSearcher: terms are tried in order against the
// vendorProject and product fields, case-insensitively, stopping at the
// first term that matches anything.
func (c *Client) Search(ctx context.Context, terms []string) ([]driver.KEVEntry, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "source/kev/Client.Search")
	r, err := c.catalog(ctx)
	if err != nil {
		return nil, err
	}
	for _, term := range terms {
		t := strings.ToLower(strings.TrimSpace(term))
		if t == "" {
			continue
		}
		var out []driver.KEVEntry
		for _, v := range r.Vulnerabilities {
			if strings.Contains(strings.ToLower(v.Product), t) ||
				strings.Contains(strings.ToLower(v.VendorProject), t) {
				out = append(out, driver.KEVEntry{
					CVE:           v.CVEID,
					VendorProject: v.VendorProject,
					Product:       v.Product,
					DateAdded:     v.DateAdded,
				})
			}
		}
		if len(out) != 0 {
			zlog.Debug(ctx).
				Str("term", t).
				Int("matches", len(out)).
				Msg("KEV search hit")
			return out, nil
		}
	}
	return nil, nil
}
