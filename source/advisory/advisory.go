// Package advisory holds the vendor advisory fetchers and the registry that
// maps catalog entries onto them.
//
// Vendor advisories are the highest-trust source: a fix version the vendor
// asserts always outranks one derived from a generic feed.
package advisory

import (
	"context"
	"strings"

	"github.com/quay/zlog"

	"github.com/quay/msvcore"
	"github.com/quay/msvcore/catalog"
	"github.com/quay/msvcore/internal/httputil"
	"github.com/quay/msvcore/libmsv/driver"
)

var _ driver.VendorRegistry = (*Registry)(nil)

// Registry maps catalog entries to their vendor advisory fetcher.
type Registry struct {
	c *httputil.Client
	// byProduct keys on the catalog entry ID; byVendor on the lowercased
	// vendor string. Product bindings win.
	byProduct map[string]driver.Source
	byVendor  map[string]driver.Source
}

// NewRegistry returns a registry with the built-in bindings for the shipped
// catalog: endoflife.date for products it tracks, plus static fallback
// tables.
func NewRegistry(c *httputil.Client) *Registry {
	r := Registry{
		c:         c,
		byProduct: make(map[string]driver.Source),
		byVendor:  make(map[string]driver.Source),
	}
	eol := NewEOL(c)
	for product, slug := range eolSlugs {
		src := eol.ForProduct(slug)
		if table, ok := fallbackTables[product]; ok {
			src = withFallback(src, table)
		}
		r.byProduct[product] = src
	}
	return &r
}

// RegisterProduct binds a fetcher to one catalog entry ID, replacing any
// built-in binding.
func (r *Registry) RegisterProduct(id string, s driver.Source) {
	r.byProduct[id] = s
}

// RegisterVendor binds a fetcher to every entry of a vendor, e.g. a CSAF
// distribution covering the whole product line.
func (r *Registry) RegisterVendor(vendor string, s driver.Source) {
	r.byVendor[strings.ToLower(vendor)] = s
}

// Fetcher implements driver.VendorRegistry.
func (r *Registry) Fetcher(e *catalog.Entry) driver.Source {
	if s, ok := r.byProduct[e.ID]; ok {
		return s
	}
	if s, ok := r.byVendor[strings.ToLower(e.Vendor)]; ok {
		return s
	}
	return nil
}

// eolSlugs maps catalog entry IDs to endoflife.date product slugs.
var eolSlugs = map[string]string{
	"powershell-7":  "powershell",
	"git":           "git",
	"curl":          "curl",
	"nodejs":        "nodejs",
	"openssl":       "openssl",
	"putty":         "putty",
	"vlc":           "vlc",
	"7-zip":         "7zip",
	"notepplusplus": "notepad-plus-plus",
}

// fallbackTables carries per-product "known latest per branch" snapshots
// used when the live feed is unreachable. Refreshed only by code change;
// every use is flagged degraded so drift stays visible downstream.
var fallbackTables = map[string][]msvcore.BranchMSV{
	"powershell-7": {
		{Branch: "7.4", MSV: "unknown", Latest: "7.4.6"},
		{Branch: "7.5", MSV: "unknown", Latest: "7.5.2"},
	},
	"git": {
		{Branch: "2.49", MSV: "unknown", Latest: "2.49.1"},
		{Branch: "2.50", MSV: "unknown", Latest: "2.50.1"},
	},
	"openssl": {
		{Branch: "3.0", MSV: "unknown", Latest: "3.0.17"},
		{Branch: "3.5", MSV: "unknown", Latest: "3.5.1"},
	},
}

// withFallback wraps a source so a live failure degrades to the static table
// instead of erroring the whole aggregation.
func withFallback(inner driver.Source, table []msvcore.BranchMSV) driver.Source {
	return &fallbackSource{inner: inner, table: table}
}

type fallbackSource struct {
	inner driver.Source
	table []msvcore.BranchMSV
}

func (f *fallbackSource) Tag() string { return f.inner.Tag() }

func (f *fallbackSource) Query(ctx context.Context, spec *driver.ProductSpec) (*driver.SourceOutput, error) {
	out, err := f.inner.Query(ctx, spec)
	if err == nil {
		return out, nil
	}
	ctx = zlog.ContextWithValues(ctx, "component", "source/advisory/fallbackSource.Query")
	zlog.Warn(ctx).Err(err).Msg("live advisory feed failed, serving fallback table")
	branches := make([]msvcore.BranchMSV, len(f.table))
	copy(branches, f.table)
	return &driver.SourceOutput{
		Branches: branches,
		Note:     "fallback table",
		Degraded: true,
	}, nil
}
