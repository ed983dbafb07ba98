// Package driver holds the capability interfaces source clients implement
// and the types the aggregator exchanges with them.
//
// Every source projects its native payloads into msvcore.Finding values;
// raw payloads never cross this boundary.
package driver

import (
	"context"

	"github.com/quay/msvcore"
	"github.com/quay/msvcore/catalog"
)

// ProductSpec is the aggregator's view of one product query.
type ProductSpec struct {
	// Entry is the resolved catalog entry. Never nil.
	Entry *catalog.Entry
	// ForceRefresh requests that sources bypass their response caches.
	ForceRefresh bool
}

// SourceOutput is what a source contributes to one aggregation.
type SourceOutput struct {
	// Branches carries vendor-asserted per-branch MSVs. Only vendor
	// advisory fetchers populate this; the aggregator derives branches
	// for feed sources.
	Branches []msvcore.BranchMSV
	Findings []*msvcore.Finding
	// Note surfaces in the SourceResult list, e.g. "cached" or
	// "fallback table".
	Note string
	// Degraded marks output produced from a static fallback rather than
	// the live feed.
	Degraded bool
}

// Source is the common contract for all vulnerability sources: vendor
// advisory fetchers, the offline vuln DB, and generic CVE feeds.
type Source interface {
	// Tag names the source in SourceResult lists and finding provenance.
	Tag() string
	// Query returns the source's view of the product. A nil error with
	// empty output is a valid "nothing known" answer.
	Query(ctx context.Context, spec *ProductSpec) (*SourceOutput, error)
}

// CPESearchOpts tunes offline vuln DB CPE searches.
type CPESearchOpts struct {
	// MinCVSS drops findings scored below this threshold.
	MinCVSS float64
	// ExcludeMalware drops records tagged as malware rather than CVEs.
	ExcludeMalware bool
}

// OfflineDB is the offline vuln DB capability (AppThreat bundle).
type OfflineDB interface {
	Source
	SearchByCPE(ctx context.Context, cpe string, opt CPESearchOpts) ([]*msvcore.Finding, error)
	SearchByPURL(ctx context.Context, purl string, opt CPESearchOpts) ([]*msvcore.Finding, error)
	SearchByCVE(ctx context.Context, cve string) (*msvcore.Finding, error)
}

// KEVEntry is one CISA Known Exploited Vulnerabilities record, reduced to
// what enrichment needs.
type KEVEntry struct {
	CVE           string
	VendorProject string
	Product       string
	DateAdded     string
}

// KEVSearcher looks up KEV entries by product search terms. Implementations
// try each term in order and stop at the first that matches anything.
type KEVSearcher interface {
	Search(ctx context.Context, terms []string) ([]KEVEntry, error)
}

// CVEDetailer resolves a single CVE ID to a fixed version and CVSS score.
// Used against NVD for findings still missing fixed versions.
type CVEDetailer interface {
	Detail(ctx context.Context, cve string) (*msvcore.Finding, error)
}

// PoCChecker reports which of a batch of CVE IDs have known exploit code in
// circulation. CVEs the checker knows nothing about are absent from the
// result.
type PoCChecker interface {
	Exploited(ctx context.Context, cves []string) (map[string]bool, error)
}

// BulkScorer returns EPSS probabilities for a batch of CVE IDs. Unknown IDs
// are simply absent from the result.
type BulkScorer interface {
	Scores(ctx context.Context, cves []string) (map[string]float64, error)
}

// VendorRegistry maps catalog entries to their vendor advisory fetcher, or
// nil when no fetcher exists for the vendor/product pair.
type VendorRegistry interface {
	Fetcher(e *catalog.Entry) Source
}
