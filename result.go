package msvcore

import (
	"time"

	"github.com/google/uuid"
)

// BranchMSV is the minimum safe version for one release line of a product.
type BranchMSV struct {
	// Branch is the release-line key, e.g. "9.0", "R81.20", "plus-25".
	Branch string `json:"branch"`
	// MSV is the highest fixed version known in this branch, or "unknown".
	MSV string `json:"msv"`
	// Latest is the latest version known to exist in this branch.
	Latest string `json:"latest,omitempty"`
	// CVEs are the CVE IDs considered when deriving MSV.
	CVEs []string `json:"cves,omitempty"`
	// NoSafeVersion is set when MSV exceeds Latest: the vendor has
	// disclosed but not yet shipped a fix.
	NoSafeVersion bool `json:"noSafeVersion,omitempty"`
}

// SourceResult records one source's contribution to an aggregation, queried
// or not.
type SourceResult struct {
	Name string `json:"name"`
	Note string `json:"note,omitempty"`
	// CVECount is the number of findings this source contributed.
	CVECount int  `json:"cveCount"`
	Queried  bool `json:"queried"`
}

// AggregatedResult is the aggregator's output for one product.
type AggregatedResult struct {
	// Ref uniquely identifies the aggregation run that produced this
	// result.
	Ref uuid.UUID `json:"ref"`
	// Product is the catalog product ID.
	Product  string       `json:"product"`
	Branches []BranchMSV  `json:"branches"`
	Findings []*Finding   `json:"findings"`
	// Sources covers every possible source in priority order, including
	// those not queried.
	Sources []SourceResult `json:"sources"`
	// MinimumSafeVersion is the lowest MSV across branches.
	MinimumSafeVersion string `json:"minimumSafeVersion,omitempty"`
	// RecommendedVersion is the highest MSV across branches, bumped to the
	// catalog's latestVersion when the catalog knows of a newer release.
	RecommendedVersion string    `json:"recommendedVersion,omitempty"`
	Updated            time.Time `json:"updated"`
	HasKEVCVEs         bool      `json:"hasKEVCVEs,omitempty"`
	// FromCache is set when the result was served from the MSV cache
	// without contacting any source. Not persisted.
	FromCache bool `json:"-"`
}

// Finding returns the finding for the given CVE ID, or nil.
func (r *AggregatedResult) Finding(cve string) *Finding {
	for _, f := range r.Findings {
		if f.CVE == cve {
			return f
		}
	}
	return nil
}

// FixedVersions returns all non-empty fixed versions across findings.
func (r *AggregatedResult) FixedVersions() []string {
	var vs []string
	for _, f := range r.Findings {
		if f.FixedVersion != "" {
			vs = append(vs, f.FixedVersion)
		}
	}
	return vs
}
