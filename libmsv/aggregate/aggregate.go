// Package aggregate implements the evidence aggregator: it orchestrates the
// vulnerability sources in a fixed priority order, merges their findings,
// derives per-branch minimum safe versions, and persists the result.
//
// An Aggregate call is strictly sequential; later steps depend on what the
// earlier sources found. Parallelism across products belongs to the batch
// executor, never in here.
package aggregate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/quay/msvcore"
	"github.com/quay/msvcore/catalog"
	"github.com/quay/msvcore/datastore"
	"github.com/quay/msvcore/libmsv/driver"
	"github.com/quay/msvcore/score"
)

// Source priority order, highest trust first. Every aggregation reports all
// of these in its SourceResult list, queried or not.
const (
	srcVendor    = "vendor-advisory"
	srcOffline   = "offline-db"
	srcKEV       = "cisa-kev"
	srcVulnCheck = "vulncheck"
	srcNVD       = "nvd"
	srcEPSS      = "epss"
)

const (
	// defaultMaxAge is how long a complete cached result satisfies queries.
	defaultMaxAge = 24 * time.Hour
	// maxDetailLookups bounds per-CVE NVD lookups for findings missing a
	// fixed version.
	maxDetailLookups = 5
	// maxScoreBatch bounds the EPSS and exploit-evidence batch sizes.
	maxScoreBatch = 30
	// minOfflineCVSS drops low-severity noise from offline CPE searches.
	minOfflineCVSS = 4.0
)

// Aggregator wires the sources. Any source but the store may be nil; a nil
// source is reported as not queried with a reason.
type Aggregator struct {
	Store   *datastore.MSVStore
	Vendors driver.VendorRegistry
	Offline driver.OfflineDB
	KEV     driver.KEVSearcher
	// NVDSource and Detailer are usually the same client exposed through
	// both capabilities.
	NVDSource driver.Source
	Detailer  driver.CVEDetailer
	VulnCheck driver.Source
	PoC       driver.PoCChecker
	EPSS      driver.BulkScorer

	// MaxAge overrides the cache freshness window. Zero means 24h.
	MaxAge time.Duration
	// MismatchFactor tunes the version-scheme mismatch detector. Zero means
	// the detector's default.
	MismatchFactor int
}

// run is the per-call state.
type run struct {
	a     *Aggregator
	spec  *driver.ProductSpec
	res   *msvcore.AggregatedResult
	byCVE map[string]*msvcore.Finding

	hasVendor bool
	sources   []msvcore.SourceResult
}

// Aggregate computes the aggregated result for one product. Single-source
// failures are recorded and skipped; the only errors returned are cache
// persistence failures.
func (a *Aggregator) Aggregate(ctx context.Context, spec *driver.ProductSpec) (*msvcore.AggregatedResult, error) {
	entry := spec.Entry
	ctx = zlog.ContextWithValues(ctx,
		"component", "libmsv/aggregate/Aggregator.Aggregate",
		"product", entry.ID)
	key := datastore.Key(entry.Vendor, entry.Product)
	maxAge := a.MaxAge
	if maxAge == 0 {
		maxAge = defaultMaxAge
	}
	if spec.ForceRefresh {
		if err := a.Store.Delete(ctx, key); err != nil {
			return nil, fmt.Errorf("aggregate: %w", err)
		}
	} else if !a.Store.NeedsRefresh(ctx, key, maxAge) {
		e := a.Store.Get(ctx, key)
		res := *e.Result
		res.FromCache = true
		zlog.Debug(ctx).Msg("served from MSV cache")
		return &res, nil
	}

	r := run{
		a:    a,
		spec: spec,
		res: &msvcore.AggregatedResult{
			Ref:     uuid.New(),
			Product: entry.ID,
			Updated: time.Now().UTC(),
		},
		byCVE: make(map[string]*msvcore.Finding),
	}
	r.vendor(ctx)
	r.offline(ctx)
	r.kev(ctx)
	r.vulncheck(ctx)
	r.nvd(ctx)
	r.details(ctx)
	r.epss(ctx)
	r.finish(ctx)

	if err := r.persist(ctx, key); err != nil {
		// The result is intact; callers may still use it best-effort.
		return r.res, fmt.Errorf("aggregate: persisting result: %w", err)
	}
	return r.res, nil
}

// record appends one SourceResult row.
func (r *run) record(name string, queried bool, count int, note string) {
	r.sources = append(r.sources, msvcore.SourceResult{
		Name:     name,
		Note:     note,
		CVECount: count,
		Queried:  queried,
	})
}

// admit applies the catalog's per-product filters.
func (r *run) admit(f *msvcore.Finding) bool {
	e := r.spec.Entry
	if fv := strings.TrimPrefix(f.FixedVersion, ">"); fv != "" && !e.MatchesVersion(fv) {
		return false
	}
	return !e.ExcludesDescription(f.Description)
}

// merge folds findings into the deduped set, returning how many were new or
// contributed fields. Filtering happens before merge so an excluded record
// never surfaces, not even as enrichment.
func (r *run) merge(fs []*msvcore.Finding, filter bool) int {
	var n int
	for _, f := range fs {
		if filter && !r.admit(f) {
			continue
		}
		f.Normalize()
		if prev, ok := r.byCVE[f.CVE]; ok {
			prev.Absorb(f)
		} else {
			r.byCVE[f.CVE] = f
			r.res.Findings = append(r.res.Findings, f)
		}
		n++
	}
	return n
}

// setMSV seeds minimum/recommended from the current findings if nothing has
// set them yet. Branch data recomputes both later.
func (r *run) setMSV() {
	if r.res.MinimumSafeVersion != "" {
		return
	}
	if msv := msvcore.FindMinimumSafeVersion(r.res.FixedVersions()); msv != "" {
		r.res.MinimumSafeVersion = msv
		r.res.RecommendedVersion = msv
	}
}

// vendor runs the vendor advisory fetcher, the highest-trust source.
func (r *run) vendor(ctx context.Context) {
	if r.a.Vendors == nil {
		r.record(srcVendor, false, 0, "no registry")
		return
	}
	src := r.a.Vendors.Fetcher(r.spec.Entry)
	if src == nil {
		r.record(srcVendor, false, 0, "no fetcher for vendor")
		return
	}
	out, err := src.Query(ctx, r.spec)
	if err != nil {
		zlog.Warn(ctx).Err(err).Msg("vendor advisory fetch failed")
		r.record(srcVendor, true, 0, "fetch failed")
		return
	}
	n := r.merge(out.Findings, true)
	if len(out.Branches) != 0 {
		r.hasVendor = true
		for _, b := range out.Branches {
			if b.Latest != "" && b.MSV != "" && b.MSV != "unknown" {
				b.NoSafeVersion = msvcore.CompareVersions(b.MSV, b.Latest) > 0
			}
			r.res.Branches = append(r.res.Branches, b)
		}
	}
	note := out.Note
	if out.Degraded && note == "" {
		note = "degraded"
	}
	r.record(srcVendor, true, n, note)
}

// offline consults the offline vuln DB when no vendor data exists and the
// entry has a CPE to search by.
func (r *run) offline(ctx context.Context) {
	switch {
	case r.a.Offline == nil:
		r.record(srcOffline, false, 0, "not configured")
		return
	case r.hasVendor:
		r.record(srcOffline, false, 0, "vendor data present")
		return
	case r.spec.Entry.CPE == "":
		r.record(srcOffline, false, 0, "no CPE")
		return
	}
	fs, err := r.a.Offline.SearchByCPE(ctx, r.spec.Entry.CPE, driver.CPESearchOpts{
		MinCVSS:        minOfflineCVSS,
		ExcludeMalware: true,
	})
	if err != nil {
		zlog.Warn(ctx).Err(err).Msg("offline DB search failed")
		r.record(srcOffline, true, 0, "search failed")
		return
	}
	n := r.merge(fs, true)
	r.setMSV()
	r.record(srcOffline, true, n, "")
}

// kevTerms derives the search terms tried against the KEV catalog, in order:
// the product slug, the slug with underscores opened up, the last word of
// the display name, then the aliases.
func kevTerms(e *catalog.Entry) []string {
	terms := []string{e.Product}
	if strings.Contains(e.Product, "_") {
		terms = append(terms, strings.ReplaceAll(e.Product, "_", " "))
	}
	if ws := strings.Fields(e.DisplayName); len(ws) != 0 {
		terms = append(terms, ws[len(ws)-1])
	}
	terms = append(terms, e.Aliases...)
	return terms
}

// kev always runs: exploited-in-the-wild evidence outranks everything else
// for prioritization even when it brings no fix information.
func (r *run) kev(ctx context.Context) {
	if r.a.KEV == nil {
		r.record(srcKEV, false, 0, "not configured")
		return
	}
	entries, err := r.a.KEV.Search(ctx, kevTerms(r.spec.Entry))
	if err != nil {
		zlog.Warn(ctx).Err(err).Msg("KEV search failed")
		r.record(srcKEV, true, 0, "search failed")
		return
	}
	var n int
	for _, k := range entries {
		if f, ok := r.byCVE[k.CVE]; ok {
			f.InKEV = true
			f.KEVDateAdded = k.DateAdded
			f.Normalize()
			n++
			continue
		}
		n += r.merge([]*msvcore.Finding{{
			CVE:          k.CVE,
			Source:       srcKEV,
			KEVDateAdded: k.DateAdded,
			InKEV:        true,
		}}, true)
	}
	r.record(srcKEV, true, n, "")
}

// vulncheck merges the secondary CPE feed and exploit evidence, when a token
// was configured.
func (r *run) vulncheck(ctx context.Context) {
	if r.a.VulnCheck == nil && r.a.PoC == nil {
		r.record(srcVulnCheck, false, 0, "no API token")
		return
	}
	var n int
	var notes []string
	if r.a.VulnCheck != nil && r.spec.Entry.CPE != "" {
		out, err := r.a.VulnCheck.Query(ctx, r.spec)
		if err != nil {
			zlog.Warn(ctx).Err(err).Msg("vulncheck query failed")
			notes = append(notes, "query failed")
		} else {
			n = r.merge(out.Findings, true)
		}
	}
	if r.a.PoC != nil && len(r.res.Findings) != 0 {
		cves := make([]string, 0, maxScoreBatch)
		for _, f := range r.res.Findings {
			if len(cves) == maxScoreBatch {
				break
			}
			cves = append(cves, f.CVE)
		}
		known, err := r.a.PoC.Exploited(ctx, cves)
		if err != nil {
			zlog.Warn(ctx).Err(err).Msg("vulncheck exploit lookup failed")
			notes = append(notes, "exploit lookup failed")
		} else {
			for cve, poc := range known {
				if f, ok := r.byCVE[cve]; ok && poc {
					f.HasPoC = true
				}
			}
		}
	}
	r.record(srcVulnCheck, true, n, strings.Join(notes, "; "))
}

// nvdReason decides whether NVD must be consulted and why.
func (r *run) nvdReason() string {
	switch {
	case len(r.res.Findings) == 0:
		return "no findings"
	case len(r.res.FixedVersions()) == 0:
		return "no fixed versions"
	case score.SchemeMismatch(r.res.FixedVersions(), r.spec.Entry.LatestVersion, r.a.MismatchFactor):
		return "version mismatch"
	}
	return ""
}

func (r *run) nvd(ctx context.Context) {
	if r.a.NVDSource == nil {
		r.record(srcNVD, false, 0, "not configured")
		return
	}
	reason := r.nvdReason()
	if reason == "" {
		r.record(srcNVD, false, 0, "sufficient evidence")
		return
	}
	out, err := r.a.NVDSource.Query(ctx, r.spec)
	if err != nil {
		zlog.Warn(ctx).Err(err).Msg("NVD query failed")
		r.record(srcNVD, true, 0, reason+"; query failed")
		return
	}
	n := r.merge(out.Findings, true)
	r.setMSV()
	r.record(srcNVD, true, n, reason)
}

// details fills fixed versions for up to maxDetailLookups findings that
// still lack one, via single-CVE NVD lookups. Earlier sources' values are
// never overwritten. Lookups are folded into the nvd SourceResult row so the
// source list reflects that NVD was actually consulted.
func (r *run) details(ctx context.Context) {
	if r.a.Detailer == nil {
		return
	}
	var looked, filled int
	for _, f := range r.res.Findings {
		if f.FixedVersion != "" {
			continue
		}
		if looked == maxDetailLookups {
			break
		}
		looked++
		d, err := r.a.Detailer.Detail(ctx, f.CVE)
		if err != nil {
			zlog.Warn(ctx).Str("cve", f.CVE).Err(err).Msg("CVE detail lookup failed")
			continue
		}
		if d == nil {
			continue
		}
		if !r.admit(d) {
			continue
		}
		f.Absorb(d)
		filled++
	}
	if looked == 0 {
		return
	}
	for i := range r.sources {
		if r.sources[i].Name != srcNVD {
			continue
		}
		s := &r.sources[i]
		s.Queried = true
		s.CVECount += filled
		note := fmt.Sprintf("%d detail lookups", looked)
		switch s.Note {
		case "", "sufficient evidence":
			s.Note = note
		default:
			s.Note += "; " + note
		}
	}
}

func (r *run) epss(ctx context.Context) {
	if r.a.EPSS == nil {
		r.record(srcEPSS, false, 0, "not configured")
		return
	}
	if len(r.res.Findings) == 0 {
		r.record(srcEPSS, false, 0, "no findings")
		return
	}
	cves := make([]string, 0, maxScoreBatch)
	for _, f := range r.res.Findings {
		if len(cves) == maxScoreBatch {
			break
		}
		cves = append(cves, f.CVE)
	}
	scores, err := r.a.EPSS.Scores(ctx, cves)
	if err != nil {
		zlog.Warn(ctx).Err(err).Msg("EPSS lookup failed")
		r.record(srcEPSS, true, 0, "lookup failed")
		return
	}
	var n int
	for cve, s := range scores {
		if f, ok := r.byCVE[cve]; ok && f.EPSS == nil {
			v := s
			f.EPSS = &v
			n++
		}
	}
	r.record(srcEPSS, true, n, "")
}

// finish derives branch structure, recomputes the version summary, and
// freezes the source list.
func (r *run) finish(ctx context.Context) {
	res := r.res
	for _, f := range res.Findings {
		if f.InKEV {
			res.HasKEVCVEs = true
			break
		}
	}
	r.setMSV()

	if len(res.Branches) == 0 && res.MinimumSafeVersion != "" {
		res.Branches = append(res.Branches, msvcore.BranchMSV{
			Branch: "default",
			MSV:    res.MinimumSafeVersion,
			Latest: res.MinimumSafeVersion,
		})
	}
	if len(res.Branches) != 0 {
		var lo, hi string
		for _, b := range res.Branches {
			if b.MSV == "" || b.MSV == "unknown" {
				continue
			}
			if lo == "" || msvcore.CompareVersions(b.MSV, lo) < 0 {
				lo = b.MSV
			}
			if hi == "" || msvcore.CompareVersions(b.MSV, hi) > 0 {
				hi = b.MSV
			}
		}
		if lo != "" {
			res.MinimumSafeVersion = lo
			res.RecommendedVersion = hi
		}
	}
	if lv := r.spec.Entry.LatestVersion; lv != "" && res.RecommendedVersion != "" &&
		msvcore.CompareVersions(lv, res.RecommendedVersion) > 0 {
		res.RecommendedVersion = lv
	}
	res.Sources = r.sources
	zlog.Debug(ctx).
		Int("findings", len(res.Findings)).
		Int("branches", len(res.Branches)).
		Str("msv", res.MinimumSafeVersion).
		Msg("aggregation finished")
}

func (r *run) persist(ctx context.Context, key string) error {
	res := r.res
	confidence := datastore.ConfidenceLow
	switch {
	case r.hasVendor:
		confidence = datastore.ConfidenceHigh
	case res.MinimumSafeVersion != "":
		confidence = datastore.ConfidenceMedium
	}
	e := datastore.Entry{
		Result:        res,
		Product:       res.Product,
		Confidence:    confidence,
		LastUpdated:   res.Updated,
		CVECount:      len(res.Findings),
		HasKEVCVEs:    res.HasKEVCVEs,
		BranchChecked: make(map[string]time.Time, len(res.Branches)),
	}
	if len(res.Findings) == 0 {
		e.Justification = "no known CVEs reported by any queried source"
	}
	for _, s := range r.sources {
		if s.Queried {
			e.Sources = append(e.Sources, s.Name)
		}
	}
	for _, b := range res.Branches {
		e.BranchChecked[b.Branch] = res.Updated
	}
	return r.a.Store.Update(ctx, key, &e)
}
