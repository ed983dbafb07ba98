// Package libmsv is the embedding-library entry point: construct a Libmsv
// from Options, then use QueryMSV for single products and Check for batches.
package libmsv

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/quay/zlog"

	"github.com/quay/msvcore"
	"github.com/quay/msvcore/catalog"
	"github.com/quay/msvcore/datastore"
	"github.com/quay/msvcore/internal/filecache"
	"github.com/quay/msvcore/internal/httputil"
	"github.com/quay/msvcore/libmsv/aggregate"
	"github.com/quay/msvcore/libmsv/driver"
	"github.com/quay/msvcore/score"
	"github.com/quay/msvcore/source/advisory"
	"github.com/quay/msvcore/source/appthreat"
	"github.com/quay/msvcore/source/epss"
	"github.com/quay/msvcore/source/kev"
	"github.com/quay/msvcore/source/nvd"
	"github.com/quay/msvcore/source/vulncheck"
)

// Options configures a Libmsv. The zero value resolves everything from the
// environment and the default data directory layout.
type Options struct {
	// DataDir is the root for caches and bundles. Empty means $PAI_DIR,
	// falling back to $HOME/AI-Projects.
	DataDir string
	// CatalogPath overrides the catalog location. Empty means
	// <DataDir>/software_catalog.json.
	CatalogPath string
	// NVDAPIKey raises the NVD rate limit. Empty means $NVD_API_KEY.
	NVDAPIKey string
	// VulnCheckToken enables the VulnCheck source. Empty means
	// $VULNCHECK_API_KEY; if that is empty too, the source stays off.
	VulnCheckToken string
	// OfflineDBDir holds the AppThreat bundle. Empty means <DataDir>/vdb.
	// The offline source is skipped, not fatal, when no bundle exists.
	OfflineDBDir string
	// OfflineMaxAge is the bundle age beyond which New re-downloads it via
	// the vdb CLI. Zero means 7 days; negative disables the auto-refresh.
	OfflineMaxAge time.Duration
	// Client is the HTTP client all sources share. Nil means
	// http.DefaultClient.
	Client *http.Client
	// UserAgent is sent on every outbound request.
	UserAgent string
	// MaxCacheAge overrides how long complete MSV cache entries satisfy
	// queries. Zero means 24h.
	MaxCacheAge time.Duration
	// Registry overrides the built-in vendor advisory registry.
	Registry driver.VendorRegistry
}

const defaultUserAgent = `msvcore/1.0 (+https://github.com/quay/msvcore)`

// DataDir resolves the effective data directory for the options.
func (o *Options) dataDir() (string, error) {
	if o.DataDir != "" {
		return o.DataDir, nil
	}
	if d := os.Getenv("PAI_DIR"); d != "" {
		return d, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("libmsv: resolving data directory: %w", err)
	}
	return filepath.Join(home, "AI-Projects"), nil
}

// Libmsv is the top-level coordinator.
type Libmsv struct {
	catalog *catalog.Catalog
	store   *datastore.MSVStore
	cache   *filecache.Store
	agg     *aggregate.Aggregator
	kev     *kev.Client
	offline *appthreat.DB
}

// New builds the source stack. Missing optional pieces (no VulnCheck token,
// no offline bundle) disable those sources; a missing catalog is fatal.
func New(ctx context.Context, opts *Options) (*Libmsv, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "libmsv/New")
	if opts == nil {
		opts = &Options{}
	}
	dataDir, err := opts.dataDir()
	if err != nil {
		return nil, err
	}
	catalogPath := opts.CatalogPath
	if catalogPath == "" {
		catalogPath = filepath.Join(dataDir, "software_catalog.json")
	}
	cat, err := catalog.LoadFile(ctx, catalogPath)
	if err != nil {
		return nil, fmt.Errorf("libmsv: %w", err)
	}

	cache, err := filecache.New(filepath.Join(dataDir, "cache"))
	if err != nil {
		return nil, fmt.Errorf("libmsv: %w", err)
	}
	store, err := datastore.Open(ctx, filepath.Join(dataDir, "msv_cache.json"))
	if err != nil {
		return nil, fmt.Errorf("libmsv: %w", err)
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	hc := httputil.NewClient(opts.Client, cache, ua)

	nvdKey := opts.NVDAPIKey
	if nvdKey == "" {
		nvdKey = os.Getenv("NVD_API_KEY")
	}
	nvdClient := nvd.New(hc, nvdKey)
	kevClient, err := kev.New(hc)
	if err != nil {
		return nil, fmt.Errorf("libmsv: %w", err)
	}

	l := Libmsv{
		catalog: cat,
		store:   store,
		cache:   cache,
		kev:     kevClient,
	}
	agg := aggregate.Aggregator{
		Store:     store,
		KEV:       kevClient,
		NVDSource: nvdClient,
		Detailer:  nvdClient,
		EPSS:      epss.New(hc),
		MaxAge:    opts.MaxCacheAge,
	}
	agg.Vendors = opts.Registry
	if agg.Vendors == nil {
		agg.Vendors = advisory.NewRegistry(hc)
	}

	token := opts.VulnCheckToken
	if token == "" {
		token = os.Getenv("VULNCHECK_API_KEY")
	}
	if token != "" {
		vc, err := vulncheck.New(hc, token)
		if err != nil {
			return nil, fmt.Errorf("libmsv: %w", err)
		}
		agg.VulnCheck = vc
		agg.PoC = vc
	}

	offDir := opts.OfflineDBDir
	if offDir == "" {
		offDir = filepath.Join(dataDir, "vdb")
	}
	if opts.OfflineMaxAge >= 0 {
		if err := appthreat.EnsureFresh(ctx, offDir, opts.OfflineMaxAge); err != nil {
			zlog.Debug(ctx).Err(err).Msg("offline bundle refresh unavailable")
		}
	}
	off, err := appthreat.Open(ctx, offDir)
	if err != nil {
		zlog.Warn(ctx).Err(err).Msg("offline vuln DB unavailable, continuing without it")
	} else {
		l.offline = off
		agg.Offline = off
	}

	l.agg = &agg
	return &l, nil
}

// Close releases held resources.
func (l *Libmsv) Close(_ context.Context) error {
	if l.offline != nil {
		return l.offline.Close()
	}
	return nil
}

// Catalog exposes the loaded catalog, read-only.
func (l *Libmsv) Catalog() *catalog.Catalog { return l.catalog }

// RefreshKEV forces a re-download of the CISA KEV catalog.
func (l *Libmsv) RefreshKEV(ctx context.Context) error {
	return l.kev.Refresh(ctx, l.cache)
}

// Compliance verdicts for an installed version judged against a result.
const (
	VerdictCompliant    = "COMPLIANT"
	VerdictNonCompliant = "NON_COMPLIANT"
	VerdictOutdated     = "OUTDATED"
	VerdictUnknown      = "UNKNOWN"
	VerdictNotFound     = "NOT_FOUND"
	VerdictError        = "ERROR"
)

// MSVResult is the coordinator's answer for one product.
type MSVResult struct {
	// Product is the catalog entry ID; DisplayName its human name.
	Product     string `json:"product"`
	DisplayName string `json:"displayName"`
	// MSV is the headline minimum safe version, or one of the synthetic
	// strings "N/A (OS Component)", "UNSUPPORTED", "unknown".
	MSV string `json:"msv"`
	// Result is the full aggregation, nil for short-circuited entries.
	Result         *msvcore.AggregatedResult `json:"result,omitempty"`
	Rating         score.Rating              `json:"rating"`
	Risk           score.Risk                `json:"risk"`
	Recommendation score.Recommendation      `json:"recommendation"`
	CurrentVersion string                    `json:"currentVersion,omitempty"`
	// Verdict is only set when a current version was supplied.
	Verdict string `json:"verdict,omitempty"`
	// Variants holds per-variant results for variant parents; such parents
	// carry no MSV of their own.
	Variants []*MSVResult `json:"variants,omitempty"`
	Note     string       `json:"note,omitempty"`
}

// QueryOpts tunes one QueryMSV call.
type QueryOpts struct {
	// CurrentVersion is the installed version to judge, optional.
	CurrentVersion string
	// Force bypasses the MSV cache.
	Force bool
}

// QueryMSV resolves a product name and computes its MSV result. A non-nil
// result can accompany a non-nil error: the computation succeeded but the
// result could not be persisted. Such results are still usable.
func (l *Libmsv) QueryMSV(ctx context.Context, name string, opts QueryOpts) (*MSVResult, error) {
	return l.query(ctx, name, opts, false)
}

func (l *Libmsv) query(ctx context.Context, name string, opts QueryOpts, isVariant bool) (*MSVResult, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "libmsv/Libmsv.QueryMSV", "name", name)
	e := l.catalog.Resolve(name)
	if e == nil {
		return nil, &msvcore.UnknownProductError{Name: name}
	}

	// Catalog-flagged entries never contact a source.
	switch {
	case e.OSComponent:
		return &MSVResult{
			Product:     e.ID,
			DisplayName: e.DisplayName,
			MSV:         "N/A (OS Component)",
			Rating: score.Rating{
				Reliability: 'A', Credibility: 2,
				Description: "serviced through operating system updates",
			},
			Recommendation: score.Recommend(e, nil, opts.CurrentVersion),
			CurrentVersion: opts.CurrentVersion,
		}, nil
	case e.EOL:
		return &MSVResult{
			Product:     e.ID,
			DisplayName: e.DisplayName,
			MSV:         "UNSUPPORTED",
			Rating: score.Rating{
				Reliability: 'A', Credibility: 1,
				Description: "vendor has discontinued this product line",
			},
			Recommendation: score.Recommend(e, nil, opts.CurrentVersion),
			CurrentVersion: opts.CurrentVersion,
			Verdict:        verdictFor(opts.CurrentVersion, "", ""),
		}, nil
	}

	if len(e.Variants) != 0 && !isVariant {
		out := MSVResult{
			Product:     e.ID,
			DisplayName: e.DisplayName,
			MSV:         "unknown",
			Note:        fmt.Sprintf("%d release tracks, see variants", len(e.Variants)),
		}
		var firstErr error
		for _, vid := range e.Variants {
			vr, err := l.query(ctx, vid, opts, true)
			if err != nil && vr == nil {
				zlog.Warn(ctx).Str("variant", vid).Err(err).Msg("variant query failed")
				out.Variants = append(out.Variants, &MSVResult{
					Product: vid,
					MSV:     "unknown",
					Verdict: VerdictError,
					Note:    err.Error(),
				})
				continue
			}
			if err != nil && firstErr == nil {
				firstErr = err
			}
			out.Variants = append(out.Variants, vr)
		}
		return &out, firstErr
	}

	res, err := l.agg.Aggregate(ctx, &driver.ProductSpec{Entry: e, ForceRefresh: opts.Force})
	if err != nil {
		if res == nil {
			return nil, err
		}
		// A persist failure still carries a usable in-memory result; return
		// both so callers can report the failure without losing the answer.
		zlog.Warn(ctx).Err(err).Msg("result not persisted")
		return l.assemble(e, res, opts), err
	}
	return l.assemble(e, res, opts), nil
}

// assemble attaches scoring and the compliance verdict.
func (l *Libmsv) assemble(e *catalog.Entry, res *msvcore.AggregatedResult, opts QueryOpts) *MSVResult {
	in := score.RatingInput{
		HasKEVEvidence: res.HasKEVCVEs,
		HasCVEData:     len(res.Findings) != 0,
		MSVDetermined:  res.MinimumSafeVersion != "",
		CVECount:       len(res.Findings),
	}
	for _, s := range res.Sources {
		if s.Name == "vendor-advisory" && s.Queried && s.Note != "fetch failed" {
			in.HasVendorAdvisory = hasVendorBranches(res)
		}
	}
	for _, f := range res.Findings {
		if f.HasPoC && !f.InKEV {
			in.HasVulnCheckPoC = true
		}
		if f.EPSS != nil && *f.EPSS > in.MaxEPSS {
			in.MaxEPSS = *f.EPSS
		}
	}
	msv := res.MinimumSafeVersion
	if msv == "" {
		msv = "unknown"
	}
	return &MSVResult{
		Product:        e.ID,
		DisplayName:    e.DisplayName,
		MSV:            msv,
		Result:         res,
		Rating:         score.Rate(in),
		Risk:           score.RiskScore(res, time.Since(res.Updated)),
		Recommendation: score.Recommend(e, res, opts.CurrentVersion),
		CurrentVersion: opts.CurrentVersion,
		Verdict:        verdictFor(opts.CurrentVersion, res.MinimumSafeVersion, res.RecommendedVersion),
	}
}

// hasVendorBranches reports whether a vendor asserted a safe version: at
// least one non-synthesized branch with a determined MSV. Branch/latest data
// alone (endoflife.date emits branches with MSV "unknown") is not a vendor
// safety assertion.
func hasVendorBranches(res *msvcore.AggregatedResult) bool {
	for _, b := range res.Branches {
		if b.Branch != "default" && b.MSV != "" && b.MSV != "unknown" {
			return true
		}
	}
	return false
}

// verdictFor maps an installed version onto the compliance scale. No
// installed version, no verdict.
func verdictFor(installed, msv, recommended string) string {
	switch {
	case installed == "":
		return ""
	case msv == "":
		return VerdictUnknown
	case msvcore.CompareVersions(installed, msv) < 0:
		return VerdictNonCompliant
	case recommended != "" && msvcore.CompareVersions(installed, recommended) < 0:
		return VerdictOutdated
	}
	return VerdictCompliant
}
