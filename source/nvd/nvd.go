// Package nvd is the NVD CVE API 2.0 source.
//
// The aggregator consults NVD in two ways: a CPE-scoped vulnerability search
// when other sources come up empty or inconsistent, and single-CVE detail
// lookups to fill in fixed versions other feeds omit.
package nvd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quay/zlog"

	"github.com/quay/msvcore"
	"github.com/quay/msvcore/internal/httputil"
	"github.com/quay/msvcore/internal/ratelimit"
	"github.com/quay/msvcore/libmsv/driver"
)

// DefaultRoot is the CVE API 2.0 endpoint.
//
//doc:url source
const DefaultRoot = `https://services.nvd.nist.gov/rest/json/cves/2.0`

// API responses change slowly; CPE searches and CVE details share a 24 hour
// cache lifetime.
const cacheTTL = 24 * time.Hour

const perPage = 2000

var _ driver.Source = (*Client)(nil)
var _ driver.CVEDetailer = (*Client)(nil)

// Client queries the NVD CVE API. An API key raises the shared rate limit
// from 5 to 50 requests per rolling 30 seconds.
type Client struct {
	c      *httputil.Client
	root   string
	apiKey string
}

// New returns a Client over the public endpoint. The key may be empty.
func New(c *httputil.Client, apiKey string) *Client {
	return &Client{c: c, root: DefaultRoot, apiKey: apiKey}
}

// SetRoot points the client at an alternate endpoint. Mostly for tests.
func (c *Client) SetRoot(root string) {
	c.root = root
}

// Tag implements driver.Source.
func (c *Client) Tag() string { return "nvd" }

// API response shapes, reduced to the fields the projection reads.

type response struct {
	ResultsPerPage  int    `json:"resultsPerPage"`
	StartIndex      int    `json:"startIndex"`
	TotalResults    int    `json:"totalResults"`
	Vulnerabilities []item `json:"vulnerabilities"`
}

type item struct {
	CVE cve `json:"cve"`
}

type cve struct {
	ID             string          `json:"id"`
	VulnStatus     string          `json:"vulnStatus"`
	Descriptions   []description   `json:"descriptions"`
	Metrics        metrics         `json:"metrics"`
	Configurations []configuration `json:"configurations"`
}

type description struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type metrics struct {
	V31 []metric `json:"cvssMetricV31"`
	V30 []metric `json:"cvssMetricV30"`
	V2  []metric `json:"cvssMetricV2"`
}

type metric struct {
	CVSSData struct {
		BaseScore    float64 `json:"baseScore"`
		BaseSeverity string  `json:"baseSeverity"`
	} `json:"cvssData"`
}

type configuration struct {
	Nodes []node `json:"nodes"`
}

type node struct {
	CPEMatch []cpeMatch `json:"cpeMatch"`
}

type cpeMatch struct {
	Vulnerable            bool   `json:"vulnerable"`
	Criteria              string `json:"criteria"`
	VersionStartIncluding string `json:"versionStartIncluding"`
	VersionEndExcluding   string `json:"versionEndExcluding"`
	VersionEndIncluding   string `json:"versionEndIncluding"`
}

// score prefers v3.1, then v3.0, then v2.
func (m *metrics) score() (float64, bool) {
	for _, set := range [][]metric{m.V31, m.V30, m.V2} {
		if len(set) != 0 {
			return set[0].CVSSData.BaseScore, true
		}
	}
	return 0, false
}

// fixedVersion walks the configuration tree for the first vulnerable match
// carrying a versionEndExcluding bound; that bound is the first safe version.
// An inclusive upper bound has no safe version inside the range, so it only
// informs the affected-range text.
func fixedVersion(cfgs []configuration) (fixed, affected string) {
	for _, cfg := range cfgs {
		for _, n := range cfg.Nodes {
			for _, m := range n.CPEMatch {
				if !m.Vulnerable {
					continue
				}
				switch {
				case m.VersionEndExcluding != "":
					a := "< " + m.VersionEndExcluding
					if m.VersionStartIncluding != "" {
						a = m.VersionStartIncluding + " <= v " + a
					}
					return m.VersionEndExcluding, a
				case m.VersionEndIncluding != "" && affected == "":
					affected = "<= " + m.VersionEndIncluding
				}
			}
		}
	}
	return "", affected
}

func (c *Client) fetch(ctx context.Context, query url.Values, cacheKey string, force bool) (*response, error) {
	var hdr http.Header
	if c.apiKey != "" {
		hdr = http.Header{"apiKey": {c.apiKey}}
	}
	b, err := c.c.Fetch(ctx, &httputil.Request{
		URL:      c.root + "?" + query.Encode(),
		Accept:   "application/json",
		Header:   hdr,
		CacheKey: cacheKey,
		TTL:      cacheTTL,
		NoCache:  force,
		Limiter:  ratelimit.NVD(c.apiKey != ""),
	})
	if err != nil {
		return nil, fmt.Errorf("nvd: %w", err)
	}
	var r response
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("nvd: parsing response: %w", err)
	}
	return &r, nil
}

func project(v *cve) *msvcore.Finding {
	f := msvcore.Finding{
		CVE:    v.ID,
		Source: "nvd",
	}
	for _, d := range v.Descriptions {
		if d.Lang == "en" {
			f.Description = d.Value
			break
		}
	}
	if s, ok := v.Metrics.score(); ok {
		f.CVSS = &s
		f.Severity = msvcore.SeverityFromCVSS(s)
	}
	f.FixedVersion, f.AffectedRange = fixedVersion(v.Configurations)
	f.Normalize()
	return &f
}

// Query implements driver.Source: a CPE-scoped vulnerability search. Entries
// without a CPE string yield an empty output; NVD keyword search is too noisy
// for curated products.
func (c *Client) Query(ctx context.Context, spec *driver.ProductSpec) (*driver.SourceOutput, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "source/nvd/Client.Query")
	if spec.Entry.CPE == "" {
		return &driver.SourceOutput{Note: "no CPE configured"}, nil
	}
	q := url.Values{
		"virtualMatchString": {spec.Entry.CPE},
		"resultsPerPage":     {fmt.Sprint(perPage)},
	}
	key := "nvd-cpe-" + spec.Entry.ID
	r, err := c.fetch(ctx, q, key, spec.ForceRefresh)
	if err != nil {
		return nil, err
	}
	out := driver.SourceOutput{}
	for i := range r.Vulnerabilities {
		v := &r.Vulnerabilities[i].CVE
		if strings.EqualFold(v.VulnStatus, "Rejected") {
			continue
		}
		out.Findings = append(out.Findings, project(v))
	}
	if r.TotalResults > len(r.Vulnerabilities) {
		zlog.Warn(ctx).
			Int("total", r.TotalResults).
			Int("fetched", len(r.Vulnerabilities)).
			Msg("NVD results truncated at one page")
		out.Note = "truncated"
	}
	return &out, nil
}

// Detail implements driver.CVEDetailer. A CVE the API does not know yields a
// nil finding and nil error.
func (c *Client) Detail(ctx context.Context, cveID string) (*msvcore.Finding, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "source/nvd/Client.Detail")
	cveID = strings.ToUpper(strings.TrimSpace(cveID))
	r, err := c.fetch(ctx, url.Values{"cveId": {cveID}}, "nvd-cve-"+cveID, false)
	if err != nil {
		return nil, err
	}
	if len(r.Vulnerabilities) == 0 {
		zlog.Debug(ctx).Str("cve", cveID).Msg("CVE not in NVD")
		return nil, nil
	}
	return project(&r.Vulnerabilities[0].CVE), nil
}
