// Package vulncheck is the VulnCheck Community API source.
//
// VulnCheck contributes two things: exploit evidence (its extended KEV index
// tracks public PoC code beyond CISA's catalog) and a secondary CPE-scoped
// vulnerability search. Both require an API token; without one the source is
// not wired at all.
package vulncheck

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

// DefaultRoot is the v3 API root.
//
//doc:url source
const DefaultRoot = `https://api.vulncheck.com/v3`

const cacheTTL = 4 * time.Hour

// Tag is the source tag for VulnCheck-originated findings.
const Tag = "vulncheck"

var _ driver.Source = (*Client)(nil)
var _ driver.PoCChecker = (*Client)(nil)

// Client queries the VulnCheck Community indexes.
type Client struct {
	c     *httputil.Client
	root  string
	token string
}

// New returns a Client. The token must be non-empty; callers that have no
// token should skip constructing the source entirely.
func New(c *httputil.Client, token string) (*Client, error) {
	if token == "" {
		return nil, fmt.Errorf("vulncheck: API token required")
	}
	return &Client{c: c, root: DefaultRoot, token: token}, nil
}

// SetRoot points the client at an alternate API root. Mostly for tests.
func (c *Client) SetRoot(root string) {
	c.root = strings.TrimSuffix(root, "/")
}

// Tag implements driver.Source.
func (c *Client) Tag() string { return Tag }

type envelope struct {
	Data []json.RawMessage `json:"data"`
}

type kevRecord struct {
	CVE          []string `json:"cve"`
	DateAdded    string   `json:"date_added"`
	XDB          []any    `json:"vulncheck_xdb"`
	ReportedExpl []any    `json:"vulncheck_reported_exploitation"`
}

type nvd2Record struct {
	ID           string `json:"id"`
	Descriptions []struct {
		Lang  string `json:"lang"`
		Value string `json:"value"`
	} `json:"descriptions"`
	Metrics struct {
		V31 []struct {
			CVSSData struct {
				BaseScore float64 `json:"baseScore"`
			} `json:"cvssData"`
		} `json:"cvssMetricV31"`
	} `json:"metrics"`
}

func (c *Client) index(ctx context.Context, name string, query url.Values, cacheKey string, force bool) (*envelope, error) {
	b, err := c.c.Fetch(ctx, &httputil.Request{
		URL:      c.root + "/index/" + name + "?" + query.Encode(),
		Accept:   "application/json",
		Header:   http.Header{"Authorization": {"Bearer " + c.token}},
		CacheKey: cacheKey,
		TTL:      cacheTTL,
		NoCache:  force,
		Limiter:  ratelimit.Get(ratelimit.FamilyVulnCheck, 20, time.Minute),
	})
	if err != nil {
		return nil, fmt.Errorf("vulncheck: %w", err)
	}
	var e envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("vulncheck: parsing %s response: %w", name, err)
	}
	return &e, nil
}

// Exploited implements driver.PoCChecker against the vulncheck-kev index.
// A CVE maps to true when the record carries XDB exploit entries or reported
// exploitation, false when the index has the CVE with neither.
func (c *Client) Exploited(ctx context.Context, cves []string) (map[string]bool, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "source/vulncheck/Client.Exploited")
	out := make(map[string]bool, len(cves))
	for _, cveID := range cves {
		cveID = strings.ToUpper(strings.TrimSpace(cveID))
		if cveID == "" {
			continue
		}
		e, err := c.index(ctx, "vulncheck-kev", url.Values{"cve": {cveID}}, "vulncheck-kev-"+cveID, false)
		if err != nil {
			return nil, err
		}
		for _, raw := range e.Data {
			var r kevRecord
			if err := json.Unmarshal(raw, &r); err != nil {
				zlog.Warn(ctx).Err(err).Msg("skipping malformed vulncheck-kev record")
				continue
			}
			for _, id := range r.CVE {
				if strings.EqualFold(id, cveID) {
					out[cveID] = out[cveID] || len(r.XDB) != 0 || len(r.ReportedExpl) != 0
				}
			}
		}
	}
	return out, nil
}

// Query implements driver.Source: a CPE lookup against the vulncheck-nvd2
// mirror. Like the NVD source, entries without a CPE yield nothing.
func (c *Client) Query(ctx context.Context, spec *driver.ProductSpec) (*driver.SourceOutput, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "source/vulncheck/Client.Query")
	if spec.Entry.CPE == "" {
		return &driver.SourceOutput{Note: "no CPE configured"}, nil
	}
	e, err := c.index(ctx, "vulncheck-nvd2", url.Values{"cpe": {spec.Entry.CPE}}, "vulncheck-cpe-"+spec.Entry.ID, spec.ForceRefresh)
	if err != nil {
		return nil, err
	}
	out := driver.SourceOutput{}
	for _, raw := range e.Data {
		var r nvd2Record
		if err := json.Unmarshal(raw, &r); err != nil {
			zlog.Warn(ctx).Err(err).Msg("skipping malformed vulncheck-nvd2 record")
			continue
		}
		f := msvcore.Finding{CVE: r.ID, Source: Tag}
		for _, d := range r.Descriptions {
			if d.Lang == "en" {
				f.Description = d.Value
				break
			}
		}
		if len(r.Metrics.V31) != 0 {
			s := r.Metrics.V31[0].CVSSData.BaseScore
			f.CVSS = &s
			f.Severity = msvcore.SeverityFromCVSS(s)
		}
		out.Findings = append(out.Findings, &f)
	}
	return &out, nil
}
