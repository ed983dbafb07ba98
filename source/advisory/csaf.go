package advisory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/quay/zlog"

	"github.com/quay/msvcore"
	"github.com/quay/msvcore/internal/httputil"
	"github.com/quay/msvcore/internal/ratelimit"
	"github.com/quay/msvcore/libmsv/driver"
)

// CSAFTag is the source tag for CSAF-derived findings.
const CSAFTag = "csaf"

// maxAdvisories bounds how many documents one query will walk. Vendor
// directories can hold years of advisories; the newest entries in the index
// cover anything a current MSV decision needs.
const maxAdvisories = 50

const csafTTL = 4 * time.Hour

// CSAF walks a vendor's CSAF distribution: provider-metadata, then the
// directory index, then the advisory documents themselves, extracting
// vendor-asserted fixed versions per CVE.
type CSAF struct {
	c *httputil.Client
	// metadata is the provider-metadata.json URL.
	metadata string
	vendor   string
}

// NewCSAF returns a fetcher rooted at the provider-metadata.json URL.
func NewCSAF(c *httputil.Client, vendor, metadataURL string) *CSAF {
	return &CSAF{c: c, metadata: metadataURL, vendor: vendor}
}

// Tag implements driver.Source.
func (c *CSAF) Tag() string { return CSAFTag }

type providerMetadata struct {
	Distributions []struct {
		DirectoryURL string `json:"directory_url"`
	} `json:"distributions"`
}

// document is the slice of a CSAF 2.0 advisory the extraction reads.
type document struct {
	ProductTree struct {
		Branches []branch `json:"branches"`
	} `json:"product_tree"`
	Vulnerabilities []struct {
		CVE           string `json:"cve"`
		ProductStatus struct {
			Fixed []string `json:"fixed"`
		} `json:"product_status"`
		Notes []struct {
			Category string `json:"category"`
			Text     string `json:"text"`
		} `json:"notes"`
	} `json:"vulnerabilities"`
}

type branch struct {
	Category string   `json:"category"`
	Name     string   `json:"name"`
	Branches []branch `json:"branches"`
	Product  *struct {
		ProductID string `json:"product_id"`
	} `json:"product"`
}

// versions walks the product tree collecting product_id to version for every
// product_version branch.
func (b *branch) versions(into map[string]string) {
	if b.Category == "product_version" && b.Product != nil {
		into[b.Product.ProductID] = b.Name
	}
	for i := range b.Branches {
		b.Branches[i].versions(into)
	}
}

func (c *CSAF) get(ctx context.Context, u, key string, force bool, into any) error {
	b, err := c.c.Fetch(ctx, &httputil.Request{
		URL:      u,
		Accept:   "application/json",
		CacheKey: key,
		TTL:      csafTTL,
		NoCache:  force,
		Limiter:  ratelimit.Get("csaf-"+c.vendor, 30, time.Minute),
	})
	if err != nil {
		return fmt.Errorf("advisory: csaf %s: %w", c.vendor, err)
	}
	if err := json.Unmarshal(b, into); err != nil {
		return fmt.Errorf("advisory: csaf %s: parsing %s: %w", c.vendor, u, err)
	}
	return nil
}

var branchKeyRE = regexp.MustCompile(`^\d+(\.\d+)?`)

// branchKey reduces a version to its release-line key: the leading one or
// two numeric components.
func branchKey(v string) string {
	return branchKeyRE.FindString(v)
}

// Query implements driver.Source. Fixed versions for the product are grouped
// into branches by leading version components; the highest fix in a branch is
// the vendor-asserted MSV for that line.
func (c *CSAF) Query(ctx context.Context, spec *driver.ProductSpec) (*driver.SourceOutput, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "source/advisory/CSAF.Query", "vendor", c.vendor)
	var pm providerMetadata
	if err := c.get(ctx, c.metadata, "csaf-"+c.vendor+"-metadata", spec.ForceRefresh, &pm); err != nil {
		return nil, err
	}
	if len(pm.Distributions) == 0 || pm.Distributions[0].DirectoryURL == "" {
		return nil, fmt.Errorf("advisory: csaf %s: no directory distribution", c.vendor)
	}
	dir := strings.TrimSuffix(pm.Distributions[0].DirectoryURL, "/")
	idx, err := c.c.Fetch(ctx, &httputil.Request{
		URL:      dir + "/index.txt",
		CacheKey: "csaf-" + c.vendor + "-index",
		TTL:      csafTTL,
		NoCache:  spec.ForceRefresh,
		Limiter:  ratelimit.Get("csaf-"+c.vendor, 30, time.Minute),
	})
	if err != nil {
		return nil, fmt.Errorf("advisory: csaf %s: %w", c.vendor, err)
	}

	lines := strings.Fields(string(idx))
	// The index is append-only; the newest advisories are at the end.
	if len(lines) > maxAdvisories {
		lines = lines[len(lines)-maxAdvisories:]
	}

	product := strings.ToLower(spec.Entry.Product)
	byBranch := make(map[string]string)
	out := driver.SourceOutput{}
	for _, rel := range lines {
		if !strings.HasSuffix(rel, ".json") {
			continue
		}
		docURL := dir + "/" + strings.TrimPrefix(rel, "/")
		var doc document
		if err := c.get(ctx, docURL, "csaf-"+c.vendor+"-"+url.PathEscape(rel), spec.ForceRefresh, &doc); err != nil {
			zlog.Warn(ctx).Str("advisory", rel).Err(err).Msg("skipping unreadable advisory")
			continue
		}
		versions := make(map[string]string)
		for i := range doc.ProductTree.Branches {
			doc.ProductTree.Branches[i].versions(versions)
		}
		for _, v := range doc.Vulnerabilities {
			if v.CVE == "" {
				continue
			}
			var fixes []string
			for _, pid := range v.ProductStatus.Fixed {
				ver, ok := versions[pid]
				if !ok {
					continue
				}
				// The version label sometimes embeds the product name.
				ver = strings.TrimSpace(strings.TrimPrefix(strings.ToLower(ver), product))
				if !spec.Entry.MatchesVersion(ver) {
					continue
				}
				fixes = append(fixes, ver)
			}
			if len(fixes) == 0 {
				continue
			}
			f := msvcore.Finding{
				CVE:          v.CVE,
				Source:       CSAFTag,
				FixedVersion: msvcore.FindMinimumSafeVersion(fixes),
			}
			for _, n := range v.Notes {
				if n.Category == "summary" || n.Category == "description" {
					f.Description = n.Text
					break
				}
			}
			out.Findings = append(out.Findings, &f)
			for _, fix := range fixes {
				k := branchKey(fix)
				if k == "" {
					continue
				}
				if cur := byBranch[k]; cur == "" || msvcore.CompareVersions(fix, cur) > 0 {
					byBranch[k] = fix
				}
			}
		}
	}
	for k, v := range byBranch {
		out.Branches = append(out.Branches, msvcore.BranchMSV{Branch: k, MSV: v})
	}
	sort.Slice(out.Branches, func(i, j int) bool {
		return msvcore.CompareVersions(out.Branches[i].Branch, out.Branches[j].Branch) < 0
	})
	return &out, nil
}
