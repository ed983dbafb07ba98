package advisory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quay/zlog"

	"github.com/quay/msvcore"
	"github.com/quay/msvcore/internal/httputil"
	"github.com/quay/msvcore/internal/ratelimit"
	"github.com/quay/msvcore/libmsv/driver"
)

// EOLRoot is the endoflife.date API root.
//
//doc:url source
const EOLRoot = `https://endoflife.date/api`

// EOLTag is the source tag for endoflife.date-derived branches.
const EOLTag = "endoflife.date"

// EOL queries endoflife.date, the generic branch/latest source for products
// without a structured vendor feed. It asserts which release lines exist and
// what their latest versions are; it never asserts safety, so the branches it
// emits carry no MSV.
type EOL struct {
	c    *httputil.Client
	root string
}

// NewEOL returns an EOL client over the public API.
func NewEOL(c *httputil.Client) *EOL {
	return &EOL{c: c, root: EOLRoot}
}

// SetRoot points the client at an alternate API root. Mostly for tests.
func (e *EOL) SetRoot(root string) { e.root = root }

// cycle mirrors one endoflife.date product cycle. The eol field is a date
// string or a boolean, so it stays raw.
type cycle struct {
	Cycle   string          `json:"cycle"`
	Latest  string          `json:"latest"`
	EOL     json.RawMessage `json:"eol"`
	Support json.RawMessage `json:"support"`
}

// ended reports whether the raw eol field says the cycle is already over.
func (c *cycle) ended(now time.Time) bool {
	var b bool
	if err := json.Unmarshal(c.EOL, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(c.EOL, &s); err == nil {
		if d, err := time.Parse("2006-01-02", s); err == nil {
			return d.Before(now)
		}
	}
	return false
}

// ForProduct binds the client to one endoflife.date product slug, yielding a
// Source usable in the registry.
func (e *EOL) ForProduct(slug string) driver.Source {
	return &eolSource{c: e, slug: slug}
}

type eolSource struct {
	c    *EOL
	slug string
}

func (s *eolSource) Tag() string { return EOLTag }

func (s *eolSource) Query(ctx context.Context, spec *driver.ProductSpec) (*driver.SourceOutput, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "source/advisory/eolSource.Query", "slug", s.slug)
	b, err := s.c.c.Fetch(ctx, &httputil.Request{
		URL:      s.c.root + "/" + s.slug + ".json",
		Accept:   "application/json",
		CacheKey: "eol-" + s.slug,
		TTL:      4 * time.Hour,
		NoCache:  spec.ForceRefresh,
		Limiter:  ratelimit.Get("endoflife", 10, time.Minute),
	})
	if err != nil {
		return nil, fmt.Errorf("advisory: endoflife.date %s: %w", s.slug, err)
	}
	var cycles []cycle
	if err := json.Unmarshal(b, &cycles); err != nil {
		return nil, fmt.Errorf("advisory: endoflife.date %s: parsing response: %w", s.slug, err)
	}
	out := driver.SourceOutput{}
	now := time.Now()
	var ended int
	for _, c := range cycles {
		if c.ended(now) {
			ended++
			continue
		}
		out.Branches = append(out.Branches, msvcore.BranchMSV{
			Branch: c.Cycle,
			MSV:    "unknown",
			Latest: c.Latest,
		})
	}
	if ended != 0 {
		out.Note = fmt.Sprintf("%d end-of-life cycles skipped", ended)
	}
	return &out, nil
}
