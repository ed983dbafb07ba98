// Package catalog implements the read-only software catalog: a typed
// registry mapping product IDs to vendor identity, CPE, aliases, and the
// per-product filters the aggregator applies to source findings.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/quay/zlog"
)

// Entry is one catalog record. Unknown JSON fields are preserved across a
// load/store round-trip for forward compatibility.
type Entry struct {
	ID          string `json:"id"`
	Vendor      string `json:"vendor"`
	Product     string `json:"product"`
	DisplayName string `json:"displayName"`
	// CPE is the CPE 2.3 string for this product, when one exists.
	CPE      string   `json:"cpe,omitempty"`
	Aliases  []string `json:"aliases,omitempty"`
	Category string   `json:"category,omitempty"`
	// Priority is one of critical, high, medium, low.
	Priority  string   `json:"priority,omitempty"`
	Platforms []string `json:"platforms,omitempty"`
	// VersionPattern is a regex that valid fixed-version strings for this
	// product must match. It prevents cross-product contamination when a
	// feed mixes products.
	VersionPattern string `json:"versionPattern,omitempty"`
	// ExcludePatterns discards findings whose description matches any of
	// the regexes.
	ExcludePatterns []string `json:"excludePatterns,omitempty"`
	LatestVersion   string   `json:"latestVersion,omitempty"`
	// Variants is an ordered list of child product IDs representing
	// distinct release tracks, queried independently.
	Variants    []string `json:"variants,omitempty"`
	OSComponent bool     `json:"osComponent,omitempty"`
	EOL         bool     `json:"eol,omitempty"`

	versionRE  *regexp.Regexp
	excludeREs []*regexp.Regexp
	extra      map[string]json.RawMessage
}

type entryAlias Entry

var entryKnownKeys = []string{
	"id", "vendor", "product", "displayName", "cpe", "aliases", "category",
	"priority", "platforms", "versionPattern", "excludePatterns",
	"latestVersion", "variants", "osComponent", "eol",
}

// UnmarshalJSON implements json.Unmarshaler, stashing unknown fields.
func (e *Entry) UnmarshalJSON(b []byte) error {
	if err := json.Unmarshal(b, (*entryAlias)(e)); err != nil {
		return err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for _, k := range entryKnownKeys {
		delete(m, k)
	}
	if len(m) != 0 {
		e.extra = m
	}
	return nil
}

// MarshalJSON implements json.Marshaler, merging preserved unknown fields
// back in. Known fields win on conflict.
func (e *Entry) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal((*entryAlias)(e))
	if err != nil {
		return nil, err
	}
	if len(e.extra) == 0 {
		return b, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	for k, v := range e.extra {
		if _, ok := m[k]; !ok {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

// MatchesVersion reports whether a fixed-version string is plausible for
// this product. Entries without a versionPattern accept everything.
func (e *Entry) MatchesVersion(v string) bool {
	if e.versionRE == nil {
		return true
	}
	return e.versionRE.MatchString(v)
}

// ExcludesDescription reports whether a finding description hits one of the
// product's exclude patterns.
func (e *Entry) ExcludesDescription(d string) bool {
	if d == "" {
		return false
	}
	for _, re := range e.excludeREs {
		if re.MatchString(d) {
			return true
		}
	}
	return false
}

func (e *Entry) compile() error {
	if e.VersionPattern != "" {
		re, err := regexp.Compile(e.VersionPattern)
		if err != nil {
			return fmt.Errorf("catalog: entry %q: bad versionPattern: %w", e.ID, err)
		}
		e.versionRE = re
	}
	for _, p := range e.ExcludePatterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return fmt.Errorf("catalog: entry %q: bad excludePattern: %w", e.ID, err)
		}
		e.excludeREs = append(e.excludeREs, re)
	}
	return nil
}

// Metadata mirrors the catalog file's "_metadata" object.
type Metadata struct {
	Version     string   `json:"version,omitempty"`
	LastUpdated string   `json:"lastUpdated,omitempty"`
	Sources     []string `json:"sources,omitempty"`
}

type document struct {
	Metadata Metadata `json:"_metadata"`
	Software []*Entry `json:"software"`
}

// Catalog is the loaded, immutable registry.
type Catalog struct {
	Metadata Metadata

	byID    map[string]*Entry
	ordered []*Entry
}

// Load reads a catalog document. The file's declared order is retained as
// the tie-breaker for substring resolution.
func Load(ctx context.Context, r io.Reader) (*Catalog, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "catalog/Load")
	var doc document
	dec := json.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	c := Catalog{
		Metadata: doc.Metadata,
		byID:     make(map[string]*Entry, len(doc.Software)),
		ordered:  doc.Software,
	}
	for _, e := range doc.Software {
		if e.ID == "" {
			return nil, fmt.Errorf("catalog: entry without id (displayName %q)", e.DisplayName)
		}
		if _, ok := c.byID[e.ID]; ok {
			return nil, fmt.Errorf("catalog: duplicate id %q", e.ID)
		}
		if err := e.compile(); err != nil {
			return nil, err
		}
		c.byID[e.ID] = e
	}
	zlog.Debug(ctx).Int("entries", len(c.ordered)).Msg("catalog loaded")
	return &c, nil
}

// LoadFile is Load over a file path.
func LoadFile(ctx context.Context, path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	defer f.Close()
	return Load(ctx, f)
}

// Get returns the entry with the exact ID, or nil.
func (c *Catalog) Get(id string) *Entry {
	return c.byID[id]
}

// Len reports the number of entries.
func (c *Catalog) Len() int { return len(c.ordered) }

// Entries returns the entries in file order. The returned slice must not be
// modified.
func (c *Catalog) Entries() []*Entry { return c.ordered }

// Resolve maps user input to an entry: exact ID match first, then
// case-insensitive alias match, then case-insensitive substring match
// against display name or ID, first in file order winning. Returns nil when
// nothing matches. Variant parents resolve to themselves; their variants
// are queried by the coordinator under their own IDs.
func (c *Catalog) Resolve(name string) *Entry {
	if e, ok := c.byID[name]; ok {
		return e
	}
	for _, e := range c.ordered {
		for _, a := range e.Aliases {
			if strings.EqualFold(a, name) {
				return e
			}
		}
	}
	needle := strings.ToLower(name)
	for _, e := range c.ordered {
		if strings.Contains(strings.ToLower(e.DisplayName), needle) ||
			strings.Contains(strings.ToLower(e.ID), needle) {
			return e
		}
	}
	return nil
}
