// Package datastore persists aggregated MSV results.
//
// The store is one JSON file keyed by "vendor:product" (lowercase). Writes
// rewrite the whole file via write-temp-then-rename so concurrent readers
// always observe one consistent snapshot.
package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/quay/zlog"

	"github.com/quay/msvcore"
)

// SchemaVersion is the current cache entry schema. Version 1 entries (which
// lack justification, cveCount, hasKEVCVEs, and sourceResults) are readable
// but always considered stale.
const SchemaVersion = 2

// Confidence tags for cache entries.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Entry is one persisted MSV result.
type Entry struct {
	// BranchChecked records the last per-branch check time.
	BranchChecked map[string]time.Time      `json:"branchChecked,omitempty"`
	Result        *msvcore.AggregatedResult `json:"result"`
	Product       string                    `json:"product"`
	Confidence    string                    `json:"confidence,omitempty"`
	// Justification explains a zero-CVE result; without it an empty
	// result is incomplete, not clean.
	Justification string    `json:"justification,omitempty"`
	Sources       []string  `json:"sources,omitempty"`
	LastUpdated   time.Time `json:"lastUpdated"`
	SchemaVersion int       `json:"schemaVersion"`
	CVECount      int       `json:"cveCount"`
	HasKEVCVEs    bool      `json:"hasKevCves,omitempty"`
}

// Complete reports whether the entry can satisfy a query on its own: it
// needs either one branch with a determined MSV, or an explicit zero-CVE
// justification. Freshness in time alone is insufficient.
func (e *Entry) Complete() bool {
	if e == nil || e.Result == nil {
		return false
	}
	for _, b := range e.Result.Branches {
		if b.MSV != "" && b.MSV != "unknown" {
			return true
		}
	}
	return e.Justification != "" && e.CVECount == 0
}

// Key builds the cache key for a vendor/product pair.
func Key(vendor, product string) string {
	return strings.ToLower(vendor) + ":" + strings.ToLower(product)
}

// MSVStore is the MSV result cache.
type MSVStore struct {
	path string

	mu sync.Mutex
	m  map[string]*Entry
}

// Open reads the store file at path, creating parent directories as needed.
// A missing or corrupt file yields an empty store; the corrupt content is
// overwritten on the next Update.
func Open(ctx context.Context, path string) (*MSVStore, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "datastore/Open")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("datastore: %w", err)
	}
	s := MSVStore{path: path, m: make(map[string]*Entry)}
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &s, nil
	case err != nil:
		return nil, fmt.Errorf("datastore: %w", err)
	}
	if err := json.Unmarshal(b, &s.m); err != nil {
		zlog.Warn(ctx).
			Str("path", path).
			Err(err).
			Msg("corrupt MSV cache, starting empty")
		s.m = make(map[string]*Entry)
	}
	zlog.Debug(ctx).Int("entries", len(s.m)).Msg("MSV cache opened")
	return &s, nil
}

// Get returns the entry under key, or nil.
func (s *MSVStore) Get(_ context.Context, key string) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[key]
}

// Update inserts or replaces the entry under key and persists the store.
// A persistence failure here is fatal to the query per the error-handling
// contract; callers surface it.
func (s *MSVStore) Update(ctx context.Context, key string, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.SchemaVersion = SchemaVersion
	s.m[key] = e
	return s.flushLocked(ctx)
}

// Delete removes the entry under key, persisting the removal.
func (s *MSVStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[key]; !ok {
		return nil
	}
	delete(s.m, key)
	return s.flushLocked(ctx)
}

// NeedsRefresh reports whether the entry under key must be re-aggregated:
// missing, pre-v2 schema, incomplete, or older than maxAge.
func (s *MSVStore) NeedsRefresh(ctx context.Context, key string, maxAge time.Duration) bool {
	e := s.Get(ctx, key)
	switch {
	case e == nil:
		return true
	case e.SchemaVersion < SchemaVersion:
		return true
	case !e.Complete():
		return true
	case time.Since(e.LastUpdated) > maxAge:
		return true
	}
	return false
}

func (s *MSVStore) flushLocked(ctx context.Context) error {
	b, err := json.MarshalIndent(s.m, "", "  ")
	if err != nil {
		return fmt.Errorf("datastore: %w", err)
	}
	dir := filepath.Dir(s.path)
	f, err := os.CreateTemp(dir, ".msvcache.*")
	if err != nil {
		return fmt.Errorf("datastore: %w", err)
	}
	name := f.Name()
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(name)
		return fmt.Errorf("datastore: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("datastore: %w", err)
	}
	if err := os.Rename(name, s.path); err != nil {
		os.Remove(name)
		return fmt.Errorf("datastore: %w", err)
	}
	zlog.Debug(ctx).Int("entries", len(s.m)).Msg("MSV cache written")
	return nil
}
