// Package filecache is a key-namespaced JSON store with per-entry expiry.
//
// Entries are written atomically (write-temp-then-rename) so concurrent
// readers observe either the old payload or the new one, never a partial
// write. Corrupted entries are treated as absent and overwritten on the next
// successful fetch. There is no eviction beyond TTL.
package filecache

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
)

// SchemaVersion is written into every entry.
const SchemaVersion = 1

type envelope struct {
	SchemaVersion int             `json:"schemaVersion"`
	Source        string          `json:"source,omitempty"`
	LastUpdated   time.Time       `json:"lastUpdated"`
	ExpiresAt     time.Time       `json:"expiresAt"`
	Data          json.RawMessage `json:"data"`
}

// Store is a file-backed cache rooted at a data directory.
type Store struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates the cache directory if needed and returns a Store over it.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("filecache: %w", err)
	}
	return &Store{
		root:  root,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// keyLock returns the per-key mutex guarding same-key writes under the batch
// executor.
func (s *Store) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = new(sync.Mutex)
		s.locks[key] = l
	}
	return l
}

var pathReplacer = strings.NewReplacer("/", "_", ":", "_", " ", "_", "*", "_", "?", "_")

func (s *Store) path(key string) string {
	return filepath.Join(s.root, pathReplacer.Replace(key)+".json")
}

// Get unmarshals the cached payload for key into v and reports whether a
// live entry was found. Expired, missing, and corrupt entries all report
// false.
func (s *Store) Get(ctx context.Context, key string, v any) (bool, error) {
	b, err := os.ReadFile(s.path(key))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("filecache: %w", err)
	}
	var e envelope
	if err := json.Unmarshal(b, &e); err != nil {
		zlog.Warn(ctx).
			Str("key", key).
			Err(err).
			Msg("corrupt cache entry, treating as absent")
		return false, nil
	}
	if !e.ExpiresAt.After(time.Now()) {
		return false, nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		zlog.Warn(ctx).
			Str("key", key).
			Err(err).
			Msg("corrupt cache payload, treating as absent")
		return false, nil
	}
	return true, nil
}

// Set stores v under key with the supplied TTL. The source string records
// where the payload came from, for debugging.
func (s *Store) Set(ctx context.Context, key string, v any, ttl time.Duration, source string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("filecache: %w", err)
	}
	now := time.Now()
	b, err := json.Marshal(envelope{
		SchemaVersion: SchemaVersion,
		Source:        source,
		LastUpdated:   now,
		ExpiresAt:     now.Add(ttl),
		Data:          data,
	})
	if err != nil {
		return fmt.Errorf("filecache: %w", err)
	}

	l := s.keyLock(key)
	l.Lock()
	defer l.Unlock()
	dst := s.path(key)
	f, err := os.CreateTemp(s.root, ".tmp.*")
	if err != nil {
		return fmt.Errorf("filecache: %w", err)
	}
	name := f.Name()
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(name)
		return fmt.Errorf("filecache: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("filecache: %w", err)
	}
	if err := os.Rename(name, dst); err != nil {
		os.Remove(name)
		return fmt.Errorf("filecache: %w", err)
	}
	zlog.Debug(ctx).
		Str("key", key).
		Dur("ttl", ttl).
		Msg("cache entry written")
	return nil
}

// Delete removes the entry for key, if present.
func (s *Store) Delete(_ context.Context, key string) error {
	err := os.Remove(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
