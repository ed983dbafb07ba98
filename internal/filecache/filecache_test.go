package filecache

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	want := payload{Name: "nvd:cpe-search", Count: 3}
	if err := s.Set(ctx, "nvd:cpe-search", want, time.Hour, "test"); err != nil {
		t.Fatal(err)
	}
	var got payload
	ok, err := s.Get(ctx, "nvd:cpe-search", &got)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a live entry")
	}
	if !cmp.Equal(got, want) {
		t.Error(cmp.Diff(want, got))
	}
}

func TestExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "k", payload{}, -time.Second, "test"); err != nil {
		t.Fatal(err)
	}
	var got payload
	ok, err := s.Get(ctx, "k", &got)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expired entry should read as absent")
	}
}

func TestCorrupt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	var got payload
	ok, err := s.Get(ctx, "bad", &got)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("corrupt entry should read as absent")
	}
}

func TestNoTempLeftovers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if err := s.Set(ctx, "k", payload{Count: i}, time.Hour, "test"); err != nil {
			t.Fatal(err)
		}
	}
	des, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, de := range des {
		if strings.HasPrefix(de.Name(), ".tmp.") {
			t.Errorf("temp file left behind: %s", de.Name())
		}
	}
}

func TestKeySanitization(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "vendor:product/with bits", payload{}, time.Hour, "test"); err != nil {
		t.Fatal(err)
	}
	var got payload
	ok, err := s.Get(ctx, "vendor:product/with bits", &got)
	if err != nil || !ok {
		t.Errorf("got (%v, %v), want (true, nil)", ok, err)
	}
}
