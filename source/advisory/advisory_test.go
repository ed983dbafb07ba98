package advisory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/quay/msvcore/catalog"
	"github.com/quay/msvcore/internal/filecache"
	"github.com/quay/msvcore/internal/httputil"
	"github.com/quay/msvcore/libmsv/driver"
)

const eolBody = `[
  {"cycle": "7.5", "latest": "7.5.2", "eol": false},
  {"cycle": "7.4", "latest": "7.4.6", "eol": "2027-11-10"},
  {"cycle": "7.2", "latest": "7.2.24", "eol": "2024-11-08"}
]`

func TestEOLQuery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/powershell.json" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(eolBody))
	}))
	defer srv.Close()

	eol := NewEOL(httputil.NewClient(srv.Client(), nil, "msvtool/test"))
	eol.SetRoot(srv.URL)
	out, err := eol.ForProduct("powershell").Query(ctx, &driver.ProductSpec{Entry: &catalog.Entry{ID: "powershell-7"}})
	if err != nil {
		t.Fatal(err)
	}
	// 7.2 went end-of-life in 2024 and must be dropped.
	if len(out.Branches) != 2 {
		t.Fatalf("got %+v", out.Branches)
	}
	for _, b := range out.Branches {
		if b.MSV != "unknown" {
			t.Errorf("endoflife.date must not assert safety, got MSV %q", b.MSV)
		}
	}
	if out.Branches[1].Branch != "7.4" || out.Branches[1].Latest != "7.4.6" {
		t.Errorf("got %+v", out.Branches[1])
	}
}

func TestForceRefreshRefetches(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(eolBody))
	}))
	defer srv.Close()

	cache, err := filecache.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	eol := NewEOL(httputil.NewClient(srv.Client(), cache, "msvtool/test"))
	eol.SetRoot(srv.URL)
	src := eol.ForProduct("powershell")
	entry := &catalog.Entry{ID: "powershell-7"}

	for i := 0; i < 2; i++ {
		if _, err := src.Query(ctx, &driver.ProductSpec{Entry: entry}); err != nil {
			t.Fatal(err)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("server hit %d times, want 1", got)
	}
	if _, err := src.Query(ctx, &driver.ProductSpec{Entry: entry, ForceRefresh: true}); err != nil {
		t.Fatal(err)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("forced query served from cache; server hit %d times, want 2", got)
	}
}

func TestFallbackOnFeedFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A plain 404 is non-retryable, so the test stays fast.
		http.NotFound(w, r)
	}))
	defer srv.Close()

	eol := NewEOL(httputil.NewClient(srv.Client(), nil, "msvtool/test"))
	eol.SetRoot(srv.URL)
	src := withFallback(eol.ForProduct("powershell"), fallbackTables["powershell-7"])

	out, err := src.Query(ctx, &driver.ProductSpec{Entry: &catalog.Entry{ID: "powershell-7"}})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Degraded || out.Note != "fallback table" {
		t.Errorf("got %+v", out)
	}
	if len(out.Branches) != 2 {
		t.Errorf("got %+v", out.Branches)
	}
}

func TestRegistryResolution(t *testing.T) {
	t.Parallel()
	r := NewRegistry(httputil.NewClient(nil, nil, "msvtool/test"))
	if r.Fetcher(&catalog.Entry{ID: "powershell-7"}) == nil {
		t.Error("built-in product binding missing")
	}
	if r.Fetcher(&catalog.Entry{ID: "unknown-product", Vendor: "NoSuchVendor"}) != nil {
		t.Error("unexpected fetcher for unbound entry")
	}
	csaf := NewCSAF(nil, "examplecorp", "https://example.com/provider-metadata.json")
	r.RegisterVendor("ExampleCorp", csaf)
	if got := r.Fetcher(&catalog.Entry{ID: "some-product", Vendor: "examplecorp"}); got != csaf {
		t.Error("vendor binding not resolved")
	}
}
