package vulncheck

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/quay/msvcore/catalog"
	"github.com/quay/msvcore/internal/httputil"
	"github.com/quay/msvcore/libmsv/driver"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(httputil.NewClient(srv.Client(), nil, "msvtool/test"), "test-token")
	if err != nil {
		t.Fatal(err)
	}
	c.SetRoot(srv.URL)
	return c
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(nil, ""); err == nil {
		t.Error("expected error for empty token")
	}
}

func TestExploited(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization: got %q", got)
		}
		switch r.URL.Query().Get("cve") {
		case "CVE-2024-0001":
			w.Write([]byte(`{"data": [{"cve": ["CVE-2024-0001"], "date_added": "2024-02-01", "vulncheck_xdb": [{"xdb_id": "abc"}]}]}`))
		case "CVE-2024-0002":
			w.Write([]byte(`{"data": [{"cve": ["CVE-2024-0002"], "date_added": "2024-02-01"}]}`))
		default:
			w.Write([]byte(`{"data": []}`))
		}
	})

	got, err := c.Exploited(ctx, []string{"cve-2024-0001", "CVE-2024-0002", "CVE-9999-0000"})
	if err != nil {
		t.Fatal(err)
	}
	if !got["CVE-2024-0001"] {
		t.Error("CVE-2024-0001 should have exploit evidence")
	}
	if v, ok := got["CVE-2024-0002"]; !ok || v {
		t.Errorf("CVE-2024-0002: got %v/%v, want present and false", v, ok)
	}
	if _, ok := got["CVE-9999-0000"]; ok {
		t.Error("unknown CVE should be absent")
	}
}

func TestQuery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": [{
			"id": "CVE-2024-21413",
			"descriptions": [{"lang": "en", "value": "Outlook RCE."}],
			"metrics": {"cvssMetricV31": [{"cvssData": {"baseScore": 9.8}}]}
		}]}`))
	})

	out, err := c.Query(ctx, &driver.ProductSpec{Entry: &catalog.Entry{
		ID:  "outlook",
		CPE: "cpe:2.3:a:microsoft:outlook:*:*:*:*:*:*:*:*",
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Findings) != 1 {
		t.Fatalf("got %d findings", len(out.Findings))
	}
	f := out.Findings[0]
	if f.CVE != "CVE-2024-21413" || f.CVSS == nil || *f.CVSS != 9.8 || f.Source != Tag {
		t.Errorf("got %+v", f)
	}
}
