package advisory

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/quay/msvcore/catalog"
	"github.com/quay/msvcore/libmsv/driver"

	"github.com/quay/msvcore/internal/httputil"
)

const csafDoc = `{
  "product_tree": {
    "branches": [
      {"category": "vendor", "name": "ExampleCorp", "branches": [
        {"category": "product_name", "name": "Gateway", "branches": [
          {"category": "product_version", "name": "9.0.110", "product": {"product_id": "GW-9-0-110"}},
          {"category": "product_version", "name": "10.1.46", "product": {"product_id": "GW-10-1-46"}},
          {"category": "product_version", "name": "9.0.100", "product": {"product_id": "GW-9-0-100"}}
        ]}
      ]}
    ]
  },
  "vulnerabilities": [
    {
      "cve": "CVE-2024-5555",
      "product_status": {"fixed": ["GW-9-0-110", "GW-10-1-46"]},
      "notes": [{"category": "summary", "text": "Gateway auth bypass."}]
    },
    {
      "cve": "CVE-2024-6666",
      "product_status": {"fixed": ["GW-9-0-100"]}
    }
  ]
}`

func TestCSAFQuery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/provider-metadata.json":
			fmt.Fprintf(w, `{"distributions": [{"directory_url": %q}]}`, srv.URL+"/advisories/")
		case "/advisories/index.txt":
			fmt.Fprintln(w, "2024/ec-2024-001.json")
		case "/advisories/2024/ec-2024-001.json":
			w.Write([]byte(csafDoc))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewCSAF(httputil.NewClient(srv.Client(), nil, "msvtool/test"), "examplecorp", srv.URL+"/provider-metadata.json")
	out, err := c.Query(ctx, &driver.ProductSpec{Entry: &catalog.Entry{
		ID: "gateway", Product: "gateway",
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Findings) != 2 {
		t.Fatalf("got %d findings: %+v", len(out.Findings), out.Findings)
	}
	byCVE := map[string]string{}
	for _, f := range out.Findings {
		byCVE[f.CVE] = f.FixedVersion
	}
	// Highest fix wins when one CVE is fixed in several lines.
	if byCVE["CVE-2024-5555"] != "10.1.46" {
		t.Errorf("got %q", byCVE["CVE-2024-5555"])
	}
	if byCVE["CVE-2024-6666"] != "9.0.100" {
		t.Errorf("got %q", byCVE["CVE-2024-6666"])
	}

	// Branch MSVs: 9.0 line fixed at 9.0.110 (the higher of the two 9.0
	// fixes), 10.1 line at 10.1.46.
	if len(out.Branches) != 2 {
		t.Fatalf("got %+v", out.Branches)
	}
	if out.Branches[0].Branch != "9.0" || out.Branches[0].MSV != "9.0.110" {
		t.Errorf("got %+v", out.Branches[0])
	}
	if out.Branches[1].Branch != "10.1" || out.Branches[1].MSV != "10.1.46" {
		t.Errorf("got %+v", out.Branches[1])
	}
}
