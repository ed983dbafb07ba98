package appthreat

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/quay/msvcore/catalog"
	"github.com/quay/msvcore/libmsv/driver"
)

func record(desc string, score float64) string {
	m := ""
	if score > 0 {
		m = fmt.Sprintf(`, "metrics": [{"cvssV3_1": {"baseScore": %g, "baseSeverity": "HIGH"}}]`, score)
	}
	return fmt.Sprintf(`{"containers": {"cna": {"descriptions": [{"lang": "en", "value": %q}]%s}}}`, desc, m)
}

// writeBundle builds a minimal two-file bundle in dir.
func writeBundle(t *testing.T, dir string) {
	t.Helper()
	idx, err := sql.Open("sqlite", filepath.Join(dir, IndexFile))
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	data, err := sql.Open("sqlite", filepath.Join(dir, DataFile))
	if err != nil {
		t.Fatal(err)
	}
	defer data.Close()

	if _, err := idx.Exec(`CREATE TABLE cve_index (cve_id TEXT, type TEXT, namespace TEXT, name TEXT, vers TEXT, purl_prefix TEXT)`); err != nil {
		t.Fatal(err)
	}
	if _, err := data.Exec(`CREATE TABLE cve_data (cve_id TEXT, type TEXT, namespace TEXT, name TEXT, source_data TEXT, purl_prefix TEXT)`); err != nil {
		t.Fatal(err)
	}

	rows := []struct {
		cve, ns, name, vers, purl, body string
	}{
		{"CVE-2024-0001", "microsoft", "powershell", "vers:generic/>=7.4.0|<7.4.2", "pkg:nuget/powershell", record("PowerShell RCE.", 8.8)},
		{"CVE-2024-0002", "microsoft", "powershell", "vers:generic/<=7.3.11", "pkg:nuget/powershell", record("PowerShell info leak.", 3.1)},
		{"CVE-2023-9999", "git-scm", "git", "vers:generic/<2.43.1", "pkg:generic/git", record("git path traversal.", 0)},
		{"MAL-2024-1", "", "powershell", "vers:generic/*", "pkg:generic/powershell", record("Typosquat package.", 9.9)},
	}
	for _, r := range rows {
		if _, err := idx.Exec(`INSERT INTO cve_index VALUES (?, 'cve', ?, ?, ?, ?)`, r.cve, r.ns, r.name, r.vers, r.purl); err != nil {
			t.Fatal(err)
		}
		if _, err := data.Exec(`INSERT INTO cve_data VALUES (?, 'cve', ?, ?, ?, ?)`, r.cve, r.ns, r.name, r.body, r.purl); err != nil {
			t.Fatal(err)
		}
	}
}

func testDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	writeBundle(t, dir)
	d, err := Open(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestEnsureFresh(t *testing.T) {
	ctx := context.Background()
	bin := t.TempDir()
	marker := filepath.Join(bin, "ran")
	script := fmt.Sprintf("#!/bin/sh\n: > %s\n", marker)
	if err := os.WriteFile(filepath.Join(bin, "vdb"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", bin)

	dir := t.TempDir()
	data := filepath.Join(dir, DataFile)
	if err := os.WriteFile(data, []byte("bundle"), 0o644); err != nil {
		t.Fatal(err)
	}

	// A fresh bundle never invokes the CLI.
	if err := EnsureFresh(ctx, dir, time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(marker); err == nil {
		t.Error("fresh bundle triggered a download")
	}

	// A stale bundle does.
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(data, old, old); err != nil {
		t.Fatal(err)
	}
	if err := EnsureFresh(ctx, dir, time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Error("stale bundle did not trigger a download")
	}

	// So does a missing one.
	if err := os.Remove(marker); err != nil {
		t.Fatal(err)
	}
	if err := EnsureFresh(ctx, t.TempDir(), time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Error("missing bundle did not trigger a download")
	}
}

func TestEnsureFreshNoCLI(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	err := EnsureFresh(context.Background(), t.TempDir(), time.Hour)
	if err == nil || !strings.Contains(err.Error(), "vdb CLI not found") {
		t.Errorf("got %v", err)
	}
}

func TestOpenMissingBundle(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), t.TempDir()); err == nil {
		t.Error("expected error for empty dir")
	}
}

func TestSearchByCPE(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := testDB(t)

	fs, err := d.SearchByCPE(ctx, "cpe:2.3:a:microsoft:powershell:*:*:*:*:*:*:*:*", driver.CPESearchOpts{ExcludeMalware: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(fs) != 2 {
		t.Fatalf("got %d findings: %+v", len(fs), fs)
	}
	byCVE := map[string]string{}
	for _, f := range fs {
		byCVE[f.CVE] = f.FixedVersion
	}
	if byCVE["CVE-2024-0001"] != "7.4.2" {
		t.Errorf("exclusive bound: got %q", byCVE["CVE-2024-0001"])
	}
	if byCVE["CVE-2024-0002"] != ">7.3.11" {
		t.Errorf("inclusive bound: got %q", byCVE["CVE-2024-0002"])
	}
}

func TestSearchMinCVSS(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := testDB(t)

	fs, err := d.SearchByCPE(ctx, "cpe:2.3:a:microsoft:powershell:*:*:*:*:*:*:*:*",
		driver.CPESearchOpts{MinCVSS: 7.0, ExcludeMalware: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(fs) != 1 || fs[0].CVE != "CVE-2024-0001" {
		t.Errorf("got %+v", fs)
	}

	// Unscored records survive a threshold.
	fs, err = d.SearchByCPE(ctx, "cpe:2.3:a:git-scm:git:*:*:*:*:*:*:*:*",
		driver.CPESearchOpts{MinCVSS: 7.0})
	if err != nil {
		t.Fatal(err)
	}
	if len(fs) != 1 {
		t.Errorf("unscored record should pass threshold, got %+v", fs)
	}
}

func TestMalwareExcluded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := testDB(t)
	out, err := d.Query(ctx, &driver.ProductSpec{Entry: &catalog.Entry{
		ID: "powershell-7", Product: "powershell",
	}})
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range out.Findings {
		if f.CVE == "MAL-2024-1" {
			t.Error("malware record leaked through Query")
		}
	}
}

func TestSearchByPURL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := testDB(t)
	fs, err := d.SearchByPURL(ctx, "pkg:generic/git@2.43.0", driver.CPESearchOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(fs) != 1 || fs[0].CVE != "CVE-2023-9999" {
		t.Errorf("got %+v", fs)
	}
	if fs[0].Description != "git path traversal." {
		t.Errorf("description: got %q", fs[0].Description)
	}
}

func TestSearchByCVE(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := testDB(t)
	f, err := d.SearchByCVE(ctx, "cve-2023-9999")
	if err != nil {
		t.Fatal(err)
	}
	if f == nil || f.FixedVersion != "2.43.1" {
		t.Fatalf("got %+v", f)
	}
	f, err = d.SearchByCVE(ctx, "CVE-1999-0000")
	if err != nil {
		t.Fatal(err)
	}
	if f != nil {
		t.Errorf("got %+v, want nil", f)
	}
}
