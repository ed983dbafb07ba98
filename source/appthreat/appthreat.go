// Package appthreat reads the AppThreat vulnerability database bundle: a
// pair of SQLite files holding CVE JSON 5 records and a pre-built
// package-to-CVE index. It is the offline source; once the bundle is on
// disk, queries touch no network.
package appthreat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v8"
	_ "github.com/doug-martin/goqu/v8/dialect/sqlite3"
	"github.com/package-url/packageurl-go"
	"github.com/quay/zlog"
	_ "modernc.org/sqlite"

	"github.com/quay/msvcore"
	"github.com/quay/msvcore/libmsv/driver"
)

// Bundle file names, as written by the vdb downloader.
const (
	DataFile  = "data.vdb6"
	IndexFile = "data.index.vdb6"
)

// Tag is the source tag for offline findings.
const Tag = "appthreat"

// staleAfter is how old the bundle may grow before Open starts warning.
const staleAfter = 7 * 24 * time.Hour

var _ driver.OfflineDB = (*DB)(nil)

var dialect = goqu.Dialect("sqlite3")

// DB is a read-only handle on an AppThreat bundle.
type DB struct {
	db  *sql.DB
	dir string
}

// Open opens the bundle under dir. The data file is the primary database and
// the index file is attached, so index hits and CVE payloads join in one
// statement. Both are opened read-only.
func Open(ctx context.Context, dir string) (*DB, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "source/appthreat/Open")
	data := filepath.Join(dir, DataFile)
	fi, err := os.Stat(data)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("appthreat: no bundle under %s; run %q or install it with %q", dir, "vdb --download-image", "pip install appthreat-vulnerability-db")
	case err != nil:
		return nil, fmt.Errorf("appthreat: %w", err)
	}
	if age := time.Since(fi.ModTime()); age > staleAfter {
		zlog.Warn(ctx).
			Dur("age", age).
			Msg("vulnerability bundle is stale, consider refreshing")
	}
	db, err := sql.Open("sqlite", "file:"+data+"?mode=ro&_pragma=query_only(1)")
	if err != nil {
		return nil, fmt.Errorf("appthreat: opening %s: %w", data, err)
	}
	idx := filepath.Join(dir, IndexFile)
	if _, err := db.ExecContext(ctx, `ATTACH DATABASE ? AS idx`, "file:"+idx+"?mode=ro"); err != nil {
		db.Close()
		return nil, fmt.Errorf("appthreat: attaching %s: %w", idx, err)
	}
	return &DB{db: db, dir: dir}, nil
}

// Close releases the underlying handles.
func (d *DB) Close() error { return d.db.Close() }

// Refresh re-downloads the bundle under dir via the vdb CLI. The files are
// replaced in place; open handles should be closed and re-opened afterwards.
func Refresh(ctx context.Context, dir string) error {
	ctx = zlog.ContextWithValues(ctx, "component", "source/appthreat/Refresh")
	bin, err := exec.LookPath("vdb")
	if err != nil {
		return fmt.Errorf("appthreat: vdb CLI not found; install it with %q", "pip install appthreat-vulnerability-db")
	}
	zlog.Info(ctx).Str("dir", dir).Msg("refreshing vulnerability bundle")
	cmd := exec.CommandContext(ctx, bin, "--download-image")
	cmd.Env = append(os.Environ(), "VDB_HOME="+dir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("appthreat: vdb --download-image: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// EnsureFresh re-downloads the bundle under dir when it is missing or older
// than maxAge. Zero maxAge means the default 7 days. A fresh bundle returns
// nil without touching the vdb CLI.
func EnsureFresh(ctx context.Context, dir string, maxAge time.Duration) error {
	ctx = zlog.ContextWithValues(ctx, "component", "source/appthreat/EnsureFresh")
	if maxAge <= 0 {
		maxAge = staleAfter
	}
	fi, err := os.Stat(filepath.Join(dir, DataFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
		// No bundle yet; download one.
	case err != nil:
		return fmt.Errorf("appthreat: %w", err)
	default:
		age := time.Since(fi.ModTime())
		if age <= maxAge {
			return nil
		}
		zlog.Info(ctx).Dur("age", age).Dur("maxAge", maxAge).Msg("vulnerability bundle too old")
	}
	return Refresh(ctx, dir)
}

// cveJSON is the slice of the CVE JSON 5 record the projection reads.
type cveJSON struct {
	Containers struct {
		CNA struct {
			Descriptions []struct {
				Lang  string `json:"lang"`
				Value string `json:"value"`
			} `json:"descriptions"`
			Metrics []struct {
				V31 *struct {
					BaseScore    float64 `json:"baseScore"`
					BaseSeverity string  `json:"baseSeverity"`
				} `json:"cvssV3_1"`
			} `json:"metrics"`
		} `json:"cna"`
	} `json:"containers"`
}

func project(cveID, vers, sourceData string) (*msvcore.Finding, error) {
	f := msvcore.Finding{CVE: cveID, Source: Tag}
	if vers != "" {
		v, err := ParseVERS(vers)
		if err != nil {
			return nil, err
		}
		f.FixedVersion = v.FixedVersion()
		f.AffectedRange = v.Range()
	}
	var rec cveJSON
	if err := json.Unmarshal([]byte(sourceData), &rec); err != nil {
		return nil, fmt.Errorf("appthreat: record %s: %w", cveID, err)
	}
	for _, d := range rec.Containers.CNA.Descriptions {
		if d.Lang == "en" || strings.HasPrefix(d.Lang, "en-") {
			f.Description = d.Value
			break
		}
	}
	for _, m := range rec.Containers.CNA.Metrics {
		if m.V31 != nil {
			s := m.V31.BaseScore
			f.CVSS = &s
			f.Severity = msvcore.ParseSeverity(m.V31.BaseSeverity)
			if f.Severity == msvcore.Unknown {
				f.Severity = msvcore.SeverityFromCVSS(s)
			}
			break
		}
	}
	return &f, nil
}

// cvssExpr pulls the v3.1 base score out of the stored record so score
// thresholds apply inside SQLite. Unscored records pass the threshold.
const cvssExpr = `CAST(json_extract(d.source_data, '$.containers.cna.metrics[0].cvssV3_1.baseScore') AS REAL)`

func (d *DB) search(ctx context.Context, where goqu.Expression, opt driver.CPESearchOpts) ([]*msvcore.Finding, error) {
	ds := dialect.From(goqu.T("cve_index").Schema("idx").As("i")).
		Join(goqu.T("cve_data").As("d"), goqu.On(goqu.Ex{"d.cve_id": goqu.I("i.cve_id")})).
		Select("i.cve_id", "i.vers", "d.source_data").
		Where(where)
	if opt.MinCVSS > 0 {
		ds = ds.Where(goqu.Or(
			goqu.L(cvssExpr).Gte(opt.MinCVSS),
			goqu.L(cvssExpr).IsNull(),
		))
	}
	if opt.ExcludeMalware {
		ds = ds.Where(goqu.L(`i.cve_id NOT LIKE 'MAL-%'`))
	}
	q, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("appthreat: building query: %w", err)
	}
	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("appthreat: %w", err)
	}
	defer rows.Close()
	var out []*msvcore.Finding
	seen := make(map[string]bool)
	for rows.Next() {
		var cveID, vers, sourceData string
		if err := rows.Scan(&cveID, &vers, &sourceData); err != nil {
			return nil, fmt.Errorf("appthreat: %w", err)
		}
		f, err := project(cveID, vers, sourceData)
		if err != nil {
			zlog.Warn(ctx).Err(err).Msg("skipping unreadable record")
			continue
		}
		if prev, ok := firstByCVE(out, seen, f); ok {
			prev.Absorb(f)
			continue
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// firstByCVE reports whether f's CVE was already emitted, returning the
// earlier finding so range variants collapse onto it.
func firstByCVE(out []*msvcore.Finding, seen map[string]bool, f *msvcore.Finding) (*msvcore.Finding, bool) {
	if !seen[f.CVE] {
		seen[f.CVE] = true
		return nil, false
	}
	for _, p := range out {
		if p.CVE == f.CVE {
			return p, true
		}
	}
	return nil, false
}

// SearchByCPE implements driver.OfflineDB. Only the vendor and product atoms
// of the CPE 2.3 string participate in the match.
func (d *DB) SearchByCPE(ctx context.Context, cpe string, opt driver.CPESearchOpts) ([]*msvcore.Finding, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "source/appthreat/DB.SearchByCPE")
	parts := strings.Split(cpe, ":")
	if len(parts) < 5 || parts[0] != "cpe" || parts[1] != "2.3" {
		return nil, fmt.Errorf("appthreat: not a CPE 2.3 string: %q", cpe)
	}
	vendor, product := parts[3], parts[4]
	where := goqu.Ex{"i.name": product}
	if vendor != "*" && vendor != "" {
		return d.search(ctx, goqu.And(
			goqu.Ex{"i.name": product},
			goqu.Or(goqu.Ex{"i.namespace": vendor}, goqu.Ex{"i.namespace": ""}),
		), opt)
	}
	return d.search(ctx, where, opt)
}

// SearchByPURL implements driver.OfflineDB, matching on the index's
// normalized package-URL prefix (type/namespace/name, no version).
func (d *DB) SearchByPURL(ctx context.Context, purl string, opt driver.CPESearchOpts) ([]*msvcore.Finding, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "source/appthreat/DB.SearchByPURL")
	p, err := packageurl.FromString(purl)
	if err != nil {
		return nil, fmt.Errorf("appthreat: %w", err)
	}
	prefix := "pkg:" + p.Type
	if p.Namespace != "" {
		prefix += "/" + p.Namespace
	}
	prefix += "/" + p.Name
	return d.search(ctx, goqu.Ex{"i.purl_prefix": prefix}, opt)
}

// SearchByCVE implements driver.OfflineDB. An absent CVE yields nil, nil.
func (d *DB) SearchByCVE(ctx context.Context, cveID string) (*msvcore.Finding, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "source/appthreat/DB.SearchByCVE")
	fs, err := d.search(ctx, goqu.Ex{"i.cve_id": strings.ToUpper(strings.TrimSpace(cveID))}, driver.CPESearchOpts{})
	if err != nil || len(fs) == 0 {
		return nil, err
	}
	return fs[0], nil
}

// Tag implements driver.Source.
func (d *DB) Tag() string { return Tag }

// Query implements driver.Source: CPE search when the entry has one, name
// search otherwise. Malware records are always excluded here; the curated
// catalog tracks software, not malware families.
func (d *DB) Query(ctx context.Context, spec *driver.ProductSpec) (*driver.SourceOutput, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "source/appthreat/DB.Query")
	opt := driver.CPESearchOpts{ExcludeMalware: true}
	var (
		fs  []*msvcore.Finding
		err error
	)
	if spec.Entry.CPE != "" {
		fs, err = d.SearchByCPE(ctx, spec.Entry.CPE, opt)
	} else {
		fs, err = d.search(ctx, goqu.Ex{"i.name": strings.ToLower(spec.Entry.Product)}, opt)
	}
	if err != nil {
		return nil, err
	}
	return &driver.SourceOutput{Findings: fs}, nil
}
