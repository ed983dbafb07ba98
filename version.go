package msvcore

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Masterminds/semver"
)

// Version describes a parsed product version.
//
// Versions drawn from different vendor schemes do not have any sensible
// ordering; callers must not compare across schemes.
type Version struct {
	// Prerelease is the semver-style suffix ("beta.1" in "1.2.3-beta.1"),
	// if any. A version carrying a prerelease orders strictly before the
	// same numeric tuple without one.
	Prerelease string
	// Parts is the numeric tuple. Missing tail parts compare as 0.
	Parts []int
	// KB is the number of a Microsoft KB identifier. When set, Parts is
	// empty and ordering is by this number alone.
	KB int
}

var (
	kbPattern  = regexp.MustCompile(`(?i)^KB([0-9]+)$`)
	numGroups  = regexp.MustCompile(`[0-9]+`)
	hexRun     = regexp.MustCompile(`[a-f]{4,}`)
	versionish = regexp.MustCompile(`^[0-9]`)
)

// ParseVersion parses the version schemes found in vendor advisories and CVE
// records: dotted numeric tuples of arbitrary length, underscore-joined
// ASUS-style strings, a leading "v", semver prerelease suffixes, Microsoft KB
// identifiers, and branch-style strings such as "R81.20" where only the two
// leading integer groups are significant.
func ParseVersion(s string) (*Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("msvcore: empty version")
	}
	if m := kbPattern.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("msvcore: bad KB identifier %q: %w", s, err)
		}
		return &Version{KB: n}, nil
	}
	if len(s) > 1 && (s[0] == 'v' || s[0] == 'V') && s[1] >= '0' && s[1] <= '9' {
		s = s[1:]
	}
	s = strings.ReplaceAll(s, "_", ".")

	if !versionish.MatchString(s) {
		// Branch-style string: take the two leading integer groups and
		// ignore the rest.
		gs := numGroups.FindAllString(s, 2)
		if gs == nil {
			return nil, fmt.Errorf("msvcore: unparseable version %q", s)
		}
		v := Version{Parts: make([]int, 0, 2)}
		for _, g := range gs {
			n, err := strconv.Atoi(g)
			if err != nil {
				return nil, fmt.Errorf("msvcore: unparseable version %q: %w", s, err)
			}
			v.Parts = append(v.Parts, n)
		}
		return &v, nil
	}

	var pre string
	if i := strings.IndexByte(s, '-'); i != -1 {
		pre = s[i+1:]
		s = s[:i]
	}
	var v Version
	for _, p := range strings.Split(s, ".") {
		n, err := strconv.Atoi(p)
		if err != nil {
			// Tolerate a trailing non-numeric element ("1.2.3p1"); pull
			// out its leading digits if it has any, otherwise stop.
			g := numGroups.FindString(p)
			if g == "" || len(v.Parts) == 0 {
				return nil, fmt.Errorf("msvcore: unparseable version %q", s)
			}
			n, _ = strconv.Atoi(g)
			v.Parts = append(v.Parts, n)
			break
		}
		v.Parts = append(v.Parts, n)
	}
	v.Prerelease = pre
	return &v, nil
}

// Compare returns an integer describing the relationship of two Versions.
//
// The result is 0 if v==x, -1 if v < x, and +1 if v > x. Missing tail parts
// are treated as 0, so "1.0" equals "1.0.0".
func (v *Version) Compare(x *Version) int {
	if v.KB != 0 || x.KB != 0 {
		switch {
		case v.KB < x.KB:
			return -1
		case v.KB > x.KB:
			return 1
		}
		return 0
	}
	n := len(v.Parts)
	if len(x.Parts) > n {
		n = len(x.Parts)
	}
	for i := 0; i < n; i++ {
		var a, b int
		if i < len(v.Parts) {
			a = v.Parts[i]
		}
		if i < len(x.Parts) {
			b = x.Parts[i]
		}
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
	}
	switch {
	case v.Prerelease == x.Prerelease:
		return 0
	case v.Prerelease == "":
		return 1
	case x.Prerelease == "":
		return -1
	}
	return strings.Compare(v.Prerelease, x.Prerelease)
}

// String implements fmt.Stringer.
func (v *Version) String() string {
	if v.KB != 0 {
		return "KB" + strconv.Itoa(v.KB)
	}
	var b strings.Builder
	for i, p := range v.Parts {
		if i != 0 {
			b.WriteByte('.')
		}
		b.WriteString(strconv.Itoa(p))
	}
	if v.Prerelease != "" {
		b.WriteByte('-')
		b.WriteString(v.Prerelease)
	}
	return b.String()
}

// CompareVersions compares two version strings, returning -1, 0 or 1.
//
// Strings that parse as semver are compared by semver rules, so prerelease
// tags order the way the ecosystem expects ("1.2.3-alpha" < "1.2.3-beta" <
// "1.2.3"). Everything else falls back to numeric tuple comparison.
// Unparseable strings compare as less than parseable ones.
func CompareVersions(a, b string) int {
	av, aerr := ParseVersion(a)
	bv, berr := ParseVersion(b)
	switch {
	case aerr != nil && berr != nil:
		return strings.Compare(a, b)
	case aerr != nil:
		return -1
	case berr != nil:
		return 1
	}
	if av.Prerelease != "" || bv.Prerelease != "" {
		if sa, err := semver.NewVersion(a); err == nil {
			if sb, err := semver.NewVersion(b); err == nil {
				return sa.Compare(sb)
			}
		}
	}
	return av.Compare(bv)
}

// EvaluateVersion reports whether "v" satisfies "expr", where expr is one of
// <, <=, >, >=, =, != followed by a version string.
func EvaluateVersion(v, expr string) (bool, error) {
	expr = strings.TrimSpace(expr)
	var op, rhs string
	switch {
	case strings.HasPrefix(expr, "<="), strings.HasPrefix(expr, ">="), strings.HasPrefix(expr, "!="):
		op, rhs = expr[:2], expr[2:]
	case strings.HasPrefix(expr, "<"), strings.HasPrefix(expr, ">"), strings.HasPrefix(expr, "="):
		op, rhs = expr[:1], expr[1:]
	default:
		return false, fmt.Errorf("msvcore: bad version expression %q", expr)
	}
	rhs = strings.TrimSpace(rhs)
	if _, err := ParseVersion(v); err != nil {
		return false, err
	}
	if _, err := ParseVersion(rhs); err != nil {
		return false, err
	}
	c := CompareVersions(v, rhs)
	switch op {
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	case ">=":
		return c >= 0, nil
	case "=":
		return c == 0, nil
	case "!=":
		return c != 0, nil
	}
	panic("unreachable")
}

// InRange reports whether v is within [start, end). Either bound may be
// empty. A non-empty exprOverride is evaluated instead of the bounds.
func InRange(v, start, end, exprOverride string) (bool, error) {
	if exprOverride != "" {
		return EvaluateVersion(v, exprOverride)
	}
	if start != "" {
		ok, err := EvaluateVersion(v, ">="+start)
		if err != nil || !ok {
			return false, err
		}
	}
	if end != "" {
		ok, err := EvaluateVersion(v, "<"+end)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// SortVersions sorts the slice in ascending order, in place.
func SortVersions(vs []string) {
	sort.SliceStable(vs, func(i, j int) bool {
		return CompareVersions(vs[i], vs[j]) < 0
	})
}

// FindMinimumSafeVersion returns the highest version in the list: the highest
// patched version is the safest floor. Strings prefixed with ">" mean
// "greater than X, exact fix unknown" and are skipped, as are strings that
// neither pass IsValidVersion nor belong to a recognized vendor scheme.
// Returns "" when nothing usable remains.
func FindMinimumSafeVersion(fixed []string) string {
	var max string
	for _, f := range fixed {
		f = strings.TrimSpace(f)
		if strings.HasPrefix(f, ">") {
			continue
		}
		if !IsValidVersion(f) && !isSchemeVersion(f) {
			continue
		}
		if max == "" || CompareVersions(f, max) > 0 {
			max = f
		}
	}
	return max
}

// isSchemeVersion recognizes the vendor schemes IsValidVersion's prose
// heuristics reject: KB identifiers and branch-style strings like "R81.20".
// The prose guards still apply to the branch-style path.
func isSchemeVersion(s string) bool {
	if kbPattern.MatchString(s) {
		return true
	}
	if len(s) == 0 || len(s) > 20 || strings.ContainsAny(s, " \t") {
		return false
	}
	if versionish.MatchString(s) {
		// Plain numeric shapes answer to IsValidVersion alone.
		return false
	}
	_, err := ParseVersion(s)
	return err == nil
}

// IsVulnerable reports whether v is below the highest fixed version known.
func IsVulnerable(v string, fixed []string) bool {
	msv := FindMinimumSafeVersion(fixed)
	if msv == "" {
		return false
	}
	return CompareVersions(v, msv) < 0
}

// IsValidVersion reports whether s plausibly is a version string. It is used
// to drop garbage extracted from CVE description prose: the string must
// contain a dot, start with a digit, be at most 20 bytes, and not contain a
// run of four or more hex letters (which usually means a git SHA).
func IsValidVersion(s string) bool {
	if len(s) == 0 || len(s) > 20 {
		return false
	}
	if s[0] < '0' || s[0] > '9' {
		return false
	}
	if !strings.Contains(s, ".") {
		return false
	}
	return !hexRun.MatchString(strings.ToLower(s))
}
