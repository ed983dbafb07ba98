package msvcore

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseVersion(t *testing.T) {
	t.Parallel()
	tt := []struct {
		In   string
		Want Version
	}{
		{"1.2.3", Version{Parts: []int{1, 2, 3}}},
		{"122.0.6261.94", Version{Parts: []int{122, 0, 6261, 94}}},
		{"10.0.22621.3880", Version{Parts: []int{10, 0, 22621, 3880}}},
		{"3.0.0.4.386_51948", Version{Parts: []int{3, 0, 0, 4, 386, 51948}}},
		{"v2.4.1", Version{Parts: []int{2, 4, 1}}},
		{"1.2.3-beta", Version{Parts: []int{1, 2, 3}, Prerelease: "beta"}},
		{"KB5034123", Version{KB: 5034123}},
		{"R81.20", Version{Parts: []int{81, 20}}},
		{"R80.40 Take 66", Version{Parts: []int{80, 40}}},
	}
	for _, tc := range tt {
		got, err := ParseVersion(tc.In)
		if err != nil {
			t.Errorf("ParseVersion(%q): %v", tc.In, err)
			continue
		}
		if !cmp.Equal(*got, tc.Want) {
			t.Errorf("ParseVersion(%q): %v", tc.In, cmp.Diff(tc.Want, *got))
		}
	}
	for _, in := range []string{"", "garbage", "..."} {
		if _, err := ParseVersion(in); err == nil {
			t.Errorf("ParseVersion(%q): expected error", in)
		}
	}
}

func TestCompareVersions(t *testing.T) {
	t.Parallel()
	tt := []struct {
		A, B string
		Want int
	}{
		{"1.0", "1.0.0", 0},
		{"1.2.3", "1.2.4", -1},
		{"10.0", "9.9.9", 1},
		{"122.0.6261.94", "122.0.6261.111", -1},
		{"1.2.3-beta", "1.2.3", -1},
		{"1.2.3-alpha", "1.2.3-beta", -1},
		{"KB5034122", "KB5034123", -1},
		{"R81.10", "R81.20", -1},
		{"3.0.0.4.386_51948", "3.0.0.4.386_51000", 1},
		{"v1.5.0", "1.5.0", 0},
	}
	for _, tc := range tt {
		if got := CompareVersions(tc.A, tc.B); got != tc.Want {
			t.Errorf("CompareVersions(%q, %q): got %d, want %d", tc.A, tc.B, got, tc.Want)
		}
		if got := CompareVersions(tc.B, tc.A); got != -tc.Want {
			t.Errorf("CompareVersions(%q, %q): got %d, want %d", tc.B, tc.A, got, -tc.Want)
		}
	}
	// Reflexivity over assorted schemes.
	for _, v := range []string{"1.2.3", "KB5034123", "R81.20", "1.2.3-rc.1"} {
		if got := CompareVersions(v, v); got != 0 {
			t.Errorf("CompareVersions(%q, %q): got %d, want 0", v, v, got)
		}
	}
}

func TestEvaluateVersion(t *testing.T) {
	t.Parallel()
	tt := []struct {
		V, Expr string
		Want    bool
	}{
		{"1.2.3", "<1.3.0", true},
		{"1.2.3", "<=1.2.3", true},
		{"1.2.3", ">1.2.3", false},
		{"1.2.3", ">=1.2.3", true},
		{"1.2.3", "=1.2.3", true},
		{"1.2.3", "!=1.2.3", false},
		{"2.0", "< 2.0.1", true},
	}
	for _, tc := range tt {
		got, err := EvaluateVersion(tc.V, tc.Expr)
		if err != nil {
			t.Errorf("EvaluateVersion(%q, %q): %v", tc.V, tc.Expr, err)
			continue
		}
		if got != tc.Want {
			t.Errorf("EvaluateVersion(%q, %q): got %v, want %v", tc.V, tc.Expr, got, tc.Want)
		}
	}
	if _, err := EvaluateVersion("1.0", "~1.0"); err == nil {
		t.Error("expected error for unknown operator")
	}
}

func TestInRange(t *testing.T) {
	t.Parallel()
	ok, err := InRange("1.5.0", "1.0.0", "2.0.0", "")
	if err != nil || !ok {
		t.Errorf("got (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = InRange("2.0.0", "1.0.0", "2.0.0", "")
	if err != nil || ok {
		t.Errorf("got (%v, %v), want (false, nil)", ok, err)
	}
	ok, err = InRange("0.9", "", "", "<1.0")
	if err != nil || !ok {
		t.Errorf("override: got (%v, %v), want (true, nil)", ok, err)
	}
}

func TestSortVersions(t *testing.T) {
	t.Parallel()
	vs := []string{"10.1.46", "9.0.110", "9.0.2", "10.0.0"}
	SortVersions(vs)
	want := []string{"9.0.2", "9.0.110", "10.0.0", "10.1.46"}
	if !cmp.Equal(vs, want) {
		t.Error(cmp.Diff(want, vs))
	}
}

func TestFindMinimumSafeVersion(t *testing.T) {
	t.Parallel()
	tt := []struct {
		In   []string
		Want string
	}{
		{[]string{"7.4.1", "7.5.0", "7.4.6"}, "7.5.0"},
		{[]string{">9.0", "8.1.2"}, "8.1.2"},
		{[]string{">9.0"}, ""},
		{[]string{"deadbeef01.2", "1.2.3"}, "1.2.3"},
		{[]string{"KB5034122", "KB5034123"}, "KB5034123"},
		{[]string{"R81.10", "R81.20"}, "R81.20"},
		{[]string{"fixed in release 2.1", "2.0.4"}, "2.0.4"},
		{nil, ""},
	}
	for _, tc := range tt {
		if got := FindMinimumSafeVersion(tc.In); got != tc.Want {
			t.Errorf("FindMinimumSafeVersion(%v): got %q, want %q", tc.In, got, tc.Want)
		}
	}
}

func TestIsVulnerable(t *testing.T) {
	t.Parallel()
	if !IsVulnerable("7.4.0", []string{"7.4.1", "7.5.0"}) {
		t.Error("7.4.0 should be vulnerable below 7.5.0")
	}
	if IsVulnerable("7.5.0", []string{"7.4.1", "7.5.0"}) {
		t.Error("7.5.0 should not be vulnerable")
	}
	if IsVulnerable("1.0", nil) {
		t.Error("no fixed versions means not provably vulnerable")
	}
}

func TestIsValidVersion(t *testing.T) {
	t.Parallel()
	valid := []string{"1.2.3", "9.0.110", "10.0.22621.3880", "25.11.1"}
	invalid := []string{
		"", "nodots", "x1.2", "1", // shape violations
		"1.2.3.4.5.6.7.8.9.10.11.12", // too long
		"1.feedface.2",               // looks like a git SHA
	}
	for _, v := range valid {
		if !IsValidVersion(v) {
			t.Errorf("IsValidVersion(%q): got false, want true", v)
		}
	}
	for _, v := range invalid {
		if IsValidVersion(v) {
			t.Errorf("IsValidVersion(%q): got true, want false", v)
		}
	}
}
