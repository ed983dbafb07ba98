package appthreat

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseVERS(t *testing.T) {
	t.Parallel()
	tt := []struct {
		In        string
		Want      VERS
		WantFixed string
		WantErr   bool
	}{
		{
			In: "vers:generic/>=8.0.0|<8.4.0",
			Want: VERS{Scheme: "generic", Constraints: []Constraint{
				{Op: ">=", Version: "8.0.0"},
				{Op: "<", Version: "8.4.0"},
			}},
			WantFixed: "8.4.0",
		},
		{
			// An inclusive upper bound has no known fix inside the range.
			In: "vers:npm/<=2.15.0",
			Want: VERS{Scheme: "npm", Constraints: []Constraint{
				{Op: "<=", Version: "2.15.0"},
			}},
			WantFixed: ">2.15.0",
		},
		{
			In:   "vers:generic/*",
			Want: VERS{Scheme: "generic"},
		},
		{
			In: "vers:generic/=1.2.3",
			Want: VERS{Scheme: "generic", Constraints: []Constraint{
				{Op: "=", Version: "1.2.3"},
			}},
		},
		{In: ">=8.0.0|<8.4.0", WantErr: true},
		{In: "vers:/<1.0", WantErr: true},
	}
	for _, tc := range tt {
		got, err := ParseVERS(tc.In)
		if tc.WantErr {
			if err == nil {
				t.Errorf("%s: expected error", tc.In)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tc.In, err)
			continue
		}
		if !cmp.Equal(*got, tc.Want) {
			t.Errorf("%s: %s", tc.In, cmp.Diff(*got, tc.Want))
		}
		if got.FixedVersion() != tc.WantFixed {
			t.Errorf("%s: FixedVersion: got %q, want %q", tc.In, got.FixedVersion(), tc.WantFixed)
		}
	}
}

func TestVERSContains(t *testing.T) {
	t.Parallel()
	v, err := ParseVERS("vers:generic/>=8.0.0|<8.4.0")
	if err != nil {
		t.Fatal(err)
	}
	tt := []struct {
		V    string
		Want bool
	}{
		{"8.0.0", true},
		{"8.3.9", true},
		{"8.4.0", false},
		{"7.9.9", false},
		{"8.4.1", false},
	}
	for _, tc := range tt {
		if got := v.Contains(tc.V); got != tc.Want {
			t.Errorf("Contains(%q): got %v, want %v", tc.V, got, tc.Want)
		}
	}
}
