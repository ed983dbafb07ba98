package score

import "github.com/quay/msvcore"

// DefaultMismatchFactor is the multiple by which leading version components
// must diverge before the scheme-mismatch detector fires.
const DefaultMismatchFactor = 4

// SchemeMismatch reports whether the majority of collected fixed versions
// appear to use a different numbering scheme than the product's latest
// version. The classic symptom is a feed reporting "1.4.x" fixes for a
// product whose releases are year-numbered ("24.x"): the fixes belong to a
// different product or component and NVD should be consulted.
func SchemeMismatch(fixed []string, latest string, factor int) bool {
	if latest == "" || len(fixed) == 0 {
		return false
	}
	if factor <= 0 {
		factor = DefaultMismatchFactor
	}
	lv, err := msvcore.ParseVersion(latest)
	if err != nil || len(lv.Parts) == 0 {
		return false
	}
	lead := lv.Parts[0]
	var mismatched int
	var considered int
	for _, f := range fixed {
		fv, err := msvcore.ParseVersion(f)
		if err != nil || len(fv.Parts) == 0 {
			continue
		}
		considered++
		a, b := fv.Parts[0], lead
		if a > b {
			a, b = b, a
		}
		if a == 0 || b/a >= factor {
			mismatched++
		}
	}
	return considered > 0 && mismatched*2 > considered
}
