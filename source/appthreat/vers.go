package appthreat

import (
	"fmt"
	"strings"

	"github.com/quay/msvcore"
)

// VERS is a parsed package-version range in the vers spec's notation, e.g.
// "vers:generic/>=8.0.0|<8.4.0".
type VERS struct {
	Scheme      string
	Constraints []Constraint
}

// Constraint is one comparator in a VERS range.
type Constraint struct {
	// Op is one of <, <=, >, >=, =, !=.
	Op      string
	Version string
}

var versOps = []string{"<=", ">=", "!=", "<", ">", "="}

// ParseVERS parses a vers URI. The wildcard range "vers:scheme/*" parses to
// zero constraints.
func ParseVERS(s string) (*VERS, error) {
	rest, ok := strings.CutPrefix(s, "vers:")
	if !ok {
		return nil, fmt.Errorf("appthreat: not a vers URI: %q", s)
	}
	scheme, spec, ok := strings.Cut(rest, "/")
	if !ok || scheme == "" {
		return nil, fmt.Errorf("appthreat: malformed vers URI: %q", s)
	}
	v := VERS{Scheme: scheme}
	for _, part := range strings.Split(spec, "|") {
		part = strings.TrimSpace(part)
		if part == "" || part == "*" {
			continue
		}
		c := Constraint{Op: "="}
		for _, op := range versOps {
			if strings.HasPrefix(part, op) {
				c.Op = op
				part = strings.TrimPrefix(part, op)
				break
			}
		}
		c.Version = strings.TrimSpace(part)
		if c.Version == "" {
			return nil, fmt.Errorf("appthreat: empty version in vers URI: %q", s)
		}
		v.Constraints = append(v.Constraints, c)
	}
	return &v, nil
}

// FixedVersion derives the first safe version from the range's first upper
// bound. An exclusive bound IS the fix; an inclusive bound means the fix is
// merely "somewhere above", expressed with a ">" prefix.
func (v *VERS) FixedVersion() string {
	for _, c := range v.Constraints {
		switch c.Op {
		case "<":
			return c.Version
		case "<=":
			return ">" + c.Version
		}
	}
	return ""
}

// Range renders the constraints as a human-readable affected range.
func (v *VERS) Range() string {
	if len(v.Constraints) == 0 {
		return "*"
	}
	parts := make([]string, len(v.Constraints))
	for i, c := range v.Constraints {
		parts[i] = c.Op + c.Version
	}
	return strings.Join(parts, " ")
}

// Contains reports whether the version satisfies every constraint. Versions
// that fail to parse are treated as outside the range.
func (v *VERS) Contains(version string) bool {
	for _, c := range v.Constraints {
		cmp := msvcore.CompareVersions(version, c.Version)
		ok := false
		switch c.Op {
		case "<":
			ok = cmp < 0
		case "<=":
			ok = cmp <= 0
		case ">":
			ok = cmp > 0
		case ">=":
			ok = cmp >= 0
		case "=":
			ok = cmp == 0
		case "!=":
			ok = cmp != 0
		}
		if !ok {
			return false
		}
	}
	return true
}
