package msvcore

import (
	"fmt"
	"strings"
)

// Severity is a coarse vulnerability severity ranking.
type Severity uint

const (
	Unknown Severity = iota
	Negligible
	Low
	Medium
	High
	Critical
)

var severityNames = [...]string{
	Unknown:    "Unknown",
	Negligible: "Negligible",
	Low:        "Low",
	Medium:     "Medium",
	High:       "High",
	Critical:   "Critical",
}

func (s Severity) String() string {
	if int(s) >= len(severityNames) {
		return fmt.Sprintf("Severity(%d)", uint(s))
	}
	return severityNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	for i, n := range severityNames {
		if strings.EqualFold(string(b), n) {
			*s = Severity(i)
			return nil
		}
	}
	return fmt.Errorf("msvcore: unknown severity %q", string(b))
}

// ParseSeverity maps the severity strings used by NVD and the offline vuln
// DB ("CRITICAL", "HIGH", ...) onto a Severity. Unrecognized strings map to
// Unknown.
func ParseSeverity(s string) Severity {
	var sev Severity
	if err := sev.UnmarshalText([]byte(s)); err != nil {
		return Unknown
	}
	return sev
}

// SeverityFromCVSS buckets a CVSS base score per the v3 qualitative scale.
func SeverityFromCVSS(score float64) Severity {
	switch {
	case score >= 9.0:
		return Critical
	case score >= 7.0:
		return High
	case score >= 4.0:
		return Medium
	case score > 0:
		return Low
	}
	return Unknown
}
