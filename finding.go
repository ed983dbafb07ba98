package msvcore

// Finding is the canonical representation of one CVE as reported by one or
// more sources. Source adapters project their native payloads into this
// shape; raw payloads never travel through the aggregator.
type Finding struct {
	// CVE is the CVE identifier and the dedup key across sources.
	CVE string `json:"cve"`
	// Description is the advisory or NVD description, when available.
	Description string `json:"description,omitempty"`
	// FixedVersion is the version that resolves this CVE. A leading ">"
	// means "greater than, exact fix unknown".
	FixedVersion string `json:"fixedVersion,omitempty"`
	// AffectedRange is the human-readable affected range, verbatim.
	AffectedRange string `json:"affectedRange,omitempty"`
	// Source tags the first source that reported this CVE.
	Source string `json:"source,omitempty"`
	// KEVDateAdded is the date the CVE entered the CISA KEV catalog,
	// in the catalog's YYYY-MM-DD form.
	KEVDateAdded string `json:"kevDateAdded,omitempty"`
	Severity     Severity `json:"severity,omitempty"`
	// CVSS is the CVSS base score, nil when no source reported one.
	CVSS *float64 `json:"cvss,omitempty"`
	// EPSS is the EPSS probability, nil when no source reported one.
	EPSS *float64 `json:"epss,omitempty"`
	// InKEV reports membership in the CISA KEV catalog. InKEV implies
	// HasPoC; Normalize enforces this.
	InKEV  bool `json:"inKEV,omitempty"`
	HasPoC bool `json:"hasPoC,omitempty"`
}

// Normalize restores the invariant that a CVE under active exploitation
// necessarily has a proof of concept.
func (f *Finding) Normalize() {
	if f.InKEV {
		f.HasPoC = true
	}
}

// Absorb merges a later source's view of the same CVE into f.
//
// The first source to supply a non-null field wins; InKEV and HasPoC
// monotonically OR across sources.
func (f *Finding) Absorb(o *Finding) {
	if f.Description == "" {
		f.Description = o.Description
	}
	if f.FixedVersion == "" {
		f.FixedVersion = o.FixedVersion
	}
	if f.AffectedRange == "" {
		f.AffectedRange = o.AffectedRange
	}
	if f.Severity == Unknown {
		f.Severity = o.Severity
	}
	if f.CVSS == nil {
		f.CVSS = o.CVSS
	}
	if f.EPSS == nil {
		f.EPSS = o.EPSS
	}
	if f.KEVDateAdded == "" {
		f.KEVDateAdded = o.KEVDateAdded
	}
	if f.Source == "" {
		f.Source = o.Source
	}
	f.InKEV = f.InKEV || o.InKEV
	f.HasPoC = f.HasPoC || o.HasPoC
	f.Normalize()
}
