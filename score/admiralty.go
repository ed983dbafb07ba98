// Package score turns aggregated evidence into ratings: an Admiralty grade
// for the MSV determination, a 0-100 risk score, and a recommended action.
package score

import "fmt"

// EPSSRatingThreshold is the EPSS probability above which exploit prediction
// alone lifts the credibility of a determined MSV.
const EPSSRatingThreshold = 0.5

// Rating is a two-symbol Admiralty evidence grade: a letter for source
// reliability and a digit for information credibility.
type Rating struct {
	Description string
	Reliability byte
	Credibility int
}

// String renders the grade, e.g. "A1".
func (r Rating) String() string {
	return fmt.Sprintf("%c%d", r.Reliability, r.Credibility)
}

// RatingInput summarizes the provenance of an aggregation for rating.
type RatingInput struct {
	HasVendorAdvisory bool
	HasKEVEvidence    bool
	HasVulnCheckPoC   bool
	HasCVEData        bool
	MSVDetermined     bool
	MaxEPSS           float64
	CVECount          int
}

// Rate assigns the Admiralty grade. KEV evidence outranks a vendor advisory
// because active exploitation is confirmed by an outside authority.
func Rate(in RatingInput) Rating {
	switch {
	case in.HasKEVEvidence && in.MSVDetermined:
		return Rating{
			Reliability: 'A', Credibility: 1,
			Description: "confirmed by CISA KEV with a determined fix",
		}
	case in.HasVendorAdvisory && in.MSVDetermined:
		return Rating{
			Reliability: 'A', Credibility: 2,
			Description: "vendor advisory with vendor-asserted fixed versions",
		}
	case in.HasVulnCheckPoC && in.MSVDetermined:
		return Rating{
			Reliability: 'B', Credibility: 2,
			Description: "exploit intelligence corroborates the determined fix",
		}
	case in.MaxEPSS >= EPSSRatingThreshold && in.MSVDetermined:
		return Rating{
			Reliability: 'B', Credibility: 3,
			Description: "high exploit prediction with a determined fix",
		}
	case in.HasCVEData && !in.MSVDetermined:
		return Rating{
			Reliability: 'C', Credibility: 4,
			Description: "CVE data on record but no fix determined",
		}
	case in.HasCVEData && in.MSVDetermined:
		return Rating{
			Reliability: 'B', Credibility: 3,
			Description: "fix derived from CVE feed data",
		}
	}
	return Rating{
		Reliability: 'F', Credibility: 6,
		Description: "no evidence available",
	}
}
