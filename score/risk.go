package score

import (
	"math"
	"time"

	"github.com/quay/msvcore"
)

// Risk labels.
const (
	RiskCritical = "CRITICAL"
	RiskHigh     = "HIGH"
	RiskMedium   = "MEDIUM"
	RiskLow      = "LOW"
	RiskInfo     = "INFO"
)

// staleEvidence is the data age beyond which the uncertainty penalty
// applies.
const staleEvidence = 168 * time.Hour

// Risk is the aggregate 0-100 risk of running below the MSV.
type Risk struct {
	Label string
	Score int
}

// RiskScore computes the weighted risk components:
//
//	KEV (max 40): 30 for any KEV CVE, +2 per additional, capped
//	EPSS (max 30): round((0.7*max + 0.3*avg) * 25), +5 for any PoC
//	CVE (max 20): min(10, round(log2(n+1)*2.5)) + round(maxCVSS)
//	Uncertainty (max 10): +7 when CVEs exist but no MSV; +3 when stale
func RiskScore(r *msvcore.AggregatedResult, dataAge time.Duration) Risk {
	var score float64

	// KEV component.
	var kevCount int
	var anyPoC bool
	var maxEPSS, sumEPSS float64
	var epssN int
	var maxCVSS float64
	for _, f := range r.Findings {
		if f.InKEV {
			kevCount++
		}
		if f.HasPoC {
			anyPoC = true
		}
		if f.EPSS != nil {
			epssN++
			sumEPSS += *f.EPSS
			if *f.EPSS > maxEPSS {
				maxEPSS = *f.EPSS
			}
		}
		if f.CVSS != nil && *f.CVSS > maxCVSS {
			maxCVSS = *f.CVSS
		}
	}
	if kevCount > 0 {
		kev := 30.0 + 2.0*float64(kevCount-1)
		if kev > 40 {
			kev = 40
		}
		score += kev
	}

	// EPSS component.
	var epss float64
	if epssN > 0 {
		avg := sumEPSS / float64(epssN)
		epss = math.Round((0.7*maxEPSS + 0.3*avg) * 25)
	}
	if anyPoC {
		epss += 5
	}
	if epss > 30 {
		epss = 30
	}
	score += epss

	// CVE component.
	if n := len(r.Findings); n > 0 {
		vol := math.Round(math.Log2(float64(n)+1) * 2.5)
		if vol > 10 {
			vol = 10
		}
		cve := vol + math.Round(maxCVSS)
		if cve > 20 {
			cve = 20
		}
		score += cve
	}

	// Uncertainty penalty.
	var penalty float64
	if len(r.Findings) > 0 && r.MinimumSafeVersion == "" {
		penalty += 7
	}
	if dataAge > staleEvidence {
		penalty += 3
	}
	if penalty > 10 {
		penalty = 10
	}
	score += penalty

	s := int(score)
	if s > 100 {
		s = 100
	}
	if s < 0 {
		s = 0
	}
	return Risk{Score: s, Label: riskLabel(s)}
}

func riskLabel(s int) string {
	switch {
	case s >= 80:
		return RiskCritical
	case s >= 60:
		return RiskHigh
	case s >= 40:
		return RiskMedium
	case s >= 20:
		return RiskLow
	}
	return RiskInfo
}
