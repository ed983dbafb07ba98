package score

import (
	"testing"
	"time"

	"github.com/quay/msvcore"
	"github.com/quay/msvcore/catalog"
)

func TestRate(t *testing.T) {
	t.Parallel()
	tt := []struct {
		Name string
		In   RatingInput
		Want string
	}{
		{"VendorWithMSV", RatingInput{HasVendorAdvisory: true, HasCVEData: true, MSVDetermined: true}, "A2"},
		{"KEVBeatsVendor", RatingInput{HasVendorAdvisory: true, HasKEVEvidence: true, HasCVEData: true, MSVDetermined: true}, "A1"},
		{"VulnCheckPoC", RatingInput{HasVulnCheckPoC: true, HasCVEData: true, MSVDetermined: true}, "B2"},
		{"HighEPSS", RatingInput{MaxEPSS: 0.9, HasCVEData: true, MSVDetermined: true}, "B3"},
		{"CVEsNoMSV", RatingInput{HasCVEData: true, CVECount: 4}, "C4"},
		{"NoEvidence", RatingInput{}, "F6"},
	}
	for _, tc := range tt {
		if got := Rate(tc.In).String(); got != tc.Want {
			t.Errorf("%s: got %s, want %s", tc.Name, got, tc.Want)
		}
	}
}

func fpt(f float64) *float64 { return &f }

func TestRiskScore(t *testing.T) {
	t.Parallel()

	// No findings at all: floor.
	r := &msvcore.AggregatedResult{}
	if got := RiskScore(r, 0); got.Score != 0 || got.Label != RiskInfo {
		t.Errorf("empty: got %+v", got)
	}

	// A KEV CVE with a high EPSS and CVSS lands in CRITICAL territory.
	r = &msvcore.AggregatedResult{
		MinimumSafeVersion: "9.0.110",
		Findings: []*msvcore.Finding{
			{CVE: "CVE-2024-0001", InKEV: true, HasPoC: true, CVSS: fpt(9.8), EPSS: fpt(0.95)},
			{CVE: "CVE-2024-0002", InKEV: true, HasPoC: true, CVSS: fpt(8.0), EPSS: fpt(0.5)},
			{CVE: "CVE-2024-0003", CVSS: fpt(6.5)},
		},
	}
	got := RiskScore(r, time.Hour)
	// KEV: 30 + 2 = 32. EPSS: round((0.7*0.95 + 0.3*0.4833)*25)+5 = 20+5+... capped at 30.
	// CVE: min(10, round(log2(4)*2.5)) + round(9.8) = 5 + 10 capped at 20 = 15.
	if got.Score < 60 {
		t.Errorf("exploited stack should score HIGH or worse, got %+v", got)
	}
	if got.Label != RiskCritical && got.Label != RiskHigh {
		t.Errorf("got label %q", got.Label)
	}

	// Uncertainty penalty: CVEs with no determined MSV, stale data.
	r = &msvcore.AggregatedResult{
		Findings: []*msvcore.Finding{{CVE: "CVE-2024-0004"}},
	}
	withPenalty := RiskScore(r, 200*time.Hour).Score
	r2 := &msvcore.AggregatedResult{
		MinimumSafeVersion: "1.2.3",
		Findings:           []*msvcore.Finding{{CVE: "CVE-2024-0004"}},
	}
	without := RiskScore(r2, time.Hour).Score
	if withPenalty != without+10 {
		t.Errorf("penalty: got %d vs %d, want +10", withPenalty, without)
	}
}

func TestSchemeMismatch(t *testing.T) {
	t.Parallel()
	tt := []struct {
		Name   string
		Fixed  []string
		Latest string
		Want   bool
	}{
		{"YearVsSemver", []string{"1.4.2", "1.4.9", "1.5.0"}, "24.3", true},
		{"SameScheme", []string{"24.1.1", "24.2.0"}, "24.3", false},
		{"NoLatest", []string{"1.4.2"}, "", false},
		{"NoFixed", nil, "24.3", false},
		{"MinorityMismatch", []string{"24.1.1", "24.2.0", "1.4.2"}, "24.3", false},
	}
	for _, tc := range tt {
		if got := SchemeMismatch(tc.Fixed, tc.Latest, 0); got != tc.Want {
			t.Errorf("%s: got %v, want %v", tc.Name, got, tc.Want)
		}
	}
}

func TestRecommend(t *testing.T) {
	t.Parallel()
	res := &msvcore.AggregatedResult{
		MinimumSafeVersion: "9.0.110",
		RecommendedVersion: "10.1.46",
		Findings:           []*msvcore.Finding{{CVE: "CVE-2024-0001", FixedVersion: "9.0.110"}},
	}

	if got := Recommend(&catalog.Entry{EOL: true}, res, ""); got.Action != UpgradeCritical {
		t.Errorf("EOL override: got %v", got.Action)
	}
	if got := Recommend(&catalog.Entry{OSComponent: true}, res, ""); got.Action != Monitor {
		t.Errorf("osComponent override: got %v", got.Action)
	} else if got.Headline[:len("KEEP WINDOWS UPDATED")] != "KEEP WINDOWS UPDATED" {
		t.Errorf("osComponent headline: got %q", got.Headline)
	}

	if got := Recommend(nil, &msvcore.AggregatedResult{}, ""); got.Action != NoAction {
		t.Errorf("clean: got %v", got.Action)
	}
	undetermined := &msvcore.AggregatedResult{Findings: []*msvcore.Finding{{CVE: "CVE-2024-0002"}}}
	if got := Recommend(nil, undetermined, ""); got.Action != Investigate {
		t.Errorf("undetermined: got %v", got.Action)
	}

	kev := &msvcore.AggregatedResult{
		MinimumSafeVersion: "9.0.110",
		HasKEVCVEs:         true,
		Findings:           []*msvcore.Finding{{CVE: "CVE-2024-0003", InKEV: true, HasPoC: true}},
	}
	if got := Recommend(nil, kev, "9.0.100"); got.Action != UpgradeCritical {
		t.Errorf("KEV below MSV: got %v", got.Action)
	}

	if got := Recommend(nil, res, "9.0.100"); got.Action != UpgradeRecommended {
		t.Errorf("below MSV: got %v", got.Action)
	}
	if got := Recommend(nil, res, "9.0.110"); got.Action != Monitor {
		t.Errorf("safe but behind recommended: got %v", got.Action)
	}
	if got := Recommend(nil, res, "10.1.46"); got.Action != NoAction {
		t.Errorf("current: got %v", got.Action)
	}
}
