package score

import (
	"github.com/quay/msvcore"
	"github.com/quay/msvcore/catalog"
)

// Action is the recommended response to a query result.
type Action string

const (
	NoAction           Action = "NO_ACTION"
	UpgradeRecommended Action = "UPGRADE_RECOMMENDED"
	UpgradeCritical    Action = "UPGRADE_CRITICAL"
	Monitor            Action = "MONITOR"
	Investigate        Action = "INVESTIGATE"
)

// Recommendation is an action plus its one-line human explanation.
type Recommendation struct {
	Action   Action
	Headline string
}

// Recommend decides the action for an aggregated result, optionally judged
// against the user's installed version. Catalog overrides come first: a
// discontinued product line is always an END OF LIFE upgrade, and an OS
// component is always serviced by the platform.
func Recommend(e *catalog.Entry, r *msvcore.AggregatedResult, installed string) Recommendation {
	switch {
	case e != nil && e.EOL:
		return Recommendation{
			Action:   UpgradeCritical,
			Headline: "END OF LIFE: migrate off this product line",
		}
	case e != nil && e.OSComponent:
		return Recommendation{
			Action:   Monitor,
			Headline: "KEEP WINDOWS UPDATED: serviced by the operating system",
		}
	}
	if r == nil || len(r.Findings) == 0 {
		return Recommendation{
			Action:   NoAction,
			Headline: "no known CVEs of medium or higher severity",
		}
	}
	if r.MinimumSafeVersion == "" {
		return Recommendation{
			Action:   Investigate,
			Headline: "CVEs on record but no fixed version could be determined",
		}
	}
	if r.HasKEVCVEs {
		if installed == "" || msvcore.CompareVersions(installed, r.MinimumSafeVersion) < 0 {
			return Recommendation{
				Action:   UpgradeCritical,
				Headline: "actively exploited CVEs are fixed at " + r.MinimumSafeVersion,
			}
		}
	}
	if installed == "" {
		return Recommendation{
			Action:   UpgradeRecommended,
			Headline: "minimum safe version is " + r.MinimumSafeVersion,
		}
	}
	switch {
	case msvcore.CompareVersions(installed, r.MinimumSafeVersion) < 0:
		return Recommendation{
			Action:   UpgradeRecommended,
			Headline: "installed version is below the minimum safe version " + r.MinimumSafeVersion,
		}
	case r.RecommendedVersion != "" && msvcore.CompareVersions(installed, r.RecommendedVersion) < 0:
		return Recommendation{
			Action:   Monitor,
			Headline: "safe, but newer release " + r.RecommendedVersion + " is available",
		}
	}
	return Recommendation{
		Action:   NoAction,
		Headline: "installed version meets or exceeds the minimum safe version",
	}
}
