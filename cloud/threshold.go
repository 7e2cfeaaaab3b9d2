package cloud

import (
	"errors"
	"math"
)

// searchSteps is the number of scan steps per percentage point (0.01 %).
const searchSteps = 100

// ErrInsufficientDistribution marks a search whose cut index fell outside
// the distribution. It is reported through SearchResult, not returned.
var ErrInsufficientDistribution = errors.New("cut index outside distribution")

// SearchReason explains why a search produced or withheld a threshold.
type SearchReason string

const (
	// ReasonFloor: the cut was backed off to stay at or above the target
	// threshold.
	ReasonFloor SearchReason = "floor"
	// ReasonPercent: the full target percentage could be removed without
	// crossing the target threshold.
	ReasonPercent SearchReason = "percent"
	// ReasonRMSEAbove: global RMS is above target; the worst target percent
	// is cut.
	ReasonRMSEAbove SearchReason = "rmse_above_target"
	// ReasonRMSEReached: global RMS is already at or below target.
	ReasonRMSEReached SearchReason = "rmse_reached"
	// ReasonInsufficient: the computed index does not exist.
	ReasonInsufficient SearchReason = "insufficient_distribution"
	// ReasonEmptyScan: a zero target percent leaves nothing to scan.
	ReasonEmptyScan SearchReason = "empty_scan"
)

// SearchResult is the cut level chosen for one round. When Found is false
// nothing is removed this round.
type SearchResult struct {
	Found  bool
	Index  int
	Value  float64
	Reason SearchReason
}

// Err returns ErrInsufficientDistribution for searches that ran off the end
// of the distribution.
func (r SearchResult) Err() error {
	if r.Reason == ReasonInsufficient {
		return ErrInsufficientDistribution
	}
	return nil
}

func noThreshold(reason SearchReason) SearchResult {
	return SearchResult{Index: -1, Reason: reason}
}

// percentHundredths converts a percentage into whole 0.01 % steps.
func percentHundredths(p float64) int {
	return int(math.Round(p * searchSteps))
}

// cutIndex returns floor(n * k / 10000) for k in hundredths of a percent.
func cutIndex(n, k int) int {
	return n * k / (100 * searchSteps)
}

// PercentileDescent chooses the shallowest cut that removes up to
// targetPercent of the worst points without cutting into values below
// targetThreshold.
//
// Candidate fractions n run from 99.99 down to 100-targetPercent in 0.01
// steps; each selects d[floor(len*n/100)]. The first candidate below
// targetThreshold stops the scan and the previous step (n+0.01) is chosen.
// If that index does not exist no threshold is returned. If the scan never
// crosses the floor, the deepest candidate is chosen. iteration only labels
// progress logging.
func PercentileDescent(d Distribution, targetPercent, targetThreshold float64, iteration int) SearchResult {
	n := d.Len()
	lowest := 100*searchSteps - percentHundredths(targetPercent)
	if lowest < 0 {
		lowest = 0
	}
	if lowest >= 100*searchSteps {
		return noThreshold(ReasonEmptyScan)
	}
	if n == 0 {
		return noThreshold(ReasonInsufficient)
	}

	var last SearchResult
	for k := 100*searchSteps - 1; k >= lowest; k-- {
		idx := cutIndex(n, k)
		value := d.Values[idx]

		if value < targetThreshold {
			back := cutIndex(n, k+1)
			if back >= n {
				Logf("[SEARCH] iteration %d: no cut at or above %g (index %d of %d)", iteration, targetThreshold, back, n)
				return noThreshold(ReasonInsufficient)
			}
			res := SearchResult{Found: true, Index: back, Value: d.Values[back], Reason: ReasonFloor}
			Logf("[SEARCH] iteration %d: filter level before camera optimization: %g", iteration, res.Value)
			return res
		}

		last = SearchResult{Found: true, Index: idx, Value: value, Reason: ReasonPercent}
		if k%searchSteps == 0 {
			Logf("[SEARCH] iteration %d: filter level before camera optimization: %g (%.0f%% kept)", iteration, value, float64(k)/searchSteps)
		}
	}
	return last
}

// RMSETarget cuts exactly the worst targetPercent of points while the global
// RMS is above targetThreshold.
func RMSETarget(d Distribution, rms, targetPercent, targetThreshold float64) SearchResult {
	if rms <= targetThreshold {
		return noThreshold(ReasonRMSEReached)
	}
	idx := cutIndex(d.Len(), 100*searchSteps-percentHundredths(targetPercent))
	if idx < 0 || idx >= d.Len() {
		return noThreshold(ReasonInsufficient)
	}
	return SearchResult{Found: true, Index: idx, Value: d.Values[idx], Reason: ReasonRMSEAbove}
}
