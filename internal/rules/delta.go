package rules

import (
	"math"

	"github.com/lab-validation-server/internal/domain"
)

// DeltaThresholdPercent is the change, in percent, that must be exceeded for a
// delta to count as a trend. Exactly this much change is stable.
const DeltaThresholdPercent = 5.0

// AnalyzeDelta compares a newly entered value with the previous value held for
// the same parameter in the current session. It returns nil when there is no
// previous value, the previous value is zero, or the new text is not a number.
func AnalyzeDelta(previous *float64, newText string) *domain.Delta {
	if previous == nil || *previous == 0 {
		return nil
	}
	current, ok := ParseValue(newText)
	if !ok {
		return nil
	}

	// Multiplying first keeps 105 vs 100 at exactly 5.
	pct := (current - *previous) * 100 / *previous

	direction := domain.DeltaStable
	switch {
	case pct > DeltaThresholdPercent:
		direction = domain.DeltaUp
	case pct < -DeltaThresholdPercent:
		direction = domain.DeltaDown
	}

	return &domain.Delta{
		PercentMagnitude: math.Abs(pct),
		Direction:        direction,
	}
}
