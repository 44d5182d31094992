package rules

import (
	"math"
	"strconv"
	"strings"

	"github.com/lab-validation-server/internal/domain"
)

// CalculateFlag classifies a numeric value. Critical thresholds take priority
// over the normal band; the band is only consulted when it is known.
func CalculateFlag(value float64, r domain.ResolvedRange) domain.Flag {
	switch {
	case r.CriticalLow != nil && value < *r.CriticalLow:
		return domain.FlagCritical
	case r.CriticalHigh != nil && value > *r.CriticalHigh:
		return domain.FlagCritical
	case r.Known && value < r.Min:
		return domain.FlagLow
	case r.Known && value > r.Max:
		return domain.FlagHigh
	default:
		return domain.FlagNormal
	}
}

// EvaluateText parses an entered result and classifies it. Empty or
// non-numeric text yields FlagUnknown.
func EvaluateText(text string, r domain.ResolvedRange) domain.Flag {
	value, ok := ParseValue(text)
	if !ok {
		return domain.FlagUnknown
	}
	return CalculateFlag(value, r)
}

// ParseValue reads a decimal result. Infinities and NaN are rejected.
func ParseValue(text string) (float64, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
