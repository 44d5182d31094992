// Package rules implements the pure result-interpretation rules: reference
// range resolution, flag calculation and same-session delta checks.
package rules

import (
	"strings"

	"github.com/lab-validation-server/internal/domain"
)

// ResolveRange picks the reference range that applies to a patient of the given
// sex. The first range whose sex matches (case-insensitively) wins; otherwise
// the first range in definition order is used. Critical thresholds are copied
// regardless of sex. A parameter without ranges resolves to an unknown range.
func ResolveRange(param *domain.Parameter, sex string) domain.ResolvedRange {
	if param == nil {
		return domain.ResolvedRange{}
	}

	resolved := domain.ResolvedRange{}
	if param.Critical != nil {
		resolved.CriticalLow = copyFloat(param.Critical.Low)
		resolved.CriticalHigh = copyFloat(param.Critical.High)
	}

	if len(param.Ranges) == 0 {
		return resolved
	}

	selected := param.Ranges[0]
	normalized := strings.ToLower(strings.TrimSpace(sex))
	for _, r := range param.Ranges {
		if r.MatchesSex(normalized) {
			selected = r
			break
		}
	}

	resolved.Min = selected.Min
	resolved.Max = selected.Max
	resolved.Known = true
	return resolved
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
