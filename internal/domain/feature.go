package domain

import (
	"math"
	"sort"
)

// FeatureRow is a candle augmented with computed feature values.
// A NaN feature value means the feature is undefined for that bar (e.g. indicator warm-up).
type FeatureRow struct {
	Candle
	Features map[string]float64
}

// FeatureNames returns the feature names of the row in sorted order.
func (r FeatureRow) FeatureNames() []string {
	names := make([]string, 0, len(r.Features))
	for name := range r.Features {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FeatureNamesOf returns the sorted union of feature names across rows.
func FeatureNamesOf(rows []FeatureRow) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, row := range rows {
		for name := range row.Features {
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}

// Feature returns the value of a feature and whether it is defined.
func (r FeatureRow) Feature(name string) (float64, bool) {
	v, ok := r.Features[name]
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// CandlesOf extracts the source candles of the given rows, preserving order.
func CandlesOf(rows []FeatureRow) []Candle {
	candles := make([]Candle, 0, len(rows))
	for _, r := range rows {
		candles = append(candles, r.Candle)
	}
	return candles
}
