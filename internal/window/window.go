// Package window implements the bounded, timestamp-deduplicated candle history
// used as input for feature recomputation.
package window

import (
	"sort"

	"featureStream/internal/domain"
)

// Merge combines existing and incoming candles into a new slice ordered by open time.
// Candles with equal timestamps resolve to the incoming (latest) value.
// If the result holds more than limit candles only the newest limit are kept;
// a limit <= 0 disables truncation. Neither input is modified.
func Merge(existing, incoming []domain.Candle, limit int) []domain.Candle {
	byKey := make(map[int64]domain.Candle, len(existing)+len(incoming))
	for _, c := range existing {
		byKey[c.Key()] = c
	}
	for _, c := range incoming {
		byKey[c.Key()] = c
	}

	merged := make([]domain.Candle, 0, len(byKey))
	for _, c := range byKey {
		merged = append(merged, c)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Key() < merged[j].Key()
	})

	return Tail(merged, limit)
}

// Tail returns the newest n candles of an ascending slice.
// The returned slice shares no backing array with c.
func Tail(c []domain.Candle, n int) []domain.Candle {
	if n <= 0 || len(c) <= n {
		out := make([]domain.Candle, len(c))
		copy(out, c)
		return out
	}
	out := make([]domain.Candle, n)
	copy(out, c[len(c)-n:])
	return out
}

// Keys returns the set of timestamps present in c.
func Keys(c []domain.Candle) map[int64]struct{} {
	keys := make(map[int64]struct{}, len(c))
	for _, candle := range c {
		keys[candle.Key()] = struct{}{}
	}
	return keys
}

// IsOrdered reports whether c is strictly increasing by timestamp.
func IsOrdered(c []domain.Candle) bool {
	for i := 1; i < len(c); i++ {
		if c[i].Key() <= c[i-1].Key() {
			return false
		}
	}
	return true
}
