package domain

import (
	"fmt"
	"math"
	"time"
)

// Candle represents a single OHLCV bar. OpenTime is the unique key of the bar.
type Candle struct {
	OpenTime time.Time // Start time of the interval, unique per candle
	Open     float64   // Opening price
	High     float64   // Highest price
	Low      float64   // Lowest price
	Close    float64   // Closing price
	Volume   float64   // Trading volume
}

// Key returns the storage key of the candle (Unix milliseconds of OpenTime).
func (c Candle) Key() int64 {
	return c.OpenTime.UnixMilli()
}

// Validate checks that the candle has a timestamp and finite numeric fields.
func (c Candle) Validate() error {
	if c.OpenTime.IsZero() {
		return fmt.Errorf("candle open time is zero")
	}
	fields := map[string]float64{"open": c.Open, "high": c.High, "low": c.Low, "close": c.Close, "volume": c.Volume}
	for name, v := range fields {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("candle %d has non-finite %s", c.Key(), name)
		}
	}
	return nil
}

// CandleFromKey builds the OpenTime of a candle from its storage key.
func CandleFromKey(key int64) time.Time {
	return time.UnixMilli(key).UTC()
}
