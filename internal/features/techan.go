package features

import (
	"context"
	"fmt"
	"math"

	"github.com/sdcoffey/big"
	"github.com/sdcoffey/techan"

	"featureStream/internal/domain"
)

// Indicator describes one named feature column built on a techan time series.
type Indicator struct {
	Name string
	// Warmup is the first index at which the indicator is defined.
	Warmup int
	Build  func(series *techan.TimeSeries) techan.Indicator
}

// DefaultIndicators returns the feature set persisted alongside each candle.
func DefaultIndicators() []Indicator {
	closePrice := func(s *techan.TimeSeries) techan.Indicator { return techan.NewClosePriceIndicator(s) }

	return []Indicator{
		{Name: "rsi_14", Warmup: 14, Build: func(s *techan.TimeSeries) techan.Indicator {
			return techan.NewRelativeStrengthIndexIndicator(closePrice(s), 14)
		}},
		{Name: "rsi_9", Warmup: 9, Build: func(s *techan.TimeSeries) techan.Indicator {
			return techan.NewRelativeStrengthIndexIndicator(closePrice(s), 9)
		}},
		{Name: "cci_20", Warmup: 19, Build: func(s *techan.TimeSeries) techan.Indicator {
			return techan.NewCCIIndicator(s, 20)
		}},
		{Name: "ema_20", Warmup: 19, Build: func(s *techan.TimeSeries) techan.Indicator {
			return techan.NewEMAIndicator(closePrice(s), 20)
		}},
		{Name: "atr_14", Warmup: 14, Build: func(s *techan.TimeSeries) techan.Indicator {
			return techan.NewAverageTrueRangeIndicator(s, 14)
		}},
		{Name: "macd", Warmup: 25, Build: func(s *techan.TimeSeries) techan.Indicator {
			return techan.NewMACDIndicator(closePrice(s), 12, 26)
		}},
	}
}

// Techan returns a FeatureFunc evaluating the given indicators for every bar.
// Values before an indicator's warm-up index, or values techan cannot compute
// (division by zero on flat input), are reported as NaN.
func Techan(indicators []Indicator) FeatureFunc {
	return func(ctx context.Context, window []domain.Candle) ([]domain.FeatureRow, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		series := techan.NewTimeSeries()
		for _, c := range window {
			// Zero-length periods keep AddCandle independent of the interval.
			tc := techan.NewCandle(techan.TimePeriod{Start: c.OpenTime, End: c.OpenTime})
			tc.OpenPrice = big.NewDecimal(c.Open)
			tc.MaxPrice = big.NewDecimal(c.High)
			tc.MinPrice = big.NewDecimal(c.Low)
			tc.ClosePrice = big.NewDecimal(c.Close)
			tc.Volume = big.NewDecimal(c.Volume)
			if !series.AddCandle(tc) {
				return nil, fmt.Errorf("candle %d is out of order", c.Key())
			}
		}

		built := make([]techan.Indicator, len(indicators))
		for i, ind := range indicators {
			built[i] = ind.Build(series)
		}

		rows := make([]domain.FeatureRow, len(window))
		for idx, c := range window {
			values := make(map[string]float64, len(indicators))
			for i, ind := range indicators {
				if idx < ind.Warmup {
					values[ind.Name] = math.NaN()
					continue
				}
				values[ind.Name] = evaluate(built[i], idx)
			}
			rows[idx] = domain.FeatureRow{Candle: c, Features: values}
		}
		return rows, nil
	}
}

// evaluate computes one indicator value, mapping techan panics and
// non-finite results to NaN.
func evaluate(ind techan.Indicator, index int) (v float64) {
	defer func() {
		if r := recover(); r != nil {
			v = math.NaN()
		}
	}()
	v = ind.Calculate(index).Float()
	if math.IsInf(v, 0) {
		return math.NaN()
	}
	return v
}
