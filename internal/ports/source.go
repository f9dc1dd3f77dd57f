package ports

import (
	"context"

	"featureStream/internal/domain"
)

// CandleSource provides bulk access to historical candles.
type CandleSource interface {
	// GetCandles retrieves the limit most recent closed candles, ordered by open time ascending.
	// Returns an error wrapping ErrNoData if the source returned nothing.
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error)
}

// CandleStream delivers closed candles from a live feed.
type CandleStream interface {
	// Run keeps the subscription for symbol/interval alive until ctx is cancelled,
	// calling handler for every closed candle. It returns only after ctx is done.
	Run(ctx context.Context, symbol, interval string, handler func(domain.Candle)) error
}

// FeatureComputer augments a candle window with derived features.
type FeatureComputer interface {
	// MinWindow returns the minimum number of candles needed for a computation.
	MinWindow() int
	// Compute returns one row per input candle, same order.
	// Fails with ErrInsufficientData or ErrComputeFailure.
	Compute(ctx context.Context, window []domain.Candle) ([]domain.FeatureRow, error)
}
