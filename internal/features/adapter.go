// Package features runs the feature function over a candle window.
package features

import (
	"context"
	"fmt"

	"featureStream/internal/domain"
	"featureStream/internal/ports"
)

// FeatureFunc computes one feature row per candle of an ascending window.
type FeatureFunc func(ctx context.Context, window []domain.Candle) ([]domain.FeatureRow, error)

// Adapter implements ports.FeatureComputer on top of a FeatureFunc.
type Adapter struct {
	fn        FeatureFunc
	minWindow int
}

// Compile-time interface check.
var _ ports.FeatureComputer = (*Adapter)(nil)

// NewAdapter creates an adapter refusing windows shorter than minWindow.
func NewAdapter(fn FeatureFunc, minWindow int) (*Adapter, error) {
	if fn == nil {
		return nil, fmt.Errorf("feature function is required")
	}
	if minWindow <= 0 {
		return nil, fmt.Errorf("minimum window must be positive, got %d", minWindow)
	}
	return &Adapter{fn: fn, minWindow: minWindow}, nil
}

// MinWindow returns the minimum number of candles needed for a computation.
func (a *Adapter) MinWindow() int {
	return a.minWindow
}

// Compute runs the feature function. A short window yields ErrInsufficientData;
// an error or panic inside the function, or a result not aligned with the
// window, yields ErrComputeFailure.
func (a *Adapter) Compute(ctx context.Context, window []domain.Candle) (rows []domain.FeatureRow, err error) {
	if len(window) < a.minWindow {
		return nil, fmt.Errorf("%w: have %d, need %d", ports.ErrInsufficientData, len(window), a.minWindow)
	}

	defer func() {
		if r := recover(); r != nil {
			rows = nil
			err = fmt.Errorf("%w: panic: %v", ports.ErrComputeFailure, r)
		}
	}()

	rows, err = a.fn(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ports.ErrComputeFailure, err)
	}
	if len(rows) != len(window) {
		return nil, fmt.Errorf("%w: got %d rows for %d candles", ports.ErrComputeFailure, len(rows), len(window))
	}
	for i := range rows {
		if rows[i].Key() != window[i].Key() {
			return nil, fmt.Errorf("%w: row %d has timestamp %d, want %d", ports.ErrComputeFailure, i, rows[i].Key(), window[i].Key())
		}
	}
	return rows, nil
}
