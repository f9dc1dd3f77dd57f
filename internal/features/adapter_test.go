package features

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"featureStream/internal/domain"
	"featureStream/internal/ports"
)

func testWindow(n int) []domain.Candle {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]domain.Candle, n)
	for i := range out {
		price := 100 + float64(i%7) - float64(i%3)
		out[i] = domain.Candle{
			OpenTime: start.Add(time.Duration(i) * time.Minute),
			Open:     price,
			High:     price + 1.5,
			Low:      price - 1.25,
			Close:    price + 0.5,
			Volume:   float64(10 + i%5),
		}
	}
	return out
}

func passthrough(ctx context.Context, window []domain.Candle) ([]domain.FeatureRow, error) {
	rows := make([]domain.FeatureRow, len(window))
	for i, c := range window {
		rows[i] = domain.FeatureRow{Candle: c, Features: map[string]float64{"close_x2": c.Close * 2}}
	}
	return rows, nil
}

func TestNewAdapter_Validation(t *testing.T) {
	_, err := NewAdapter(nil, 50)
	assert.Error(t, err)

	_, err = NewAdapter(passthrough, 0)
	assert.Error(t, err)

	a, err := NewAdapter(passthrough, 50)
	require.NoError(t, err)
	assert.Equal(t, 50, a.MinWindow())
}

func TestAdapter_Compute(t *testing.T) {
	tests := []struct {
		name    string
		fn      FeatureFunc
		size    int
		wantErr error
	}{
		{
			name: "success",
			fn:   passthrough,
			size: 60,
		},
		{
			name:    "insufficient window",
			fn:      passthrough,
			size:    49,
			wantErr: ports.ErrInsufficientData,
		},
		{
			name: "function error",
			fn: func(ctx context.Context, window []domain.Candle) ([]domain.FeatureRow, error) {
				return nil, errors.New("boom")
			},
			size:    60,
			wantErr: ports.ErrComputeFailure,
		},
		{
			name: "function panic",
			fn: func(ctx context.Context, window []domain.Candle) ([]domain.FeatureRow, error) {
				panic("index out of range")
			},
			size:    60,
			wantErr: ports.ErrComputeFailure,
		},
		{
			name: "row count mismatch",
			fn: func(ctx context.Context, window []domain.Candle) ([]domain.FeatureRow, error) {
				rows, _ := passthrough(ctx, window)
				return rows[1:], nil
			},
			size:    60,
			wantErr: ports.ErrComputeFailure,
		},
		{
			name: "row order mismatch",
			fn: func(ctx context.Context, window []domain.Candle) ([]domain.FeatureRow, error) {
				rows, _ := passthrough(ctx, window)
				rows[0], rows[1] = rows[1], rows[0]
				return rows, nil
			},
			size:    60,
			wantErr: ports.ErrComputeFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewAdapter(tt.fn, 50)
			require.NoError(t, err)

			w := testWindow(tt.size)
			rows, err := a.Compute(context.Background(), w)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, rows)
				return
			}
			require.NoError(t, err)
			require.Len(t, rows, len(w))
			for i := range rows {
				assert.Equal(t, w[i].Key(), rows[i].Key())
			}
		})
	}
}
