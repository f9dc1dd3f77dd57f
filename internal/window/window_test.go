package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"featureStream/internal/domain"
)

var base = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func candleAt(i int, close float64) domain.Candle {
	return domain.Candle{
		OpenTime: base.Add(time.Duration(i) * time.Minute),
		Open:     close - 1,
		High:     close + 1,
		Low:      close - 2,
		Close:    close,
		Volume:   10,
	}
}

func series(from, to int) []domain.Candle {
	out := make([]domain.Candle, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, candleAt(i, float64(100+i)))
	}
	return out
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name      string
		existing  []domain.Candle
		incoming  []domain.Candle
		limit     int
		wantLen   int
		wantFirst int64
		wantLast  int64
	}{
		{
			name:      "first run with empty existing",
			existing:  nil,
			incoming:  series(0, 3),
			limit:     10,
			wantLen:   3,
			wantFirst: candleAt(0, 0).Key(),
			wantLast:  candleAt(2, 0).Key(),
		},
		{
			name:      "empty incoming is a no-op",
			existing:  series(0, 5),
			incoming:  nil,
			limit:     10,
			wantLen:   5,
			wantFirst: candleAt(0, 0).Key(),
			wantLast:  candleAt(4, 0).Key(),
		},
		{
			name:      "overlapping timestamps are deduplicated",
			existing:  series(0, 5),
			incoming:  series(3, 8),
			limit:     10,
			wantLen:   8,
			wantFirst: candleAt(0, 0).Key(),
			wantLast:  candleAt(7, 0).Key(),
		},
		{
			name:      "result truncated to newest entries",
			existing:  series(0, 8),
			incoming:  series(8, 12),
			limit:     6,
			wantLen:   6,
			wantFirst: candleAt(6, 0).Key(),
			wantLast:  candleAt(11, 0).Key(),
		},
		{
			name:      "unordered incoming is sorted",
			existing:  series(0, 2),
			incoming:  []domain.Candle{candleAt(5, 1), candleAt(3, 1), candleAt(4, 1)},
			limit:     0,
			wantLen:   5,
			wantFirst: candleAt(0, 0).Key(),
			wantLast:  candleAt(5, 0).Key(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged := Merge(tt.existing, tt.incoming, tt.limit)
			require.Len(t, merged, tt.wantLen)
			assert.True(t, IsOrdered(merged))
			assert.Equal(t, tt.wantFirst, merged[0].Key())
			assert.Equal(t, tt.wantLast, merged[len(merged)-1].Key())
			if tt.limit > 0 {
				assert.LessOrEqual(t, len(merged), tt.limit)
			}
		})
	}
}

func TestMerge_IncomingWins(t *testing.T) {
	existing := series(0, 3)
	replacement := candleAt(1, 999)

	merged := Merge(existing, []domain.Candle{replacement}, 10)

	require.Len(t, merged, 3)
	assert.Equal(t, 999.0, merged[1].Close)
	assert.Equal(t, 101.0, existing[1].Close, "inputs must not be modified")
}

func TestMerge_Idempotent(t *testing.T) {
	w := series(0, 20)
	c := candleAt(20, 42)

	once := Merge(w, []domain.Candle{c}, 15)
	twice := Merge(once, []domain.Candle{c}, 15)

	assert.Equal(t, once, twice)

	// Re-merging an existing timestamp twice behaves the same way.
	dup := candleAt(10, 7)
	a := Merge(w, []domain.Candle{dup}, 0)
	b := Merge(Merge(w, []domain.Candle{dup}, 0), []domain.Candle{dup}, 0)
	assert.Equal(t, a, b)
}

func TestTail(t *testing.T) {
	c := series(0, 10)

	tail := Tail(c, 4)
	require.Len(t, tail, 4)
	assert.Equal(t, c[6].Key(), tail[0].Key())

	tail[0].Close = -1
	assert.NotEqual(t, -1.0, c[6].Close, "tail must not alias the source")

	assert.Len(t, Tail(c, 50), 10)
	assert.Len(t, Tail(c, 0), 10)
	assert.Empty(t, Tail(nil, 3))
}

func TestKeys(t *testing.T) {
	keys := Keys(series(0, 3))
	assert.Len(t, keys, 3)
	_, ok := keys[candleAt(2, 0).Key()]
	assert.True(t, ok)
}
