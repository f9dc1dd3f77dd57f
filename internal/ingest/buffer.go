// Package ingest holds newly arrived candles until the aggregator flushes them.
package ingest

import (
	"fmt"
	"sync"

	"featureStream/internal/domain"
)

// Buffer is a bounded, thread-safe queue of candles awaiting a flush.
// When full, the oldest candle is discarded to make room; this only happens
// when the producer outruns the flush cycle.
type Buffer struct {
	mu        sync.Mutex
	items     []domain.Candle
	capacity  int
	threshold int
}

// New creates a buffer holding at most capacity candles that reports
// readiness once threshold candles are queued.
func New(capacity, threshold int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("buffer capacity must be positive, got %d", capacity)
	}
	if threshold <= 0 || threshold > capacity {
		return nil, fmt.Errorf("flush threshold must be in [1, %d], got %d", capacity, threshold)
	}
	return &Buffer{
		items:     make([]domain.Candle, 0, capacity),
		capacity:  capacity,
		threshold: threshold,
	}, nil
}

// Append adds one candle. ready is true when the buffer length reached the
// flush threshold; dropped is true when the oldest candle was discarded.
func (b *Buffer) Append(c domain.Candle) (ready bool, dropped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) >= b.capacity {
		copy(b.items, b.items[1:])
		b.items = b.items[:len(b.items)-1]
		dropped = true
	}
	b.items = append(b.items, c)
	return len(b.items) >= b.threshold, dropped
}

// DrainAll atomically empties the buffer and returns its contents in arrival order.
func (b *Buffer) DrainAll() []domain.Candle {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		return nil
	}
	out := make([]domain.Candle, len(b.items))
	copy(out, b.items)
	b.items = b.items[:0]
	return out
}

// Len returns the number of queued candles.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Threshold returns the configured flush threshold.
func (b *Buffer) Threshold() int {
	return b.threshold
}
