package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"featureStream/internal/domain"
	"featureStream/internal/features"
	"featureStream/internal/ports"
)

// Mock implementations
type mockLogger struct {
	mu        sync.Mutex
	infoMsgs  []string
	warnMsgs  []string
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}

func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infoMsgs = append(m.infoMsgs, msg)
}

func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnMsgs = append(m.warnMsgs, msg)
}

func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorMsgs = append(m.errorMsgs, msg)
}

func (m *mockLogger) errors() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.errorMsgs...)
}

var baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// candleAt builds the closed one-minute candle with index i.
func candleAt(i int) domain.Candle {
	p := 100 + float64(i%50)
	return domain.Candle{
		OpenTime: baseTime.Add(time.Duration(i) * time.Minute),
		Open:     p, High: p + 2, Low: p - 2, Close: p + 1, Volume: 10,
	}
}

func candleRange(from, to int) []domain.Candle {
	out := make([]domain.Candle, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, candleAt(i))
	}
	return out
}

// mockComputer wraps a features.Adapter whose feature function can be made to fail.
type mockComputer struct {
	mu      sync.Mutex
	fail    error
	calls   int
	adapter *features.Adapter
}

func newMockComputer(minWindow int) *mockComputer {
	m := &mockComputer{}
	fn := func(ctx context.Context, window []domain.Candle) ([]domain.FeatureRow, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.calls++
		if m.fail != nil {
			return nil, m.fail
		}
		rows := make([]domain.FeatureRow, len(window))
		for i, c := range window {
			rows[i] = domain.FeatureRow{Candle: c, Features: map[string]float64{
				"range":    c.High - c.Low,
				"position": float64(i),
			}}
		}
		return rows, nil
	}
	adapter, err := features.NewAdapter(fn, minWindow)
	if err != nil {
		panic(err)
	}
	m.adapter = adapter
	return m
}

func (m *mockComputer) setFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *mockComputer) MinWindow() int { return m.adapter.MinWindow() }

func (m *mockComputer) Compute(ctx context.Context, window []domain.Candle) ([]domain.FeatureRow, error) {
	return m.adapter.Compute(ctx, window)
}

// memStore is an in-memory ports.FeatureStore that records every write batch.
type memStore struct {
	mu      sync.Mutex
	rows    map[int64]domain.FeatureRow
	batches [][]int64
	failErr error
}

var _ ports.FeatureStore = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{rows: make(map[int64]domain.FeatureRow)}
}

func (s *memStore) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *memStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows), nil
}

func (s *memStore) BulkLoad(ctx context.Context, limit int) ([]domain.FeatureRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.sortedKeys()
	if len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}
	out := make([]domain.FeatureRow, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.rows[k])
	}
	return out, nil
}

func (s *memStore) Upsert(ctx context.Context, rows []domain.FeatureRow) error {
	_, err := s.UpsertAndTrim(ctx, rows, 1<<30)
	return err
}

func (s *memStore) TrimToNewest(ctx context.Context, k int) (int64, error) {
	return s.UpsertAndTrim(ctx, nil, k)
}

func (s *memStore) UpsertAndTrim(ctx context.Context, rows []domain.FeatureRow, k int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return 0, fmt.Errorf("%w: %w", ports.ErrPersistenceFailure, s.failErr)
	}
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", ports.ErrPersistenceFailure, err)
	}
	if len(rows) > 0 {
		batch := make([]int64, 0, len(rows))
		for _, r := range rows {
			s.rows[r.Key()] = r
			batch = append(batch, r.Key())
		}
		s.batches = append(s.batches, batch)
	}
	keys := s.sortedKeys()
	var deleted int64
	for len(keys) > k {
		delete(s.rows, keys[0])
		keys = keys[1:]
		deleted++
	}
	return deleted, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) sortedKeys() []int64 {
	keys := make([]int64, 0, len(s.rows))
	for k := range s.rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (s *memStore) keys() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedKeys()
}

func (s *memStore) writeBatches() [][]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]int64(nil), s.batches...)
}

// mockSource serves a fixed candle history.
type mockSource struct {
	candles []domain.Candle
	err     error
	calls   int
}

func (m *mockSource) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if len(m.candles) > limit {
		return m.candles[len(m.candles)-limit:], nil
	}
	return m.candles, nil
}

// keysOf returns the storage keys of candles with the given indexes.
func keysOf(from, to int) []int64 {
	out := make([]int64, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, candleAt(i).Key())
	}
	return out
}
