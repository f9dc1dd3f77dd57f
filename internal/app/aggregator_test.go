package app

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"featureStream/internal/adapters/sqlite"
	"featureStream/internal/domain"
	"featureStream/internal/ports"
	"featureStream/internal/window"
)

func testAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		RetentionTarget: 500,
		WindowCap:       1000,
		BufferCapacity:  100,
		FlushThreshold:  5,
		FlushInterval:   time.Hour,
		ShutdownTimeout: 5 * time.Second,
	}
}

// startAggregator runs agg in the background and returns a func that stops it
// and waits for the final flush.
func startAggregator(t *testing.T, agg *Aggregator) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- agg.Run(ctx) }()

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("aggregator did not stop")
		}
	}
	t.Cleanup(stop)
	return stop
}

func submitAll(t *testing.T, agg *Aggregator, candles []domain.Candle) {
	t.Helper()
	for _, c := range candles {
		require.NoError(t, agg.Submit(context.Background(), c))
	}
}

// settle waits until every message sent so far has been processed.
func settle(t *testing.T, agg *Aggregator) Snapshot {
	t.Helper()
	snap, err := agg.State(context.Background())
	require.NoError(t, err)
	return snap
}

func TestNewAggregator(t *testing.T) {
	logger := &mockLogger{}
	computer := newMockComputer(1)
	store := newMemStore()

	tests := []struct {
		name    string
		mutate  func(*AggregatorConfig)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *AggregatorConfig) {}},
		{name: "zero retention", mutate: func(c *AggregatorConfig) { c.RetentionTarget = 0 }, wantErr: true},
		{name: "cap below retention", mutate: func(c *AggregatorConfig) { c.WindowCap = 10 }, wantErr: true},
		{name: "threshold above capacity", mutate: func(c *AggregatorConfig) { c.FlushThreshold = 200 }, wantErr: true},
		{name: "zero interval", mutate: func(c *AggregatorConfig) { c.FlushInterval = 0 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testAggregatorConfig()
			tt.mutate(&cfg)
			_, err := NewAggregator(cfg, logger, computer, store, nil)
			if tt.wantErr {
				assert.ErrorIs(t, err, ports.ErrFatalConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	_, err := NewAggregator(testAggregatorConfig(), nil, computer, store, nil)
	assert.Error(t, err)
}

func TestAggregator_SeedFromHistory(t *testing.T) {
	store := newMemStore()
	source := &mockSource{candles: candleRange(0, 600)}
	agg, err := NewAggregator(testAggregatorConfig(), &mockLogger{}, newMockComputer(50), store, nil)
	require.NoError(t, err)

	require.NoError(t, agg.Seed(context.Background(), source, "BTCUSDT", "1m", 600))

	assert.Equal(t, 1, source.calls)
	assert.Equal(t, keysOf(100, 600), store.keys())
	require.Len(t, agg.window, 500)
	assert.Equal(t, candleAt(100).Key(), agg.window[0].Key())
	assert.Equal(t, candleAt(599).Key(), agg.window[499].Key())
}

func TestAggregator_SeedFromStore(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	computer := newMockComputer(1)
	rows, err := computer.Compute(ctx, candleRange(0, 520))
	require.NoError(t, err)
	require.NoError(t, store.Upsert(ctx, rows))

	source := &mockSource{err: errors.New("must not be called")}
	agg, err := NewAggregator(testAggregatorConfig(), &mockLogger{}, computer, store, nil)
	require.NoError(t, err)

	require.NoError(t, agg.Seed(ctx, source, "BTCUSDT", "1m", 500))
	assert.Equal(t, 0, source.calls)
	require.Len(t, agg.window, 500)
	assert.Equal(t, candleAt(20).Key(), agg.window[0].Key())
	assert.True(t, window.IsOrdered(agg.window))
}

func TestAggregator_SeedFailures(t *testing.T) {
	tests := []struct {
		name    string
		source  *mockSource
		wantErr error
	}{
		{name: "fetch fails", source: &mockSource{err: ports.ErrNoData}, wantErr: ports.ErrNoData},
		{name: "history too short", source: &mockSource{candles: candleRange(0, 10)}, wantErr: ports.ErrInsufficientData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			agg, err := NewAggregator(testAggregatorConfig(), &mockLogger{}, newMockComputer(50), store, nil)
			require.NoError(t, err)

			err = agg.Seed(context.Background(), tt.source, "BTCUSDT", "1m", 500)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, store.keys())
		})
	}
}

// Seeded store of 500 rows plus 5 closed live candles leaves exactly the newest 500.
func TestAggregator_SeededStorePlusFiveCandles(t *testing.T) {
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: filepath.Join(t.TempDir(), "features.db"),
		Logger: &mockLogger{},
	})
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()
	agg, err := NewAggregator(testAggregatorConfig(), &mockLogger{}, newMockComputer(50), repo, nil)
	require.NoError(t, err)
	require.NoError(t, agg.Seed(ctx, &mockSource{candles: candleRange(0, 500)}, "BTCUSDT", "1m", 500))

	stop := startAggregator(t, agg)
	submitAll(t, agg, candleRange(500, 505))
	snap := settle(t, agg)
	stop()

	assert.Equal(t, OutcomePersisted, snap.LastOutcome)
	assert.Zero(t, snap.Pending)
	assert.Len(t, snap.Window, 500)

	rows, err := repo.BulkLoad(ctx, 1000)
	require.NoError(t, err)
	require.Len(t, rows, 500)
	assert.Equal(t, candleAt(5).Key(), rows[0].Key())
	assert.Equal(t, candleAt(504).Key(), rows[499].Key())
	_, ok := rows[499].Feature("range")
	assert.True(t, ok)
}

func TestAggregator_InsufficientDataKeepsCandles(t *testing.T) {
	store := newMemStore()
	cfg := testAggregatorConfig()
	agg, err := NewAggregator(cfg, &mockLogger{}, newMockComputer(10), store, nil)
	require.NoError(t, err)
	startAggregator(t, agg)

	submitAll(t, agg, candleRange(0, 5))
	snap := settle(t, agg)
	assert.Equal(t, OutcomeInsufficient, snap.LastOutcome)
	assert.Equal(t, 5, snap.Pending)
	assert.Len(t, snap.Window, 5, "window keeps the merged candles")
	assert.Empty(t, store.keys())

	submitAll(t, agg, candleRange(5, 10))
	snap = settle(t, agg)
	assert.Equal(t, OutcomePersisted, snap.LastOutcome)
	assert.Zero(t, snap.Pending)
	assert.Equal(t, keysOf(0, 10), store.keys(), "candles from the skipped cycle are persisted")
}

func TestAggregator_NoDuplicatePersistence(t *testing.T) {
	store := newMemStore()
	agg, err := NewAggregator(testAggregatorConfig(), &mockLogger{}, newMockComputer(1), store, nil)
	require.NoError(t, err)
	startAggregator(t, agg)

	submitAll(t, agg, candleRange(0, 5))
	submitAll(t, agg, candleRange(5, 10))
	// Replayed candle after a reconnect, then fresh ones
	submitAll(t, agg, []domain.Candle{candleAt(9)})
	submitAll(t, agg, candleRange(10, 14))
	settle(t, agg)

	batches := store.writeBatches()
	require.Len(t, batches, 3)
	assert.ElementsMatch(t, keysOf(0, 5), batches[0])
	assert.ElementsMatch(t, keysOf(5, 10), batches[1])
	assert.ElementsMatch(t, append(keysOf(9, 10), keysOf(10, 14)...), batches[2])
	assert.Equal(t, keysOf(0, 14), store.keys())

	// Each timestamp is written once, except the explicitly replayed one
	seen := map[int64]int{}
	for _, b := range batches {
		for _, k := range b {
			seen[k]++
		}
	}
	for k, n := range seen {
		if k == candleAt(9).Key() {
			assert.Equal(t, 2, n)
			continue
		}
		assert.Equal(t, 1, n, "timestamp %d", k)
	}
}

func TestAggregator_WindowBounds(t *testing.T) {
	store := newMemStore()
	cfg := testAggregatorConfig()
	cfg.RetentionTarget = 6
	cfg.WindowCap = 8
	cfg.FlushThreshold = 4
	computer := newMockComputer(1)
	agg, err := NewAggregator(cfg, &mockLogger{}, computer, store, nil)
	require.NoError(t, err)
	startAggregator(t, agg)

	for round := 0; round < 5; round++ {
		submitAll(t, agg, candleRange(round*4, round*4+4))
		snap := settle(t, agg)
		assert.LessOrEqual(t, len(snap.Window), cfg.RetentionTarget, "round %d", round)
		assert.True(t, window.IsOrdered(snap.Window))
	}
	assert.Equal(t, keysOf(14, 20), store.keys())

	// Failing cycles grow the window up to the cap, never beyond
	computer.setFail(errors.New("boom"))
	for round := 5; round < 8; round++ {
		submitAll(t, agg, candleRange(round*4, round*4+4))
		snap := settle(t, agg)
		assert.Equal(t, OutcomeComputeFailed, snap.LastOutcome)
		assert.LessOrEqual(t, len(snap.Window), cfg.WindowCap)
	}
}

func TestAggregator_ComputeFailureRetriesNextCycle(t *testing.T) {
	store := newMemStore()
	computer := newMockComputer(1)
	logger := &mockLogger{}
	agg, err := NewAggregator(testAggregatorConfig(), logger, computer, store, nil)
	require.NoError(t, err)
	startAggregator(t, agg)

	computer.setFail(errors.New("indicator exploded"))
	submitAll(t, agg, candleRange(0, 5))
	snap := settle(t, agg)
	assert.Equal(t, OutcomeComputeFailed, snap.LastOutcome)
	assert.Equal(t, 5, snap.Pending)
	assert.NotEmpty(t, logger.errors())

	computer.setFail(nil)
	res, err := agg.FlushNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeEmpty, res.Outcome, "an empty buffer has no side effects")
	assert.Equal(t, 5, res.Pending)

	submitAll(t, agg, candleRange(5, 10))
	snap = settle(t, agg)
	assert.Equal(t, OutcomePersisted, snap.LastOutcome)
	assert.Equal(t, keysOf(0, 10), store.keys())
}

func TestAggregator_PersistFailureRetriesNextCycle(t *testing.T) {
	store := newMemStore()
	agg, err := NewAggregator(testAggregatorConfig(), &mockLogger{}, newMockComputer(1), store, nil)
	require.NoError(t, err)
	startAggregator(t, agg)

	store.setFail(errors.New("disk full"))
	submitAll(t, agg, candleRange(0, 5))
	snap := settle(t, agg)
	assert.Equal(t, OutcomePersistFailed, snap.LastOutcome)
	assert.Equal(t, 5, snap.Pending)

	store.setFail(nil)
	submitAll(t, agg, candleRange(5, 6))
	res, err := agg.FlushNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomePersisted, res.Outcome)
	assert.Equal(t, 6, res.Persisted)
	assert.Equal(t, keysOf(0, 6), store.keys())
}

func TestAggregator_TickerFlush(t *testing.T) {
	store := newMemStore()
	cfg := testAggregatorConfig()
	cfg.FlushInterval = 20 * time.Millisecond
	agg, err := NewAggregator(cfg, &mockLogger{}, newMockComputer(1), store, nil)
	require.NoError(t, err)
	startAggregator(t, agg)

	submitAll(t, agg, candleRange(0, 2))
	require.Eventually(t, func() bool { return len(store.keys()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, store.writeBatches(), 1, "idle ticks do not flush")

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, store.writeBatches(), 1)
}

func TestAggregator_FinalFlushOnShutdown(t *testing.T) {
	store := newMemStore()
	agg, err := NewAggregator(testAggregatorConfig(), &mockLogger{}, newMockComputer(1), store, nil)
	require.NoError(t, err)
	stop := startAggregator(t, agg)

	submitAll(t, agg, candleRange(0, 3))
	settle(t, agg)
	assert.Empty(t, store.keys())

	stop()
	assert.Equal(t, keysOf(0, 3), store.keys())

	err = agg.Submit(context.Background(), candleAt(3))
	assert.ErrorIs(t, err, ErrAggregatorStopped)
	_, err = agg.FlushNow(context.Background())
	assert.ErrorIs(t, err, ErrAggregatorStopped)
	_, err = agg.State(context.Background())
	assert.ErrorIs(t, err, ErrAggregatorStopped)
	assert.Error(t, agg.Run(context.Background()), "run is single use")
}

func TestAggregator_FinalFlushRetriesPending(t *testing.T) {
	store := newMemStore()
	agg, err := NewAggregator(testAggregatorConfig(), &mockLogger{}, newMockComputer(1), store, nil)
	require.NoError(t, err)
	stop := startAggregator(t, agg)

	store.setFail(errors.New("locked"))
	submitAll(t, agg, candleRange(0, 5))
	settle(t, agg)
	store.setFail(nil)

	stop()
	assert.Equal(t, keysOf(0, 5), store.keys())
}

func TestAggregator_AcceptedCandlesSurviveConcurrentShutdown(t *testing.T) {
	store := newMemStore()
	agg, err := NewAggregator(testAggregatorConfig(), &mockLogger{}, newMockComputer(1), store, nil)
	require.NoError(t, err)
	stop := startAggregator(t, agg)

	const workers, perWorker = 8, 50
	accepted := make(chan int64, workers*perWorker)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			<-start
			for i := 0; i < perWorker; i++ {
				c := candleAt(w*perWorker + i)
				err := agg.Submit(context.Background(), c)
				if err == nil {
					accepted <- c.Key()
					continue
				}
				assert.ErrorIs(t, err, ErrAggregatorStopped)
			}
		}(w)
	}

	close(start)
	time.Sleep(time.Millisecond)
	stop()
	wg.Wait()
	close(accepted)

	persisted := make(map[int64]struct{})
	for _, batch := range store.writeBatches() {
		for _, k := range batch {
			persisted[k] = struct{}{}
		}
	}
	for k := range accepted {
		_, ok := persisted[k]
		assert.True(t, ok, "accepted candle %d was never persisted", k)
	}
}

func TestAggregator_SubmitRejectsInvalidCandle(t *testing.T) {
	agg, err := NewAggregator(testAggregatorConfig(), &mockLogger{}, newMockComputer(1), newMemStore(), nil)
	require.NoError(t, err)

	err = agg.Submit(context.Background(), domain.Candle{})
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)
}
