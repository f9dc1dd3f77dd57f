package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"featureStream/internal/domain"
	"featureStream/internal/ingest"
	"featureStream/internal/metrics"
	"featureStream/internal/ports"
	"featureStream/internal/window"
)

// ErrAggregatorStopped is returned by calls made after Run has returned.
var ErrAggregatorStopped = errors.New("aggregator stopped")

// Outcome classifies a flush cycle.
type Outcome string

const (
	OutcomeEmpty         Outcome = "empty"
	OutcomePersisted     Outcome = "persisted"
	OutcomeNoNewRows     Outcome = "no_new_rows"
	OutcomeInsufficient  Outcome = "insufficient"
	OutcomeComputeFailed Outcome = "compute_failed"
	OutcomePersistFailed Outcome = "persist_failed"
)

type trigger string

const (
	triggerThreshold trigger = "threshold"
	triggerTicker    trigger = "ticker"
	triggerManual    trigger = "manual"
	triggerShutdown  trigger = "shutdown"
)

// FlushResult describes one flush cycle.
type FlushResult struct {
	Outcome   Outcome
	Drained   int   // Candles taken from the buffer
	Persisted int   // Rows written to the store
	Trimmed   int64 // Rows removed by retention
	Pending   int   // Timestamps still waiting to be persisted
	Err       error
}

// Snapshot is a copy of the aggregator state.
type Snapshot struct {
	Window      []domain.Candle
	Buffered    int
	Pending     int
	LastOutcome Outcome
}

// AggregatorConfig holds the sizing and timing of the aggregation loop.
type AggregatorConfig struct {
	RetentionTarget int
	WindowCap       int
	BufferCapacity  int
	FlushThreshold  int
	FlushInterval   time.Duration
	ShutdownTimeout time.Duration
}

type msgKind int

const (
	msgEnqueue msgKind = iota
	msgFlush
	msgState
)

type message struct {
	kind       msgKind
	candle     domain.Candle
	flushReply chan FlushResult
	stateReply chan Snapshot
}

// Aggregator buffers live candles and turns them into persisted feature rows.
// Buffer, window and pending set are owned by the Run goroutine; other
// goroutines talk to it through messages.
type Aggregator struct {
	cfg      AggregatorConfig
	logger   ports.Logger
	computer ports.FeatureComputer
	store    ports.FeatureStore
	metrics  ports.Metrics

	buffer      *ingest.Buffer
	window      []domain.Candle
	pending     map[int64]struct{}
	lastOutcome Outcome

	msgs    chan message
	done    chan struct{}
	running atomic.Bool

	// stopping is closed when shutdown begins; senders registers every
	// in-flight send so the final drain sees each accepted message.
	stopMu   sync.RWMutex
	stopping chan struct{}
	senders  sync.WaitGroup
}

// NewAggregator creates an aggregator. metrics may be nil.
func NewAggregator(cfg AggregatorConfig, logger ports.Logger, computer ports.FeatureComputer, store ports.FeatureStore, m ports.Metrics) (*Aggregator, error) {
	if logger == nil || computer == nil || store == nil {
		return nil, fmt.Errorf("missing required dependencies for Aggregator")
	}
	if cfg.RetentionTarget <= 0 {
		return nil, fmt.Errorf("%w: retention target must be positive", ports.ErrFatalConfig)
	}
	if cfg.WindowCap < cfg.RetentionTarget {
		return nil, fmt.Errorf("%w: window cap %d below retention target %d", ports.ErrFatalConfig, cfg.WindowCap, cfg.RetentionTarget)
	}
	if cfg.FlushInterval <= 0 || cfg.ShutdownTimeout <= 0 {
		return nil, fmt.Errorf("%w: flush interval and shutdown timeout must be positive", ports.ErrFatalConfig)
	}
	buf, err := ingest.New(cfg.BufferCapacity, cfg.FlushThreshold)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ports.ErrFatalConfig, err)
	}
	if m == nil {
		m = metrics.Nop{}
	}

	return &Aggregator{
		cfg:      cfg,
		logger:   logger,
		computer: computer,
		store:    store,
		metrics:  m,
		buffer:   buf,
		pending:  make(map[int64]struct{}),
		msgs:     make(chan message, cfg.BufferCapacity),
		done:     make(chan struct{}),
		stopping: make(chan struct{}),
	}, nil
}

// Seed initialises the window before Run. If the store already holds a full
// retention set it is loaded; otherwise history is fetched, computed and stored.
func (a *Aggregator) Seed(ctx context.Context, source ports.CandleSource, symbol, interval string, historyLimit int) error {
	if a.running.Load() {
		return fmt.Errorf("seed called while aggregator is running")
	}

	count, err := a.store.Count(ctx)
	if err != nil {
		return fmt.Errorf("seed: count stored rows: %w", err)
	}
	if count >= a.cfg.RetentionTarget {
		rows, err := a.store.BulkLoad(ctx, a.cfg.RetentionTarget)
		if err != nil {
			return fmt.Errorf("seed: load stored rows: %w", err)
		}
		a.window = domain.CandlesOf(rows)
		a.logger.Info(ctx, "Window seeded from store", map[string]interface{}{"stored": count, "window": len(a.window)})
		return nil
	}

	a.logger.Info(ctx, "Store below retention target, fetching history", map[string]interface{}{
		"stored": count, "retentionTarget": a.cfg.RetentionTarget, "historyLimit": historyLimit,
	})
	candles, err := source.GetCandles(ctx, symbol, interval, historyLimit)
	if err != nil {
		return fmt.Errorf("seed: fetch history: %w", err)
	}
	merged := window.Merge(nil, candles, a.cfg.WindowCap)

	rows, err := a.computer.Compute(ctx, merged)
	if err != nil {
		return fmt.Errorf("seed: compute features: %w", err)
	}
	trimmed, err := a.store.UpsertAndTrim(ctx, rows, a.cfg.RetentionTarget)
	if err != nil {
		return fmt.Errorf("seed: persist history: %w", err)
	}
	a.window = window.Tail(merged, a.cfg.RetentionTarget)

	a.metrics.RecordRowsPersisted(len(rows))
	a.metrics.RecordRowsTrimmed(trimmed)
	a.logger.Info(ctx, "Window seeded from history", map[string]interface{}{
		"fetched": len(candles), "persisted": len(rows), "trimmed": trimmed, "window": len(a.window),
	})
	return nil
}

// Run processes messages and the flush ticker until ctx is cancelled, then
// performs one final flush bounded by ShutdownTimeout.
func (a *Aggregator) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return fmt.Errorf("aggregator already started")
	}
	defer close(a.done)

	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	a.logger.Info(ctx, "Aggregator started", map[string]interface{}{
		"window":         len(a.window),
		"flushThreshold": a.cfg.FlushThreshold,
		"flushInterval":  a.cfg.FlushInterval.String(),
	})

	for {
		select {
		case <-ctx.Done():
			a.shutdown(ctx)
			return nil
		case msg := <-a.msgs:
			a.handle(ctx, msg)
		case <-ticker.C:
			if a.buffer.Len() > 0 {
				a.flush(ctx, triggerTicker)
			}
		}
	}
}

func (a *Aggregator) shutdown(ctx context.Context) {
	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownTimeout)
	defer cancel()

	// Stop accepting work. Messages already accepted still reach the final flush.
	a.stopMu.Lock()
	close(a.stopping)
	a.stopMu.Unlock()

	sendersDone := make(chan struct{})
	go func() {
		a.senders.Wait()
		close(sendersDone)
	}()

wait:
	for {
		select {
		case msg := <-a.msgs:
			a.handle(finalCtx, msg)
		case <-sendersDone:
			break wait
		}
	}
drain:
	for {
		select {
		case msg := <-a.msgs:
			a.handle(finalCtx, msg)
		default:
			break drain
		}
	}

	res := a.flush(finalCtx, triggerShutdown)
	a.logger.Info(finalCtx, "Aggregator stopped", map[string]interface{}{
		"finalOutcome": string(res.Outcome),
		"persisted":    res.Persisted,
		"pending":      res.Pending,
	})
	if res.Pending > 0 {
		a.logger.Warn(finalCtx, "Candles left unpersisted at shutdown", map[string]interface{}{"pending": res.Pending})
	}
}

func (a *Aggregator) handle(ctx context.Context, msg message) {
	switch msg.kind {
	case msgEnqueue:
		a.metrics.RecordCandleReceived()
		ready, dropped := a.buffer.Append(msg.candle)
		if dropped {
			a.metrics.RecordBufferDrop()
			a.logger.Warn(ctx, "Ingest buffer full, oldest candle discarded", map[string]interface{}{"capacity": a.cfg.BufferCapacity})
		}
		if ready {
			a.flush(ctx, triggerThreshold)
		}
	case msgFlush:
		msg.flushReply <- a.flush(ctx, triggerManual)
	case msgState:
		msg.stateReply <- Snapshot{
			Window:      window.Tail(a.window, 0),
			Buffered:    a.buffer.Len(),
			Pending:     len(a.pending),
			LastOutcome: a.lastOutcome,
		}
	}
}

// flush runs one cycle: drain, merge, compute, select new rows, persist and trim.
func (a *Aggregator) flush(ctx context.Context, trig trigger) FlushResult {
	start := time.Now()
	incoming := a.buffer.DrainAll()
	// On shutdown, pending timestamps from failed cycles get one more attempt.
	if len(incoming) == 0 && (trig != triggerShutdown || len(a.pending) == 0) {
		return FlushResult{Outcome: OutcomeEmpty, Pending: len(a.pending)}
	}

	fields := map[string]interface{}{"trigger": string(trig), "incoming": len(incoming)}

	merged := window.Merge(a.window, incoming, a.cfg.WindowCap)
	for _, c := range incoming {
		a.pending[c.Key()] = struct{}{}
	}
	a.prunePending(ctx, merged)
	a.window = merged

	res := FlushResult{Drained: len(incoming)}
	finish := func(outcome Outcome, err error) FlushResult {
		res.Outcome = outcome
		res.Err = err
		res.Pending = len(a.pending)
		a.lastOutcome = outcome
		a.metrics.RecordFlush(string(outcome), time.Since(start))
		return res
	}

	rows, err := a.computer.Compute(ctx, merged)
	if err != nil {
		fields["window"] = len(merged)
		fields["pending"] = len(a.pending)
		if errors.Is(err, ports.ErrInsufficientData) {
			a.logger.Info(ctx, "Not enough candles to compute features yet, candles kept for the next cycle", fields)
			return finish(OutcomeInsufficient, err)
		}
		a.logger.Error(ctx, err, "Feature computation failed, candles kept for the next cycle", fields)
		return finish(OutcomeComputeFailed, err)
	}

	newRows := make([]domain.FeatureRow, 0, len(a.pending))
	for _, row := range rows {
		if _, ok := a.pending[row.Key()]; ok {
			newRows = append(newRows, row)
		}
	}
	if len(newRows) == 0 {
		a.window = window.Tail(merged, a.cfg.RetentionTarget)
		a.logger.Debug(ctx, "Flush produced no new rows", fields)
		return finish(OutcomeNoNewRows, nil)
	}

	trimmed, err := a.store.UpsertAndTrim(ctx, newRows, a.cfg.RetentionTarget)
	if err != nil {
		fields["rows"] = len(newRows)
		a.logger.Error(ctx, err, "Persisting feature rows failed, rows kept for the next cycle", fields)
		return finish(OutcomePersistFailed, err)
	}

	a.window = window.Tail(merged, a.cfg.RetentionTarget)
	a.pending = make(map[int64]struct{})
	res.Persisted = len(newRows)
	res.Trimmed = trimmed
	a.metrics.RecordRowsPersisted(len(newRows))
	a.metrics.RecordRowsTrimmed(trimmed)

	fields["persisted"] = len(newRows)
	fields["trimmed"] = trimmed
	fields["window"] = len(a.window)
	a.logger.Info(ctx, "Feature rows persisted", fields)
	return finish(OutcomePersisted, nil)
}

// prunePending forgets pending timestamps that no longer fit in the window.
func (a *Aggregator) prunePending(ctx context.Context, merged []domain.Candle) {
	keys := window.Keys(merged)
	lost := 0
	for k := range a.pending {
		if _, ok := keys[k]; !ok {
			delete(a.pending, k)
			lost++
		}
	}
	if lost > 0 {
		a.logger.Warn(ctx, "Pending candles fell out of the window cap and will not be persisted", map[string]interface{}{
			"lost": lost, "windowCap": a.cfg.WindowCap,
		})
	}
}

// Submit validates c and hands it to the aggregator.
func (a *Aggregator) Submit(ctx context.Context, c domain.Candle) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ports.ErrInvalidRequest, err)
	}
	return a.send(ctx, message{kind: msgEnqueue, candle: c})
}

// FlushNow runs a flush cycle immediately and returns its result.
func (a *Aggregator) FlushNow(ctx context.Context) (FlushResult, error) {
	reply := make(chan FlushResult, 1)
	if err := a.send(ctx, message{kind: msgFlush, flushReply: reply}); err != nil {
		return FlushResult{}, err
	}
	select {
	case res := <-reply:
		return res, nil
	case <-a.done:
		return FlushResult{}, ErrAggregatorStopped
	case <-ctx.Done():
		return FlushResult{}, ctx.Err()
	}
}

// State returns a snapshot of the window, buffer and pending set.
func (a *Aggregator) State(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := a.send(ctx, message{kind: msgState, stateReply: reply}); err != nil {
		return Snapshot{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-a.done:
		return Snapshot{}, ErrAggregatorStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// send delivers msg to the Run goroutine. A nil return guarantees the
// message is handled before Run returns.
func (a *Aggregator) send(ctx context.Context, msg message) error {
	a.stopMu.RLock()
	select {
	case <-a.stopping:
		a.stopMu.RUnlock()
		return ErrAggregatorStopped
	default:
	}
	a.senders.Add(1)
	a.stopMu.RUnlock()
	defer a.senders.Done()

	select {
	case a.msgs <- msg:
		return nil
	case <-a.stopping:
		return ErrAggregatorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once Run has returned.
func (a *Aggregator) Done() <-chan struct{} {
	return a.done
}
