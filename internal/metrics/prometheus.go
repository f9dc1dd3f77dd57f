package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"featureStream/internal/ports"
)

// Stream states exported by the stream_state gauge.
var streamStates = []string{"connecting", "open", "closed"}

// Recorder implements ports.Metrics using Prometheus.
type Recorder struct {
	candlesReceived prometheus.Counter
	bufferDrops     prometheus.Counter
	flushes         *prometheus.CounterVec
	flushDuration   prometheus.Histogram
	rowsPersisted   prometheus.Counter
	rowsTrimmed     prometheus.Counter
	reconnects      prometheus.Counter
	streamState     *prometheus.GaugeVec
}

// Compile-time interface check.
var _ ports.Metrics = (*Recorder)(nil)

// New creates a new Prometheus metrics recorder registered with reg.
// symbol and interval are attached to every series as constant labels.
func New(reg prometheus.Registerer, symbol, interval string) *Recorder {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"symbol": symbol, "interval": interval}

	return &Recorder{
		candlesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name:        "featurestream_candles_received_total",
			Help:        "Total number of closed candles received from the live stream",
			ConstLabels: labels,
		}),
		bufferDrops: factory.NewCounter(prometheus.CounterOpts{
			Name:        "featurestream_buffer_drops_total",
			Help:        "Total number of candles discarded because the ingest buffer was full",
			ConstLabels: labels,
		}),
		flushes: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "featurestream_flushes_total",
			Help:        "Total number of flush cycles by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		flushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "featurestream_flush_duration_seconds",
			Help:        "Duration of flush cycles in seconds",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}),
		rowsPersisted: factory.NewCounter(prometheus.CounterOpts{
			Name:        "featurestream_rows_persisted_total",
			Help:        "Total number of feature rows written to the store",
			ConstLabels: labels,
		}),
		rowsTrimmed: factory.NewCounter(prometheus.CounterOpts{
			Name:        "featurestream_rows_trimmed_total",
			Help:        "Total number of rows removed by retention trimming",
			ConstLabels: labels,
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name:        "featurestream_stream_reconnects_total",
			Help:        "Total number of live stream reconnect attempts",
			ConstLabels: labels,
		}),
		streamState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "featurestream_stream_state",
			Help:        "Current live stream state (1 for the active state)",
			ConstLabels: labels,
		}, []string{"state"}),
	}
}

func (r *Recorder) RecordCandleReceived() { r.candlesReceived.Inc() }

func (r *Recorder) RecordBufferDrop() { r.bufferDrops.Inc() }

// RecordFlush records a finished flush cycle and its latency.
func (r *Recorder) RecordFlush(outcome string, duration time.Duration) {
	r.flushes.WithLabelValues(outcome).Inc()
	r.flushDuration.Observe(duration.Seconds())
}

func (r *Recorder) RecordRowsPersisted(n int) { r.rowsPersisted.Add(float64(n)) }

func (r *Recorder) RecordRowsTrimmed(n int64) { r.rowsTrimmed.Add(float64(n)) }

func (r *Recorder) RecordReconnect() { r.reconnects.Inc() }

// RecordStreamState sets the gauge of state to 1 and every other state to 0.
func (r *Recorder) RecordStreamState(state string) {
	for _, s := range streamStates {
		v := 0.0
		if s == state {
			v = 1
		}
		r.streamState.WithLabelValues(s).Set(v)
	}
}

// Nop discards all metrics.
type Nop struct{}

var _ ports.Metrics = Nop{}

func (Nop) RecordCandleReceived()             {}
func (Nop) RecordBufferDrop()                 {}
func (Nop) RecordFlush(string, time.Duration) {}
func (Nop) RecordRowsPersisted(int)           {}
func (Nop) RecordRowsTrimmed(int64)           {}
func (Nop) RecordReconnect()                  {}
func (Nop) RecordStreamState(string)          {}
