package ports

import "time"

// Metrics records operational counters for the aggregation pipeline.
type Metrics interface {
	RecordCandleReceived()
	RecordBufferDrop()
	RecordFlush(outcome string, duration time.Duration)
	RecordRowsPersisted(n int)
	RecordRowsTrimmed(n int64)
	RecordReconnect()
	RecordStreamState(state string)
}
