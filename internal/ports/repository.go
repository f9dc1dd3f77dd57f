package ports

import (
	"context"

	"featureStream/internal/domain"
)

// FeatureStore defines the durable store of feature rows keyed by candle timestamp.
type FeatureStore interface {
	// Count returns the number of stored rows.
	Count(ctx context.Context) (int, error)
	// BulkLoad retrieves up to limit of the newest rows, ordered by timestamp ascending.
	BulkLoad(ctx context.Context, limit int) ([]domain.FeatureRow, error)
	// Upsert inserts rows or replaces existing rows with the same timestamp.
	Upsert(ctx context.Context, rows []domain.FeatureRow) error
	// TrimToNewest deletes every row whose timestamp is not among the k largest.
	// Returns the number of deleted rows.
	TrimToNewest(ctx context.Context, k int) (int64, error)
	// UpsertAndTrim runs Upsert followed by TrimToNewest in a single transaction.
	UpsertAndTrim(ctx context.Context, rows []domain.FeatureRow, k int) (int64, error)
	// Close releases the underlying connection.
	Close() error
}
