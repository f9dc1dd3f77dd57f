package postgres

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"

	"featureStream/internal/adapters/schema"
	"featureStream/internal/domain"
	"featureStream/internal/ports"
)

const tableName = schema.Table

// FeatureStore implements ports.FeatureStore using PostgreSQL.
type FeatureStore struct {
	pool   *Pool
	logger ports.Logger

	mu      sync.Mutex
	columns schema.Columns
}

// Compile-time interface check.
var _ ports.FeatureStore = (*FeatureStore)(nil)

// NewFeatureStore creates the feature table if needed and loads its feature columns.
func NewFeatureStore(ctx context.Context, pool *Pool, logger ports.Logger) (*FeatureStore, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for postgres feature store")
	}
	s := &FeatureStore{pool: pool, logger: logger, columns: schema.Columns{}}
	if err := s.initializeSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	logger.Info(ctx, "Postgres feature store ready", map[string]interface{}{"featureColumns": len(s.columns)})
	return s, nil
}

func (s *FeatureStore) initializeSchema(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS ` + tableName + ` (
			"timestamp" BIGINT PRIMARY KEY,
			open DOUBLE PRECISION NOT NULL,
			high DOUBLE PRECISION NOT NULL,
			low DOUBLE PRECISION NOT NULL,
			close DOUBLE PRECISION NOT NULL,
			volume DOUBLE PRECISION NOT NULL
		)
	`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return s.wrap(ports.ErrQueryFailed, "create table", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = $1`,
		tableName)
	if err != nil {
		return s.wrap(ports.ErrQueryFailed, "read columns", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return s.wrap(ports.ErrQueryFailed, "scan columns", err)
	}
	for _, name := range names {
		if !schema.IsBaseColumn(name) {
			s.columns.Add(name)
		}
	}
	return nil
}

// Close closes the underlying pool.
func (s *FeatureStore) Close() error {
	s.logger.Info(context.Background(), "Closing postgres connection pool")
	s.pool.Close()
	return nil
}

// Count returns the number of stored rows.
func (s *FeatureStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+tableName).Scan(&count); err != nil {
		return 0, s.wrap(ports.ErrQueryFailed, "count rows", err)
	}
	return count, nil
}

// BulkLoad retrieves up to limit of the newest rows, ordered by timestamp ascending.
func (s *FeatureStore) BulkLoad(ctx context.Context, limit int) ([]domain.FeatureRow, error) {
	query := `SELECT * FROM (SELECT * FROM ` + tableName + ` ORDER BY "timestamp" DESC LIMIT $1) t ORDER BY "timestamp" ASC`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, s.wrap(ports.ErrQueryFailed, "bulk load", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	result := make([]domain.FeatureRow, 0, limit)
	for rows.Next() {
		row, err := scanFeatureRow(rows, columns)
		if err != nil {
			return nil, s.wrap(ports.ErrQueryFailed, "scan row", err)
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(ports.ErrQueryFailed, "iterate rows", err)
	}
	return result, nil
}

// Upsert inserts rows or updates existing rows with the same timestamp.
func (s *FeatureStore) Upsert(ctx context.Context, rows []domain.FeatureRow) error {
	_, err := s.withTx(ctx, func(tx pgx.Tx) (int64, error) {
		return 0, s.upsertTx(ctx, tx, rows)
	})
	return err
}

// TrimToNewest deletes every row whose timestamp is not among the k largest.
func (s *FeatureStore) TrimToNewest(ctx context.Context, k int) (int64, error) {
	return s.withTx(ctx, func(tx pgx.Tx) (int64, error) {
		return s.trimTx(ctx, tx, k)
	})
}

// UpsertAndTrim runs Upsert followed by TrimToNewest in a single transaction.
func (s *FeatureStore) UpsertAndTrim(ctx context.Context, rows []domain.FeatureRow, k int) (int64, error) {
	return s.withTx(ctx, func(tx pgx.Tx) (int64, error) {
		if err := s.upsertTx(ctx, tx, rows); err != nil {
			return 0, err
		}
		return s.trimTx(ctx, tx, k)
	})
}

func (s *FeatureStore) withTx(ctx context.Context, fn func(tx pgx.Tx) (int64, error)) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, s.wrap(ports.ErrPersistenceFailure, "begin tx", err)
	}
	defer tx.Rollback(ctx)

	snapshot := s.columns.Clone()

	n, err := fn(tx)
	if err != nil {
		s.columns = snapshot
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		s.columns = snapshot
		return 0, s.wrap(ports.ErrPersistenceFailure, "commit tx", err)
	}
	return n, nil
}

// upsertTx adds missing feature columns and sends all rows as one batch.
// Callers must hold s.mu.
func (s *FeatureStore) upsertTx(ctx context.Context, tx pgx.Tx, rows []domain.FeatureRow) error {
	if len(rows) == 0 {
		return nil
	}

	for _, name := range domain.FeatureNamesOf(rows) {
		if !schema.ValidFeatureName(name) {
			return fmt.Errorf("%w: invalid feature name %q", ports.ErrPersistenceFailure, name)
		}
		if s.columns.Has(name) {
			continue
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS "%s" DOUBLE PRECISION`, tableName, name)); err != nil {
			return s.wrap(ports.ErrPersistenceFailure, "add column "+name, err)
		}
		s.columns.Add(name)
		s.logger.Info(ctx, "Feature column added", map[string]interface{}{"column": name})
	}

	// Every known feature column is written, so a conflicting row is replaced as a
	// whole and features absent from the batch become NULL.
	names := s.columns.Sorted()
	columns := append(append([]string{}, schema.BaseColumns...), names...)
	placeholders := make([]string, len(columns))
	updates := make([]string, 0, len(columns)-1)
	for i, c := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		if c != "timestamp" {
			updates = append(updates, fmt.Sprintf(`"%s" = EXCLUDED."%s"`, c, c))
		}
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT ("timestamp") DO UPDATE SET %s`,
		tableName, strings.Join(schema.Quote(columns), ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "))

	batch := &pgx.Batch{}
	for _, row := range rows {
		args := []any{row.Key(), row.Open, row.High, row.Low, row.Close, row.Volume}
		for _, name := range names {
			args = append(args, nullableFloat(row.Features, name))
		}
		batch.Queue(query, args...)
	}

	results := tx.SendBatch(ctx, batch)
	for range rows {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return s.wrap(ports.ErrPersistenceFailure, "upsert batch", err)
		}
	}
	if err := results.Close(); err != nil {
		return s.wrap(ports.ErrPersistenceFailure, "close batch", err)
	}
	s.logger.Debug(ctx, "Rows upserted", map[string]interface{}{"count": len(rows)})
	return nil
}

func (s *FeatureStore) trimTx(ctx context.Context, tx pgx.Tx, k int) (int64, error) {
	query := `DELETE FROM ` + tableName + ` WHERE "timestamp" NOT IN (
		SELECT "timestamp" FROM ` + tableName + ` ORDER BY "timestamp" DESC LIMIT $1)`

	tag, err := tx.Exec(ctx, query, k)
	if err != nil {
		return 0, s.wrap(ports.ErrDeleteFailed, fmt.Sprintf("trim to newest %d", k), err)
	}
	return tag.RowsAffected(), nil
}

// wrap attaches the sentinel plus ErrDBConnection for connection-level failures.
func (s *FeatureStore) wrap(sentinel error, op string, err error) error {
	if isConnectionError(err) {
		return fmt.Errorf("%s failed: %w: %w: %w", op, sentinel, ports.ErrDBConnection, err)
	}
	return fmt.Errorf("%s failed: %w: %w", op, sentinel, err)
}

// nullableFloat returns nil (NULL) for missing or non-finite values.
func nullableFloat(features map[string]float64, name string) *float64 {
	v, ok := features[name]
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func scanFeatureRow(rows pgx.Rows, columns []string) (domain.FeatureRow, error) {
	var ts int64
	values := make([]*float64, len(columns))
	dest := make([]any, len(columns))
	for i, c := range columns {
		if c == "timestamp" {
			dest[i] = &ts
		} else {
			dest[i] = &values[i]
		}
	}
	if err := rows.Scan(dest...); err != nil {
		return domain.FeatureRow{}, err
	}

	row := domain.FeatureRow{
		Candle:   domain.Candle{OpenTime: domain.CandleFromKey(ts)},
		Features: make(map[string]float64, len(columns)-len(schema.BaseColumns)),
	}
	value := func(i int) float64 {
		if values[i] == nil {
			return math.NaN()
		}
		return *values[i]
	}
	for i, c := range columns {
		switch c {
		case "timestamp":
		case "open":
			row.Open = value(i)
		case "high":
			row.High = value(i)
		case "low":
			row.Low = value(i)
		case "close":
			row.Close = value(i)
		case "volume":
			row.Volume = value(i)
		default:
			row.Features[c] = value(i)
		}
	}
	return row, nil
}
