package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"featureStream/internal/adapters/schema"
	"featureStream/internal/domain"
	"featureStream/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const tableName = schema.Table

// Repository implements the ports.FeatureStore interface using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger

	mu      sync.Mutex     // Protects columns
	columns schema.Columns // Feature columns known to exist
}

// Compile-time interface check.
var _ ports.FeatureStore = (*Repository)(nil)

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		return nil, fmt.Errorf("%w: database path is required", ports.ErrFatalConfig)
	}

	if dbPath != ":memory:" {
		// Create data directory if it doesn't exist
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			err = fmt.Errorf("%w: failed to create data directory '%s': %w", ports.ErrFatalConfig, filepath.Dir(dbPath), err)
			cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
			return nil, err
		}
	}

	// Open database connection
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000") // WAL mode for better concurrency
	if err != nil {
		err = fmt.Errorf("%w: failed to open database at '%s': %w", ports.ErrDBConnection, dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("%w: failed to ping database at '%s': %w", ports.ErrDBConnection, dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// Single writer; also keeps an in-memory database on one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger, columns: schema.Columns{}}

	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Database schema initialized/verified", map[string]interface{}{"featureColumns": len(repo.columns)})

	return repo, nil
}

// initializeSchema creates the table if it doesn't exist and loads the known feature columns.
func (r *Repository) initializeSchema(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS ` + tableName + ` (
		"timestamp" INTEGER PRIMARY KEY,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume REAL NOT NULL
	);`
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `SELECT name FROM pragma_table_info('`+tableName+`')`)
	if err != nil {
		return fmt.Errorf("failed to read table info: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to scan column name: %w", err)
		}
		if !schema.IsBaseColumn(name) {
			r.columns.Add(name)
		}
	}
	return rows.Err()
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// Count returns the number of stored rows.
func (r *Repository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+tableName).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to count rows: %w", ports.ErrQueryFailed, err)
	}
	return count, nil
}

// BulkLoad retrieves up to limit of the newest rows, ordered by timestamp ascending.
func (r *Repository) BulkLoad(ctx context.Context, limit int) ([]domain.FeatureRow, error) {
	query := `SELECT * FROM (SELECT * FROM ` + tableName + ` ORDER BY "timestamp" DESC LIMIT ?) ORDER BY "timestamp" ASC`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load rows: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read columns: %w", ports.ErrQueryFailed, err)
	}

	result := make([]domain.FeatureRow, 0, limit)
	for rows.Next() {
		row, err := scanFeatureRow(rows, columns)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan row during BulkLoad: %w", ports.ErrQueryFailed, err)
		}
		result = append(result, row)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating rows: %w", ports.ErrQueryFailed, err)
	}
	return result, nil
}

// Upsert inserts rows or replaces existing rows with the same timestamp.
func (r *Repository) Upsert(ctx context.Context, rows []domain.FeatureRow) error {
	_, err := r.withTx(ctx, func(tx *sql.Tx) (int64, error) {
		return 0, r.upsertTx(ctx, tx, rows)
	})
	return err
}

// TrimToNewest deletes every row whose timestamp is not among the k largest.
func (r *Repository) TrimToNewest(ctx context.Context, k int) (int64, error) {
	return r.withTx(ctx, func(tx *sql.Tx) (int64, error) {
		return trimTx(ctx, tx, k)
	})
}

// UpsertAndTrim runs Upsert followed by TrimToNewest in a single transaction.
func (r *Repository) UpsertAndTrim(ctx context.Context, rows []domain.FeatureRow, k int) (int64, error) {
	return r.withTx(ctx, func(tx *sql.Tx) (int64, error) {
		if err := r.upsertTx(ctx, tx, rows); err != nil {
			return 0, err
		}
		return trimTx(ctx, tx, k)
	})
}

func (r *Repository) withTx(ctx context.Context, fn func(tx *sql.Tx) (int64, error)) (int64, error) {
	// The column cache may only change once the transaction commits.
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin tx: %w", ports.ErrPersistenceFailure, err)
	}
	defer tx.Rollback()

	snapshot := r.columns.Clone()

	n, err := fn(tx)
	if err != nil {
		r.columns = snapshot
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		r.columns = snapshot
		return 0, fmt.Errorf("%w: commit tx: %w", ports.ErrPersistenceFailure, err)
	}
	return n, nil
}

// upsertTx writes rows inside tx, adding missing feature columns first.
// Callers must hold r.mu.
func (r *Repository) upsertTx(ctx context.Context, tx *sql.Tx, rows []domain.FeatureRow) error {
	if len(rows) == 0 {
		return nil
	}

	for _, name := range domain.FeatureNamesOf(rows) {
		if !schema.ValidFeatureName(name) {
			return fmt.Errorf("%w: invalid feature name %q", ports.ErrPersistenceFailure, name)
		}
		if r.columns.Has(name) {
			continue
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN "%s" REAL`, tableName, name)); err != nil {
			return fmt.Errorf("%w: add column %s: %w", ports.ErrUpdateFailed, name, err)
		}
		r.columns.Add(name)
		r.logger.Info(ctx, "Feature column added", map[string]interface{}{"column": name})
	}

	// Every known feature column is written, so a row is replaced as a whole
	names := r.columns.Sorted()
	columns := append(append([]string{}, schema.BaseColumns...), names...)
	query := fmt.Sprintf(`INSERT OR REPLACE INTO %s (%s) VALUES (%s)`,
		tableName, strings.Join(schema.Quote(columns), ", "), strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", "))

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("%w: prepare upsert: %w", ports.ErrPersistenceFailure, err)
	}
	defer stmt.Close()

	for _, row := range rows {
		args := []interface{}{row.Key(), row.Open, row.High, row.Low, row.Close, row.Volume}
		for _, name := range names {
			args = append(args, nullFloat(row.Features, name))
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("%w: upsert row %d: %w", ports.ErrPersistenceFailure, row.Key(), err)
		}
	}
	r.logger.Debug(ctx, "Rows upserted", map[string]interface{}{"count": len(rows)})
	return nil
}

func trimTx(ctx context.Context, tx *sql.Tx, k int) (int64, error) {
	query := `DELETE FROM ` + tableName + ` WHERE "timestamp" NOT IN (
		SELECT "timestamp" FROM ` + tableName + ` ORDER BY "timestamp" DESC LIMIT ?)`

	result, err := tx.ExecContext(ctx, query, k)
	if err != nil {
		return 0, fmt.Errorf("%w: trim to newest %d: %w", ports.ErrDeleteFailed, k, err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected for trim: %w", ports.ErrDeleteFailed, err)
	}
	return deleted, nil
}

// --- Helper Functions ---

func nullFloat(features map[string]float64, name string) sql.NullFloat64 {
	v, ok := features[name]
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

// scanner defines an interface compatible with *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanFeatureRow scans a row with the given column layout into a domain.FeatureRow.
func scanFeatureRow(s scanner, columns []string) (domain.FeatureRow, error) {
	var ts int64
	values := make([]sql.NullFloat64, len(columns))
	dest := make([]interface{}, len(columns))
	for i, c := range columns {
		if c == "timestamp" {
			dest[i] = &ts
		} else {
			dest[i] = &values[i]
		}
	}
	if err := s.Scan(dest...); err != nil {
		return domain.FeatureRow{}, err
	}

	row := domain.FeatureRow{
		Candle:   domain.Candle{OpenTime: domain.CandleFromKey(ts)},
		Features: make(map[string]float64, len(columns)-len(schema.BaseColumns)),
	}
	for i, c := range columns {
		v := values[i]
		switch c {
		case "timestamp":
		case "open":
			row.Open = v.Float64
		case "high":
			row.High = v.Float64
		case "low":
			row.Low = v.Float64
		case "close":
			row.Close = v.Float64
		case "volume":
			row.Volume = v.Float64
		default:
			if v.Valid {
				row.Features[c] = v.Float64
			} else {
				row.Features[c] = math.NaN()
			}
		}
	}
	return row, nil
}
