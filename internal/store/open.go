// Package store selects the feature store backend for a destination.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"

	"featureStream/config"
	"featureStream/internal/adapters/postgres"
	"featureStream/internal/adapters/sqlite"
	"featureStream/internal/ports"
)

// Open returns the feature store for dest: PostgreSQL for a postgres:// DSN,
// SQLite for anything else.
func Open(ctx context.Context, dest string, logger ports.Logger) (ports.FeatureStore, error) {
	if !config.IsPostgresDSN(dest) {
		return sqlite.NewRepository(sqlite.Config{DBPath: dest, Logger: logger})
	}

	pool, err := postgres.NewPool(ctx, dest)
	if err != nil {
		return nil, err
	}
	fs, err := postgres.NewFeatureStore(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize postgres feature store: %w", err)
	}
	return fs, nil
}

// OpenExisting is Open for readers: a SQLite destination must already exist,
// so a mistyped path fails instead of creating an empty database.
func OpenExisting(ctx context.Context, dest string, logger ports.Logger) (ports.FeatureStore, error) {
	if !config.IsPostgresDSN(dest) {
		info, err := os.Stat(dest)
		switch {
		case errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("%w: feature store %q does not exist", ports.ErrFatalConfig, dest)
		case err != nil:
			return nil, fmt.Errorf("%w: stat feature store %q: %w", ports.ErrFatalConfig, dest, err)
		case info.IsDir():
			return nil, fmt.Errorf("%w: feature store %q is a directory", ports.ErrFatalConfig, dest)
		}
	}
	return Open(ctx, dest, logger)
}
