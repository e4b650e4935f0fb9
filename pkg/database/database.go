// Package database bootstraps the storage layer: it dispatches
// DATABASE_URL to the right store backend and exposes a health probe.
// Schema migrations are embedded in the backends and applied on open.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/storyloom/loom/pkg/store"
	"github.com/storyloom/loom/pkg/store/postgres"
	"github.com/storyloom/loom/pkg/store/sqlite"
)

// DefaultURL is used when DATABASE_URL is unset: a local SQLite file,
// so the engine runs with zero infrastructure.
const DefaultURL = "file:loom.db"

// IsPostgres reports whether the URL selects the Postgres backend.
// Everything else is treated as a SQLite path.
func IsPostgres(databaseURL string) bool {
	return strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://")
}

// Open connects to the store selected by the URL scheme:
//
//	postgres://… or postgresql://…  -> store/postgres (pgxpool)
//	sqlite://path, file:path, path  -> store/sqlite (modernc)
//
// Migrations run before the store is returned.
func Open(ctx context.Context, databaseURL string) (store.Store, error) {
	if databaseURL == "" {
		databaseURL = DefaultURL
	}
	if IsPostgres(databaseURL) {
		slog.Info("Opening postgres store")
		return postgres.Open(ctx, databaseURL)
	}

	path := strings.TrimPrefix(databaseURL, "sqlite://")
	path = strings.TrimPrefix(path, "file:")
	if path == "" {
		return nil, fmt.Errorf("database url %q has no path", databaseURL)
	}
	slog.Info("Opening sqlite store", "path", path)
	return sqlite.Open(ctx, path)
}

// Health pings the store under a short deadline; the health endpoint
// must answer even when the database hangs.
func Health(ctx context.Context, s store.Store) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}
	return nil
}
