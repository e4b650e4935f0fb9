// Package postgres implements store.Store on a pgx connection pool.
// Schema migrations are embedded and applied on open.
package postgres

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for the migration handle

	"github.com/storyloom/loom/pkg/ident"
	"github.com/storyloom/loom/pkg/store"
)

//go:embed migrations
var migrationsFS embed.FS

// pgUniqueViolation is the Postgres error code for unique-constraint
// violations.
const pgUniqueViolation = "23505"

// Store implements store.Store on Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects, applies pending migrations and returns the store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if err := runMigrations(dsn); err != nil {
		return nil, fmt.Errorf("postgres migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// runMigrations applies the embedded schema through a short-lived
// database/sql handle; the pool never sees a half-migrated schema.
func runMigrations(dsn string) error {
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration handle: %w", err)
	}
	defer func() { _ = db.Close() }()

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	src, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	srcDriver, err := iofs.New(src, ".")
	if err != nil {
		return fmt.Errorf("migration source driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	slog.Debug("Postgres migrations applied")
	return nil
}

func (s *Store) CreateSession(ctx context.Context, rec *store.SessionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, story_id, story_version, status, story_node_id, state_json, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.UserID, rec.StoryID, rec.StoryVersion, rec.Status, rec.StoryNodeID,
		rec.StateJSON, rec.Version, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*store.SessionRecord, error) {
	rec := &store.SessionRecord{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, story_id, story_version, status, story_node_id, state_json, version, created_at, updated_at
		FROM sessions WHERE id = $1`, id).
		Scan(&rec.ID, &rec.UserID, &rec.StoryID, &rec.StoryVersion, &rec.Status, &rec.StoryNodeID,
			&rec.StateJSON, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	return rec, nil
}

func (s *Store) UpdateSessionCAS(ctx context.Context, rec *store.SessionRecord, expectedVersion int64) error {
	tag, err := s.pool.Exec(ctx, casUpdateSQL,
		rec.Status, rec.StoryNodeID, rec.StateJSON, rec.UpdatedAt, rec.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("cas update session: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return store.ErrVersionConflict
	}
	rec.Version = expectedVersion + 1
	return nil
}

const casUpdateSQL = `
	UPDATE sessions SET status = $1, story_node_id = $2, state_json = $3, updated_at = $4, version = version + 1
	WHERE id = $5 AND status = 'active' AND version = $6`

func (s *Store) InsertActionLog(ctx context.Context, rec *store.ActionLogRecord) error {
	_, err := s.pool.Exec(ctx, actionLogInsertSQL,
		rec.ID, rec.SessionID, rec.StepIndex, rec.PayloadJSON, rec.ResultJSON, rec.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("step %d: %w", rec.StepIndex, store.ErrDuplicateStep)
	}
	if err != nil {
		return fmt.Errorf("insert action log: %w", err)
	}
	return nil
}

const actionLogInsertSQL = `
	INSERT INTO action_logs (id, session_id, step_index, payload_json, result_json, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)`

func (s *Store) ListActionLogs(ctx context.Context, sessionID string) ([]*store.ActionLogRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, step_index, payload_json, result_json, created_at
		FROM action_logs WHERE session_id = $1 ORDER BY step_index`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list action logs: %w", err)
	}
	defer rows.Close()

	var out []*store.ActionLogRecord
	for rows.Next() {
		rec := &store.ActionLogRecord{}
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.StepIndex, &rec.PayloadJSON, &rec.ResultJSON, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan action log: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) CommitStep(ctx context.Context, rec *store.SessionRecord, expectedVersion int64, log *store.ActionLogRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, casUpdateSQL,
		rec.Status, rec.StoryNodeID, rec.StateJSON, rec.UpdatedAt, rec.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("cas update session: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return store.ErrVersionConflict
	}
	_, err = tx.Exec(ctx, actionLogInsertSQL,
		log.ID, log.SessionID, log.StepIndex, log.PayloadJSON, log.ResultJSON, log.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("step %d: %w", log.StepIndex, store.ErrDuplicateStep)
	}
	if err != nil {
		return fmt.Errorf("insert action log: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit step: %w", err)
	}
	rec.Version = expectedVersion + 1
	return nil
}

func (s *Store) GetIdempotency(ctx context.Context, sessionID, key string) (*store.IdempotencyRecord, error) {
	rec := &store.IdempotencyRecord{}
	var response []byte
	err := s.pool.QueryRow(ctx, `
		SELECT session_id, idempotency_key, status, request_hash, response_json, COALESCE(error_code, ''), created_at, updated_at
		FROM step_idempotency WHERE session_id = $1 AND idempotency_key = $2`, sessionID, key).
		Scan(&rec.SessionID, &rec.IdempotencyKey, &rec.Status, &rec.RequestHash,
			&response, &rec.ErrorCode, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("idempotency (%s, %s): %w", sessionID, key, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select idempotency: %w", err)
	}
	rec.ResponseJSON = response
	return rec, nil
}

func (s *Store) InsertIdempotencyInProgress(ctx context.Context, rec *store.IdempotencyRecord) (bool, *store.IdempotencyRecord, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO step_idempotency (session_id, idempotency_key, status, request_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, idempotency_key) DO NOTHING`,
		rec.SessionID, rec.IdempotencyKey, store.IdemInProgress, rec.RequestHash, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return false, nil, fmt.Errorf("insert idempotency: %w", err)
	}
	if tag.RowsAffected() == 1 {
		rec.Status = store.IdemInProgress
		return true, nil, nil
	}
	existing, err := s.GetIdempotency(ctx, rec.SessionID, rec.IdempotencyKey)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (s *Store) RetryFailedIdempotency(ctx context.Context, sessionID, key, requestHash string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE step_idempotency
		SET status = $1, request_hash = $2, response_json = NULL, error_code = NULL, updated_at = $3
		WHERE session_id = $4 AND idempotency_key = $5 AND status = $6`,
		store.IdemInProgress, requestHash, ident.Now(), sessionID, key, store.IdemFailed)
	if err != nil {
		return false, fmt.Errorf("retry idempotency: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) FinalizeIdempotencySuccess(ctx context.Context, sessionID, key string, responseJSON json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE step_idempotency SET status = $1, response_json = $2, error_code = NULL, updated_at = $3
		WHERE session_id = $4 AND idempotency_key = $5`,
		store.IdemSucceeded, responseJSON, ident.Now(), sessionID, key)
	if err != nil {
		return fmt.Errorf("finalize idempotency success: %w", err)
	}
	return nil
}

func (s *Store) FinalizeIdempotencyFailure(ctx context.Context, sessionID, key, errorCode string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE step_idempotency SET status = $1, error_code = $2, response_json = NULL, updated_at = $3
		WHERE session_id = $4 AND idempotency_key = $5`,
		store.IdemFailed, errorCode, ident.Now(), sessionID, key)
	if err != nil {
		return fmt.Errorf("finalize idempotency failure: %w", err)
	}
	return nil
}

func (s *Store) ReapStaleIdempotency(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE step_idempotency SET status = $1, error_code = $2, updated_at = $3
		WHERE status = $4 AND updated_at < $5`,
		store.IdemFailed, "STEP_FAILED", ident.Now(), store.IdemInProgress, olderThan)
	if err != nil {
		return 0, fmt.Errorf("reap idempotency: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
