// Package sqlite implements store.Store on the pure-Go modernc.org
// driver, for local runs and tests. A single connection serializes
// writes; timestamps persist as RFC 3339 text.
package sqlite

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // database/sql driver

	"github.com/storyloom/loom/pkg/ident"
	"github.com/storyloom/loom/pkg/store"
)

//go:embed migrations
var migrationsFS embed.FS

// Store implements store.Store on SQLite.
type Store struct {
	db *stdsql.DB
}

// Open opens (or creates) the database file, applies pending migrations
// and returns the store. Use ":memory:" for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if dsn != ":memory:" && !strings.Contains(dsn, "?") {
		dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}
	db, err := stdsql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// One writer; the engine's transactions are short so this never
	// becomes the bottleneck in the deployments sqlite serves.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func runMigrations(db *stdsql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
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
	m, err := migrate.NewWithInstance("iofs", srcDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

const timeLayout = time.RFC3339Nano

func encodeTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func decodeTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *Store) CreateSession(ctx context.Context, rec *store.SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, story_id, story_version, status, story_node_id, state_json, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.StoryID, rec.StoryVersion, rec.Status, rec.StoryNodeID,
		string(rec.StateJSON), rec.Version, encodeTime(rec.CreatedAt), encodeTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*store.SessionRecord, error) {
	rec := &store.SessionRecord{}
	var stateJSON, createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, story_id, story_version, status, story_node_id, state_json, version, created_at, updated_at
		FROM sessions WHERE id = ?`, id).
		Scan(&rec.ID, &rec.UserID, &rec.StoryID, &rec.StoryVersion, &rec.Status, &rec.StoryNodeID,
			&stateJSON, &rec.Version, &createdAt, &updatedAt)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	rec.StateJSON = json.RawMessage(stateJSON)
	rec.CreatedAt = decodeTime(createdAt)
	rec.UpdatedAt = decodeTime(updatedAt)
	return rec, nil
}

const casUpdateSQL = `
	UPDATE sessions SET status = ?, story_node_id = ?, state_json = ?, updated_at = ?, version = version + 1
	WHERE id = ? AND status = 'active' AND version = ?`

func (s *Store) UpdateSessionCAS(ctx context.Context, rec *store.SessionRecord, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx, casUpdateSQL,
		rec.Status, rec.StoryNodeID, string(rec.StateJSON), encodeTime(rec.UpdatedAt), rec.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("cas update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return store.ErrVersionConflict
	}
	rec.Version = expectedVersion + 1
	return nil
}

const actionLogInsertSQL = `
	INSERT INTO action_logs (id, session_id, step_index, payload_json, result_json, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`

func (s *Store) InsertActionLog(ctx context.Context, rec *store.ActionLogRecord) error {
	_, err := s.db.ExecContext(ctx, actionLogInsertSQL,
		rec.ID, rec.SessionID, rec.StepIndex, string(rec.PayloadJSON), string(rec.ResultJSON), encodeTime(rec.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("step %d: %w", rec.StepIndex, store.ErrDuplicateStep)
	}
	if err != nil {
		return fmt.Errorf("insert action log: %w", err)
	}
	return nil
}

func (s *Store) ListActionLogs(ctx context.Context, sessionID string) ([]*store.ActionLogRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, step_index, payload_json, result_json, created_at
		FROM action_logs WHERE session_id = ? ORDER BY step_index`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list action logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*store.ActionLogRecord
	for rows.Next() {
		rec := &store.ActionLogRecord{}
		var payload, result, createdAt string
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.StepIndex, &payload, &result, &createdAt); err != nil {
			return nil, fmt.Errorf("scan action log: %w", err)
		}
		rec.PayloadJSON = json.RawMessage(payload)
		rec.ResultJSON = json.RawMessage(result)
		rec.CreatedAt = decodeTime(createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) CommitStep(ctx context.Context, rec *store.SessionRecord, expectedVersion int64, log *store.ActionLogRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, casUpdateSQL,
		rec.Status, rec.StoryNodeID, string(rec.StateJSON), encodeTime(rec.UpdatedAt), rec.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("cas update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return store.ErrVersionConflict
	}
	_, err = tx.ExecContext(ctx, actionLogInsertSQL,
		log.ID, log.SessionID, log.StepIndex, string(log.PayloadJSON), string(log.ResultJSON), encodeTime(log.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("step %d: %w", log.StepIndex, store.ErrDuplicateStep)
	}
	if err != nil {
		return fmt.Errorf("insert action log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit step: %w", err)
	}
	rec.Version = expectedVersion + 1
	return nil
}

func (s *Store) GetIdempotency(ctx context.Context, sessionID, key string) (*store.IdempotencyRecord, error) {
	rec := &store.IdempotencyRecord{}
	var response, errorCode stdsql.NullString
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, idempotency_key, status, request_hash, response_json, error_code, created_at, updated_at
		FROM step_idempotency WHERE session_id = ? AND idempotency_key = ?`, sessionID, key).
		Scan(&rec.SessionID, &rec.IdempotencyKey, &rec.Status, &rec.RequestHash,
			&response, &errorCode, &createdAt, &updatedAt)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, fmt.Errorf("idempotency (%s, %s): %w", sessionID, key, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select idempotency: %w", err)
	}
	if response.Valid {
		rec.ResponseJSON = json.RawMessage(response.String)
	}
	rec.ErrorCode = errorCode.String
	rec.CreatedAt = decodeTime(createdAt)
	rec.UpdatedAt = decodeTime(updatedAt)
	return rec, nil
}

func (s *Store) InsertIdempotencyInProgress(ctx context.Context, rec *store.IdempotencyRecord) (bool, *store.IdempotencyRecord, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO step_idempotency (session_id, idempotency_key, status, request_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.IdempotencyKey, store.IdemInProgress, rec.RequestHash,
		encodeTime(rec.CreatedAt), encodeTime(rec.UpdatedAt))
	if err != nil {
		return false, nil, fmt.Errorf("insert idempotency: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
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
	res, err := s.db.ExecContext(ctx, `
		UPDATE step_idempotency
		SET status = ?, request_hash = ?, response_json = NULL, error_code = NULL, updated_at = ?
		WHERE session_id = ? AND idempotency_key = ? AND status = ?`,
		store.IdemInProgress, requestHash, encodeTime(ident.Now()), sessionID, key, store.IdemFailed)
	if err != nil {
		return false, fmt.Errorf("retry idempotency: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *Store) FinalizeIdempotencySuccess(ctx context.Context, sessionID, key string, responseJSON json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE step_idempotency SET status = ?, response_json = ?, error_code = NULL, updated_at = ?
		WHERE session_id = ? AND idempotency_key = ?`,
		store.IdemSucceeded, string(responseJSON), encodeTime(ident.Now()), sessionID, key)
	if err != nil {
		return fmt.Errorf("finalize idempotency success: %w", err)
	}
	return nil
}

func (s *Store) FinalizeIdempotencyFailure(ctx context.Context, sessionID, key, errorCode string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE step_idempotency SET status = ?, error_code = ?, response_json = NULL, updated_at = ?
		WHERE session_id = ? AND idempotency_key = ?`,
		store.IdemFailed, errorCode, encodeTime(ident.Now()), sessionID, key)
	if err != nil {
		return fmt.Errorf("finalize idempotency failure: %w", err)
	}
	return nil
}

func (s *Store) ReapStaleIdempotency(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE step_idempotency SET status = ?, error_code = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?`,
		store.IdemFailed, "STEP_FAILED", encodeTime(ident.Now()), store.IdemInProgress, encodeTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("reap idempotency: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
