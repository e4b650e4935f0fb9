// Package store defines the persistence contract of the engine:
// sessions under optimistic CAS, append-only action logs, and
// per-(session, key) idempotency records. Implementations live in the
// postgres and sqlite subpackages; both run the same embedded schema.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors. Services translate these into domain error kinds;
// they never cross the HTTP boundary raw.
var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict is returned when a CAS update matched no row:
	// the session moved (or ended) since the snapshot was taken.
	ErrVersionConflict = errors.New("session version conflict")

	// ErrDuplicateStep is returned when an action-log insert violates
	// the (session_id, step_index) uniqueness constraint.
	ErrDuplicateStep = errors.New("duplicate step index")
)

// Idempotency record states.
const (
	IdemInProgress = "in_progress"
	IdemSucceeded  = "succeeded"
	IdemFailed     = "failed"
)

// SessionRecord is the persisted shape of a session row.
type SessionRecord struct {
	ID           string
	UserID       string
	StoryID      string
	StoryVersion int
	Status       string
	StoryNodeID  string
	StateJSON    json.RawMessage
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ActionLogRecord is one committed step. (SessionID, StepIndex) is
// unique; rows are never updated or deleted while the session lives.
type ActionLogRecord struct {
	ID          string
	SessionID   string
	StepIndex   int
	PayloadJSON json.RawMessage
	ResultJSON  json.RawMessage
	CreatedAt   time.Time
}

// IdempotencyRecord tracks one (session, idempotency key) pair through
// in_progress -> succeeded | failed.
type IdempotencyRecord struct {
	SessionID      string
	IdempotencyKey string
	Status         string
	RequestHash    string
	ResponseJSON   json.RawMessage // set only when succeeded
	ErrorCode      string          // set only when failed
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Store is the transactional persistence boundary. Every method is a
// short transaction; nothing here is held open across an LLM call.
type Store interface {
	CreateSession(ctx context.Context, rec *SessionRecord) error
	GetSession(ctx context.Context, id string) (*SessionRecord, error)

	// UpdateSessionCAS applies rec's status, node and state to the row
	// iff it is still active at expectedVersion, bumping the version by
	// one. A miss returns ErrVersionConflict.
	UpdateSessionCAS(ctx context.Context, rec *SessionRecord, expectedVersion int64) error

	InsertActionLog(ctx context.Context, rec *ActionLogRecord) error
	ListActionLogs(ctx context.Context, sessionID string) ([]*ActionLogRecord, error)

	// CommitStep runs the CAS update and the action-log insert in one
	// transaction, so a committed step is all-or-nothing. Conflicts
	// surface as ErrVersionConflict or ErrDuplicateStep.
	CommitStep(ctx context.Context, rec *SessionRecord, expectedVersion int64, log *ActionLogRecord) error

	GetIdempotency(ctx context.Context, sessionID, key string) (*IdempotencyRecord, error)

	// InsertIdempotencyInProgress atomically claims the (session, key)
	// pair. When another request got there first, inserted is false and
	// existing carries the winner's row.
	InsertIdempotencyInProgress(ctx context.Context, rec *IdempotencyRecord) (inserted bool, existing *IdempotencyRecord, err error)

	// RetryFailedIdempotency transitions a failed row back to
	// in_progress, clearing the stored error. Returns false when the
	// row is no longer failed (a concurrent retry won).
	RetryFailedIdempotency(ctx context.Context, sessionID, key, requestHash string) (bool, error)

	FinalizeIdempotencySuccess(ctx context.Context, sessionID, key string, responseJSON json.RawMessage) error
	FinalizeIdempotencyFailure(ctx context.Context, sessionID, key, errorCode string) error

	// ReapStaleIdempotency fails in_progress rows older than the cutoff
	// so keys orphaned by a crash become retryable. Returns the number
	// of rows transitioned.
	ReapStaleIdempotency(ctx context.Context, olderThan time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
