package sqlite

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/loom/pkg/ident"
	"github.com/storyloom/loom/pkg/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newSession(id string) *store.SessionRecord {
	now := ident.Now()
	return &store.SessionRecord{
		ID:           id,
		UserID:       "u_test",
		StoryID:      "campus_week_v1",
		StoryVersion: 1,
		Status:       "active",
		StoryNodeID:  "n_hub",
		StateJSON:    json.RawMessage(`{"energy":100}`),
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := newSession("s1")
	require.NoError(t, s.CreateSession(ctx, rec))

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.StoryID, got.StoryID)
	assert.Equal(t, "active", got.Status)
	assert.JSONEq(t, `{"energy":100}`, string(got.StateJSON))
	assert.Equal(t, int64(1), got.Version)
	assert.WithinDuration(t, rec.CreatedAt, got.CreatedAt, time.Millisecond)

	_, err = s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateSessionCAS(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := newSession("s1")
	require.NoError(t, s.CreateSession(ctx, rec))

	t.Run("matching version succeeds and bumps", func(t *testing.T) {
		rec.StoryNodeID = "n_library"
		rec.StateJSON = json.RawMessage(`{"energy":90}`)
		rec.UpdatedAt = ident.Now()
		require.NoError(t, s.UpdateSessionCAS(ctx, rec, 1))
		assert.Equal(t, int64(2), rec.Version)

		got, err := s.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "n_library", got.StoryNodeID)
		assert.Equal(t, int64(2), got.Version)
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		err := s.UpdateSessionCAS(ctx, rec, 1)
		assert.ErrorIs(t, err, store.ErrVersionConflict)
	})

	t.Run("ended session conflicts", func(t *testing.T) {
		rec.Status = "ended"
		require.NoError(t, s.UpdateSessionCAS(ctx, rec, 2))
		err := s.UpdateSessionCAS(ctx, rec, 3)
		assert.ErrorIs(t, err, store.ErrVersionConflict)
	})
}

func newLog(sessionID string, step int) *store.ActionLogRecord {
	return &store.ActionLogRecord{
		ID:          ident.NewID(),
		SessionID:   sessionID,
		StepIndex:   step,
		PayloadJSON: json.RawMessage(`{"choice_id":"c_study"}`),
		ResultJSON:  json.RawMessage(`{"executed_choice_id":"c_study"}`),
		CreatedAt:   ident.Now(),
	}
}

func TestCommitStep(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := newSession("s1")
	require.NoError(t, s.CreateSession(ctx, rec))

	require.NoError(t, s.CommitStep(ctx, rec, 1, newLog("s1", 1)))
	assert.Equal(t, int64(2), rec.Version)

	logs, err := s.ListActionLogs(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 1, logs[0].StepIndex)

	t.Run("version conflict rolls back the log insert", func(t *testing.T) {
		err := s.CommitStep(ctx, rec, 1, newLog("s1", 2))
		assert.ErrorIs(t, err, store.ErrVersionConflict)

		logs, err := s.ListActionLogs(ctx, "s1")
		require.NoError(t, err)
		assert.Len(t, logs, 1)
	})

	t.Run("duplicate step index rolls back the session update", func(t *testing.T) {
		err := s.CommitStep(ctx, rec, 2, newLog("s1", 1))
		assert.ErrorIs(t, err, store.ErrDuplicateStep)

		got, err := s.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version, "CAS update must not survive the failed insert")
	})
}

func TestInsertActionLogDuplicate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, newSession("s1")))

	require.NoError(t, s.InsertActionLog(ctx, newLog("s1", 1)))
	err := s.InsertActionLog(ctx, newLog("s1", 1))
	assert.ErrorIs(t, err, store.ErrDuplicateStep)
}

func TestIdempotencyLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, newSession("s1")))

	now := ident.Now()
	rec := &store.IdempotencyRecord{
		SessionID:      "s1",
		IdempotencyKey: "k1",
		RequestHash:    "hash-a",
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	inserted, existing, err := s.InsertIdempotencyInProgress(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Nil(t, existing)

	t.Run("second claim loses and sees the winner", func(t *testing.T) {
		inserted, existing, err := s.InsertIdempotencyInProgress(ctx, rec)
		require.NoError(t, err)
		assert.False(t, inserted)
		require.NotNil(t, existing)
		assert.Equal(t, store.IdemInProgress, existing.Status)
		assert.Equal(t, "hash-a", existing.RequestHash)
	})

	t.Run("success stores the response verbatim", func(t *testing.T) {
		require.NoError(t, s.FinalizeIdempotencySuccess(ctx, "s1", "k1", json.RawMessage(`{"ok":true}`)))
		got, err := s.GetIdempotency(ctx, "s1", "k1")
		require.NoError(t, err)
		assert.Equal(t, store.IdemSucceeded, got.Status)
		assert.Equal(t, `{"ok":true}`, string(got.ResponseJSON))
		assert.Empty(t, got.ErrorCode)
	})

	t.Run("failure stores the error code and clears the response", func(t *testing.T) {
		require.NoError(t, s.FinalizeIdempotencyFailure(ctx, "s1", "k1", "LLM_UNAVAILABLE"))
		got, err := s.GetIdempotency(ctx, "s1", "k1")
		require.NoError(t, err)
		assert.Equal(t, store.IdemFailed, got.Status)
		assert.Equal(t, "LLM_UNAVAILABLE", got.ErrorCode)
		assert.Nil(t, got.ResponseJSON)
	})

	t.Run("retry transitions failed back to in_progress", func(t *testing.T) {
		ok, err := s.RetryFailedIdempotency(ctx, "s1", "k1", "hash-a")
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.GetIdempotency(ctx, "s1", "k1")
		require.NoError(t, err)
		assert.Equal(t, store.IdemInProgress, got.Status)
		assert.Empty(t, got.ErrorCode)

		// Not failed anymore, so a second retry loses.
		ok, err = s.RetryFailedIdempotency(ctx, "s1", "k1", "hash-a")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unknown key is not found", func(t *testing.T) {
		_, err := s.GetIdempotency(ctx, "s1", "nope")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestReapStaleIdempotency(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, newSession("s1")))

	old := ident.Now().Add(-time.Hour)
	stale := &store.IdempotencyRecord{
		SessionID: "s1", IdempotencyKey: "stale", RequestHash: "h",
		CreatedAt: old, UpdatedAt: old,
	}
	fresh := &store.IdempotencyRecord{
		SessionID: "s1", IdempotencyKey: "fresh", RequestHash: "h",
		CreatedAt: ident.Now(), UpdatedAt: ident.Now(),
	}
	for _, rec := range []*store.IdempotencyRecord{stale, fresh} {
		_, _, err := s.InsertIdempotencyInProgress(ctx, rec)
		require.NoError(t, err)
	}

	n, err := s.ReapStaleIdempotency(ctx, ident.Now().Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetIdempotency(ctx, "s1", "stale")
	require.NoError(t, err)
	assert.Equal(t, store.IdemFailed, got.Status)
	assert.Equal(t, "STEP_FAILED", got.ErrorCode)

	got, err = s.GetIdempotency(ctx, "s1", "fresh")
	require.NoError(t, err)
	assert.Equal(t, store.IdemInProgress, got.Status)
}
