// Package services holds the engine's business logic: session
// lifecycle, the step execution pipeline with its idempotency
// controller, and the background reaper. Storage sentinels are
// translated to domain codes here and never cross the HTTP boundary
// raw.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/storyloom/loom/pkg/ident"
	"github.com/storyloom/loom/pkg/models"
	"github.com/storyloom/loom/pkg/state"
	"github.com/storyloom/loom/pkg/store"
	"github.com/storyloom/loom/pkg/story"
)

// SessionService manages story run lifecycle: creation and retrieval.
type SessionService struct {
	store    store.Store
	registry *story.Registry
}

// NewSessionService creates a new SessionService.
func NewSessionService(st store.Store, registry *story.Registry) *SessionService {
	return &SessionService{store: st, registry: registry}
}

// Create starts a new run of the requested story: resolve the pack,
// build the initial state and insert an active session at the start
// node. An explicit req.UserID overrides the actor identity (author
// tooling); players are identified by actorUserID.
func (s *SessionService) Create(ctx context.Context, req models.CreateSessionRequest, actorUserID string) (*models.SessionStateResponse, error) {
	if req.StoryID == "" {
		return nil, E(CodeBadRequest, "story_id is required")
	}
	userID := actorUserID
	if req.UserID != "" {
		userID = req.UserID
	}

	view, err := s.registry.Resolve(req.StoryID, req.Version)
	if err != nil {
		if errors.Is(err, story.ErrNotFound) {
			return nil, E(CodeNotFound, "story %s not found", req.StoryID)
		}
		return nil, fmt.Errorf("resolve story pack: %w", err)
	}

	st := state.New(view)
	stateJSON, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode initial state: %w", err)
	}

	now := ident.Now()
	rec := &store.SessionRecord{
		ID:           ident.NewID(),
		UserID:       userID,
		StoryID:      view.Pack.StoryID,
		StoryVersion: view.Pack.Version,
		Status:       models.SessionStatusActive,
		StoryNodeID:  view.Pack.StartNodeID,
		StateJSON:    stateJSON,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateSession(ctx, rec); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	slog.Info("Session created",
		"session_id", rec.ID,
		"story_id", rec.StoryID,
		"story_version", rec.StoryVersion,
		"user_id", userID)

	return sessionView(rec, view, st), nil
}

// Get loads a session snapshot. A non-empty actorUserID must match the
// session owner.
func (s *SessionService) Get(ctx context.Context, id, actorUserID string) (*models.SessionStateResponse, error) {
	rec, view, st, err := s.open(ctx, id, actorUserID)
	if err != nil {
		return nil, err
	}
	return sessionView(rec, view, st), nil
}

// open loads the session row, enforces ownership, decodes the state
// and resolves the pack view. Shared by Get and the step pipeline.
func (s *SessionService) open(ctx context.Context, id, actorUserID string) (*store.SessionRecord, *story.View, state.State, error) {
	var st state.State

	rec, err := s.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, st, E(CodeNotFound, "session %s not found", id)
		}
		return nil, nil, st, fmt.Errorf("load session: %w", err)
	}
	if actorUserID != "" && rec.UserID != actorUserID {
		return nil, nil, st, E(CodeForbidden, "session %s belongs to another user", id)
	}
	view, err := s.registry.Resolve(rec.StoryID, rec.StoryVersion)
	if err != nil {
		if errors.Is(err, story.ErrNotFound) {
			return nil, nil, st, E(CodeNotFound, "story %s v%d not found", rec.StoryID, rec.StoryVersion)
		}
		return nil, nil, st, fmt.Errorf("resolve story pack: %w", err)
	}
	if err := json.Unmarshal(rec.StateJSON, &st); err != nil {
		return nil, nil, st, fmt.Errorf("decode session state: %w", err)
	}
	return rec, view, st, nil
}

func sessionView(rec *store.SessionRecord, view *story.View, st state.State) *models.SessionStateResponse {
	node := view.Node(rec.StoryNodeID)
	return &models.SessionStateResponse{
		SessionID:    rec.ID,
		StoryID:      rec.StoryID,
		StoryVersion: rec.StoryVersion,
		Status:       rec.Status,
		StoryNodeID:  rec.StoryNodeID,
		Version:      rec.Version,
		StateJSON:    st,
		CurrentNode:  models.NodeViewOf(node),
		Choices:      models.ChoicesFor(node, st),
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}
