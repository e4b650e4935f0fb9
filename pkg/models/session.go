package models

import (
	"time"

	"github.com/storyloom/loom/pkg/state"
)

// Session status values. A session is ended exactly when its run state
// carries an ending.
const (
	SessionStatusActive = "active"
	SessionStatusEnded  = "ended"
)

// Selection modes: how the step request expressed the player's intent.
const (
	SelectionModeExplicit  = "explicit"
	SelectionModeFreeInput = "free_input"
)

// Selection sources: which mechanism produced the executed decision.
const (
	SelectionSourceExplicit = "explicit"
	SelectionSourceRule     = "rule"
	SelectionSourceLLM      = "llm"
	SelectionSourceFallback = "fallback"
)

// CreateSessionRequest contains fields for starting a new story run
type CreateSessionRequest struct {
	StoryID string `json:"story_id"`
	Version int    `json:"version,omitempty"` // 0 selects the latest published version
	UserID  string `json:"user_id,omitempty"` // author override; players are identified by token
}

// SessionStateResponse is the session snapshot returned on creation and
// by GET /sessions/{id}
type SessionStateResponse struct {
	SessionID    string       `json:"session_id"`
	StoryID      string       `json:"story_id"`
	StoryVersion int          `json:"story_version"`
	Status       string       `json:"status"`
	StoryNodeID  string       `json:"story_node_id"`
	Version      int64        `json:"version"`
	StateJSON    state.State  `json:"state_json"`
	CurrentNode  *NodeView    `json:"current_node"`
	Choices      []ChoiceView `json:"choices"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}
