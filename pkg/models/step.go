package models

import (
	"github.com/storyloom/loom/pkg/state"
	"github.com/storyloom/loom/pkg/story"
)

// StepRequest contains the player's move: exactly one of choice_id or
// player_input must be set
type StepRequest struct {
	ChoiceID    string `json:"choice_id,omitempty"`
	PlayerInput string `json:"player_input,omitempty"`
}

// NodeView is the client-facing slice of a story node
type NodeView struct {
	ID    string `json:"id"`
	Brief string `json:"brief,omitempty"`
}

// ChoiceView is one selectable option, annotated with gate evaluation
// against the current state
type ChoiceView struct {
	ID           string `json:"id"`
	Text         string `json:"text"`
	Available    bool   `json:"available"`
	LockedReason string `json:"locked_reason,omitempty"`
}

// StateExcerpt carries the scalar stats plus run bookkeeping, without
// the bulky nested maps
type StateExcerpt struct {
	Energy    int            `json:"energy"`
	Money     int            `json:"money"`
	Knowledge int            `json:"knowledge"`
	Affection int            `json:"affection"`
	Day       int            `json:"day"`
	Slot      state.Slot     `json:"slot"`
	RunState  state.RunState `json:"run_state"`
}

// StepResponse is the full outcome of one committed (or replayed) step
type StepResponse struct {
	SessionStatus       string                `json:"session_status"`
	StoryNodeID         string                `json:"story_node_id"`
	AttemptedChoiceID   string                `json:"attempted_choice_id,omitempty"`
	ExecutedChoiceID    string                `json:"executed_choice_id"`
	FallbackUsed        bool                  `json:"fallback_used"`
	FallbackReason      story.ReasonCode      `json:"fallback_reason,omitempty"`
	SelectionMode       string                `json:"selection_mode"`
	SelectionSource     string                `json:"selection_source"`
	MappingConfidence   *float64              `json:"mapping_confidence,omitempty"`
	IntensityTier       *int                  `json:"intensity_tier,omitempty"`
	MainlineNudge       string                `json:"mainline_nudge,omitempty"`
	NudgeTier           state.NudgeTier       `json:"nudge_tier,omitempty"`
	NarrativeText       string                `json:"narrative_text"`
	Choices             []ChoiceView          `json:"choices"`
	RangeEffectsApplied []state.AppliedEffect `json:"range_effects_applied"`
	StateExcerpt        StateExcerpt          `json:"state_excerpt"`
	RunEnded            bool                  `json:"run_ended"`
	EndingID            string                `json:"ending_id,omitempty"`
	EndingOutcome       story.Outcome         `json:"ending_outcome,omitempty"`
	EndingCamp          story.Camp            `json:"ending_camp,omitempty"`
	EndingReport        map[string]any        `json:"ending_report,omitempty"`
	CurrentNode         *NodeView             `json:"current_node"`
}

// ExcerptFrom projects the scalar view of a state.
func ExcerptFrom(s state.State) StateExcerpt {
	return StateExcerpt{
		Energy:    s.Energy,
		Money:     s.Money,
		Knowledge: s.Knowledge,
		Affection: s.Affection,
		Day:       s.Day,
		Slot:      s.Slot,
		RunState:  s.RunState,
	}
}

// NodeViewOf projects the client-facing slice of a node, nil for nil.
func NodeViewOf(n *story.Node) *NodeView {
	if n == nil {
		return nil
	}
	return &NodeView{ID: n.ID, Brief: n.Brief}
}

// ChoicesFor annotates every choice on the node with gate evaluation
// against the given state. An ended run offers no choices.
func ChoicesFor(n *story.Node, s state.State) []ChoiceView {
	if n == nil || s.RunState.RunEnded {
		return []ChoiceView{}
	}
	views := make([]ChoiceView, 0, len(n.Choices))
	for i := range n.Choices {
		c := &n.Choices[i]
		available, reason := state.EvaluateGates(s, c.Gates)
		views = append(views, ChoiceView{
			ID:           c.ID,
			Text:         c.Text,
			Available:    available,
			LockedReason: reason,
		})
	}
	return views
}

// StatusOf derives the session status from the run state.
func StatusOf(s state.State) string {
	if s.RunState.RunEnded {
		return SessionStatusEnded
	}
	return SessionStatusActive
}
