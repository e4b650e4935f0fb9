// Package state is the pure transition kernel. Every function takes a
// state value and returns a new one; nothing here touches storage, the
// network, or the clock. The pipeline owns sequencing and persistence.
package state

import (
	"github.com/storyloom/loom/pkg/story"
)

// Slot is the time-of-day position within a story day.
type Slot string

const (
	SlotMorning   Slot = "morning"
	SlotAfternoon Slot = "afternoon"
	SlotNight     Slot = "night"
)

// NudgeTier grades how firmly the UX should steer the player back to
// the mainline after a fallback.
type NudgeTier string

const (
	NudgeSoft    NudgeTier = "soft"
	NudgeNeutral NudgeTier = "neutral"
	NudgeFirm    NudgeTier = "firm"
)

// Stat bounds. Values outside these ranges are clamped by Normalize.
const (
	EnergyMin    = 0
	EnergyMax    = 100
	MoneyMin     = 0
	MoneyMax     = 999999
	KnowledgeMin = 0
	KnowledgeMax = 999
	AffectionMin = -100
	AffectionMax = 100
)

// TierMin and TierMax bound the intensity tier of a step.
const (
	TierMin = -2
	TierMax = 2
)

// RunState tracks per-run progress; embedded in State under run_state.
type RunState struct {
	StepIndex                int            `json:"step_index"`
	FallbackCount            int            `json:"fallback_count"`
	ConsecutiveFallbackCount int            `json:"consecutive_fallback_count"`
	RunEnded                 bool           `json:"run_ended"`
	EndingID                 string         `json:"ending_id,omitempty"`
	EndingOutcome            story.Outcome  `json:"ending_outcome,omitempty"`
	EndingCamp               story.Camp     `json:"ending_camp,omitempty"`
	EndingReport             map[string]any `json:"ending_report,omitempty"`
	NudgeTier                NudgeTier      `json:"nudge_tier,omitempty"`
}

// NpcEntry is the player's standing with one NPC. Tiers are derived
// fields, recomputed on every Normalize.
type NpcEntry struct {
	Affection     int        `json:"affection"`
	Trust         int        `json:"trust"`
	AffectionTier story.Tier `json:"affection_tier"`
	TrustTier     story.Tier `json:"trust_tier"`
	RelationTier  story.Tier `json:"relation_tier"`
}

// QuestState records quest progress. The kernel only reads Completed
// (for ending triggers); mutation is pack-driven via external status.
type QuestState struct {
	Completed []string `json:"completed,omitempty"`
	Active    []string `json:"active,omitempty"`
}

// State is the full mutable per-session state persisted as state_json.
// The JSON key set is stable; see the persisted-layout contract.
type State struct {
	Energy         int                 `json:"energy"`
	Money          int                 `json:"money"`
	Knowledge      int                 `json:"knowledge"`
	Affection      int                 `json:"affection"`
	Day            int                 `json:"day"`
	Slot           Slot                `json:"slot"`
	InventoryState map[string]any      `json:"inventory_state"`
	ExternalStatus map[string]any      `json:"external_status"`
	NpcState       map[string]NpcEntry `json:"npc_state"`
	QuestState     QuestState          `json:"quest_state"`
	RunState       RunState            `json:"run_state"`
}

// New builds the initial state for a fresh session on the given pack:
// engine stat defaults (optionally overridden by the pack), NPC entries
// seeded from their defs with tiers computed, zeroed run state.
func New(v *story.View) State {
	s := State{
		Energy:         EnergyMax,
		Money:          0,
		Knowledge:      0,
		Affection:      0,
		Day:            1,
		Slot:           SlotMorning,
		InventoryState: map[string]any{},
		ExternalStatus: map[string]any{},
		NpcState:       make(map[string]NpcEntry, len(v.Pack.NpcDefs)),
	}
	if init := v.Pack.InitialStats; init != nil {
		if init.Energy != nil {
			s.Energy = *init.Energy
		}
		if init.Money != nil {
			s.Money = *init.Money
		}
		if init.Knowledge != nil {
			s.Knowledge = *init.Knowledge
		}
		if init.Affection != nil {
			s.Affection = *init.Affection
		}
		if init.Day != nil {
			s.Day = *init.Day
		}
		if init.Slot != "" {
			s.Slot = Slot(init.Slot)
		}
	}
	for _, def := range v.Pack.NpcDefs {
		s.NpcState[def.ID] = npcEntry(def.InitialAffection, def.InitialTrust, &def)
	}
	return Normalize(s, v)
}

// Clone returns a deep copy. Kernel functions clone before mutating so
// callers can hold state_before and state_after side by side.
func (s State) Clone() State {
	out := s
	out.InventoryState = cloneAnyMap(s.InventoryState)
	out.ExternalStatus = cloneAnyMap(s.ExternalStatus)
	out.NpcState = make(map[string]NpcEntry, len(s.NpcState))
	for id, e := range s.NpcState {
		out.NpcState[id] = e
	}
	out.QuestState.Completed = append([]string(nil), s.QuestState.Completed...)
	out.QuestState.Active = append([]string(nil), s.QuestState.Active...)
	out.RunState.EndingReport = cloneAnyMap(s.RunState.EndingReport)
	return out
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneAny(v)
	}
	return out
}

func cloneAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneAnyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneAny(e)
		}
		return out
	default:
		return v
	}
}

// advanceSlot moves one slot forward, rolling into the next day after
// night.
func advanceSlot(s *State) {
	switch s.Slot {
	case SlotMorning:
		s.Slot = SlotAfternoon
	case SlotAfternoon:
		s.Slot = SlotNight
	default:
		s.Slot = SlotMorning
		s.Day++
	}
}

// NudgeFor grades the post-fallback nudge from the reason and the
// current streak length.
func NudgeFor(reason story.ReasonCode, consecutive int) NudgeTier {
	switch {
	case reason == story.ReasonInputPolicy || consecutive >= 3:
		return NudgeFirm
	case reason == story.ReasonLowConf || consecutive == 2:
		return NudgeNeutral
	default:
		return NudgeSoft
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
