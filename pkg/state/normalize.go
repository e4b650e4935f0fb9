package state

import "github.com/storyloom/loom/pkg/story"

// Normalize clamps every stat into its declared range, repairs calendar
// fields, rederives NPC tiers from the pack thresholds and guarantees
// the map-valued keys are non-nil. It is idempotent: applying it twice
// yields the same state as applying it once.
func Normalize(s State, v *story.View) State {
	out := s.Clone()

	out.Energy = clamp(out.Energy, EnergyMin, EnergyMax)
	out.Money = clamp(out.Money, MoneyMin, MoneyMax)
	out.Knowledge = clamp(out.Knowledge, KnowledgeMin, KnowledgeMax)
	out.Affection = clamp(out.Affection, AffectionMin, AffectionMax)

	if out.Day < 1 {
		out.Day = 1
	}
	switch out.Slot {
	case SlotMorning, SlotAfternoon, SlotNight:
	default:
		out.Slot = SlotMorning
	}

	if out.InventoryState == nil {
		out.InventoryState = map[string]any{}
	}
	if out.ExternalStatus == nil {
		out.ExternalStatus = map[string]any{}
	}
	if out.NpcState == nil {
		out.NpcState = map[string]NpcEntry{}
	}
	refreshNpcTiers(&out, v)

	if out.RunState.StepIndex < 0 {
		out.RunState.StepIndex = 0
	}
	if out.RunState.FallbackCount < 0 {
		out.RunState.FallbackCount = 0
	}
	if out.RunState.ConsecutiveFallbackCount < 0 {
		out.RunState.ConsecutiveFallbackCount = 0
	}
	return out
}
