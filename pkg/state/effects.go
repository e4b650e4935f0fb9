package state

import (
	"github.com/storyloom/loom/pkg/story"
)

// AppliedEffect is one range effect after tier resolution, echoed into
// the action log and the step response.
type AppliedEffect struct {
	TargetType string `json:"target_type"`
	Metric     string `json:"metric"`
	Center     int    `json:"center"`
	Intensity  int    `json:"intensity"`
	TargetID   string `json:"target_id,omitempty"`
	Tier       int    `json:"tier"`
	Delta      int    `json:"delta"`
}

// ApplyRangeEffects resolves each effect at the given tier and applies
// it to a copy of s. The tier is clamped to [TierMin, TierMax] before
// resolution. It returns the new state, the per-metric delta map (keys
// are the bare metric for player effects, "<npc_id>.<metric>" for NPC
// effects) and the echoed applied-effect list. An empty effect list is
// a strict no-op: the input state comes back unchanged alongside an
// empty delta map and a nil list. Effects that cannot be resolved
// (unknown metric, unknown NPC) are skipped and not echoed.
//
// Values are not reclamped here; the caller normalizes once per phase
// so intermediate sums stay exact.
func ApplyRangeEffects(s State, v *story.View, effects []story.RangeEffect, tier int) (State, map[string]int, []AppliedEffect) {
	deltas := map[string]int{}
	if len(effects) == 0 {
		return s, deltas, nil
	}
	tier = clamp(tier, TierMin, TierMax)

	out := s.Clone()
	applied := make([]AppliedEffect, 0, len(effects))
	for _, eff := range effects {
		delta := eff.Center + tier*eff.Intensity
		key := eff.Metric
		var ok bool
		switch eff.TargetType {
		case "npc":
			if eff.TargetID == "" {
				continue
			}
			ok = applyNpcDelta(&out, v, eff.TargetID, eff.Metric, delta)
			key = eff.TargetID + "." + eff.Metric
		default:
			ok = applyPlayerDelta(&out, eff.Metric, delta)
		}
		if !ok {
			continue
		}
		deltas[key] += delta
		applied = append(applied, AppliedEffect{
			TargetType: eff.TargetType,
			Metric:     eff.Metric,
			Center:     eff.Center,
			Intensity:  eff.Intensity,
			TargetID:   eff.TargetID,
			Tier:       tier,
			Delta:      delta,
		})
	}
	return out, deltas, applied
}

func applyPlayerDelta(s *State, metric string, delta int) bool {
	switch metric {
	case "energy":
		s.Energy += delta
	case "money":
		s.Money += delta
	case "knowledge":
		s.Knowledge += delta
	case "affection":
		s.Affection += delta
	case "day":
		s.Day += delta
	default:
		return false
	}
	return true
}

func applyNpcDelta(s *State, v *story.View, npcID, metric string, delta int) bool {
	entry, ok := s.NpcState[npcID]
	if !ok {
		def := v.Npc(npcID)
		if def == nil {
			return false
		}
		entry = npcEntry(def.InitialAffection, def.InitialTrust, def)
	}
	switch metric {
	case "affection":
		entry.Affection += delta
	case "trust":
		entry.Trust += delta
	default:
		return false
	}
	s.NpcState[npcID] = entry
	return true
}

// statValue reads a player metric by name for ending-trigger checks.
func statValue(s State, metric string) (int, bool) {
	switch metric {
	case "energy":
		return s.Energy, true
	case "money":
		return s.Money, true
	case "knowledge":
		return s.Knowledge, true
	case "affection":
		return s.Affection, true
	case "day":
		return s.Day, true
	case "step_index":
		return s.RunState.StepIndex, true
	case "fallback_count":
		return s.RunState.FallbackCount, true
	}
	return 0, false
}
