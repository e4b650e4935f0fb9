package state

import "github.com/storyloom/loom/pkg/story"

// Transition sources, used to match reaction rules.
const (
	SourceChoice   = "choice"
	SourceFallback = "fallback"
)

// TransitionInput carries everything a committed step mutates state
// with: the resolved primary effects, the intensity tier, the fallback
// bookkeeping and the NPCs that react back.
type TransitionInput struct {
	Effects        []story.RangeEffect
	Tier           int
	Source         string // SourceChoice or SourceFallback
	FallbackReason story.ReasonCode
	ReactiveNpcIDs []string
}

// ApplyTransition advances a copy of s by one committed step:
//
//  1. step bookkeeping: step_index, fallback counters, nudge tier,
//     slot (night rolls into the next morning)
//  2. the primary range effects at the input tier
//  3. normalization, so reaction rules match on refreshed tiers
//  4. back-reactions for each reactive NPC, applied at tier 0
//  5. final normalization
//
// The returned delta map and applied list cover both effect phases.
func ApplyTransition(s State, v *story.View, in TransitionInput) (State, map[string]int, []AppliedEffect) {
	out := s.Clone()

	out.RunState.StepIndex++
	if in.Source == SourceFallback {
		out.RunState.FallbackCount++
		out.RunState.ConsecutiveFallbackCount++
		out.RunState.NudgeTier = NudgeFor(in.FallbackReason, out.RunState.ConsecutiveFallbackCount)
	} else {
		out.RunState.ConsecutiveFallbackCount = 0
		out.RunState.NudgeTier = ""
	}
	advanceSlot(&out)

	out, deltas, applied := ApplyRangeEffects(out, v, in.Effects, in.Tier)
	out = Normalize(out, v)

	for _, npcID := range in.ReactiveNpcIDs {
		effects := reactionEffects(out, v, npcID, in.Source)
		if len(effects) == 0 {
			continue
		}
		var rd map[string]int
		var ra []AppliedEffect
		out, rd, ra = ApplyRangeEffects(out, v, effects, 0)
		for k, d := range rd {
			deltas[k] += d
		}
		applied = append(applied, ra...)
	}
	return Normalize(out, v), deltas, applied
}

// reactionEffects picks the first reaction rule matching the NPC's
// current relation tier and the step source, and resolves effect
// targets: an NPC effect with no target id falls back to the reacting
// NPC itself.
func reactionEffects(s State, v *story.View, npcID, source string) []story.RangeEffect {
	policy := v.ReactionPolicyFor(npcID)
	if policy == nil {
		return nil
	}
	entry, ok := s.NpcState[npcID]
	if !ok {
		return nil
	}
	for _, rule := range policy.Rules {
		if rule.Source != "any" && rule.Source != source {
			continue
		}
		if !tierMatches(rule.RelationTiers, entry.RelationTier) {
			continue
		}
		effects := make([]story.RangeEffect, len(rule.Effects))
		copy(effects, rule.Effects)
		for i := range effects {
			if effects[i].TargetType == "npc" && effects[i].TargetID == "" {
				effects[i].TargetID = npcID
			}
		}
		return effects
	}
	return nil
}

func tierMatches(want []story.Tier, have story.Tier) bool {
	if len(want) == 0 {
		return true
	}
	for _, t := range want {
		if t == have {
			return true
		}
	}
	return false
}
