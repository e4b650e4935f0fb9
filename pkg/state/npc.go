package state

import "github.com/storyloom/loom/pkg/story"

// TierFor maps a raw axis value onto a relationship tier using the
// pack's four ascending thresholds t0..t3:
//
//	v <  t0        Hostile
//	t0 <= v < t1   Wary
//	t1 <= v < t2   Neutral
//	t2 <= v < t3   Warm
//	v >= t3        Close
func TierFor(v int, thresholds [4]int) story.Tier {
	switch {
	case v < thresholds[0]:
		return story.TierHostile
	case v < thresholds[1]:
		return story.TierWary
	case v < thresholds[2]:
		return story.TierNeutral
	case v < thresholds[3]:
		return story.TierWarm
	default:
		return story.TierClose
	}
}

// npcEntry builds an entry from raw axis values, clamped, with all
// three tiers derived from the def's thresholds.
func npcEntry(affection, trust int, def *story.NpcDef) NpcEntry {
	e := NpcEntry{
		Affection: clamp(affection, AffectionMin, AffectionMax),
		Trust:     clamp(trust, AffectionMin, AffectionMax),
	}
	e.AffectionTier = TierFor(e.Affection, def.AffectionThresholds)
	e.TrustTier = TierFor(e.Trust, def.TrustThresholds)
	e.RelationTier = story.Weaker(e.AffectionTier, e.TrustTier)
	return e
}

// refreshNpcTiers reclamps axis values and rederives tiers for every
// NPC that still has a def in the pack. Entries for NPCs the pack no
// longer declares keep their stored tiers.
func refreshNpcTiers(s *State, v *story.View) {
	for id, e := range s.NpcState {
		def := v.Npc(id)
		if def == nil {
			e.Affection = clamp(e.Affection, AffectionMin, AffectionMax)
			e.Trust = clamp(e.Trust, AffectionMin, AffectionMax)
			s.NpcState[id] = e
			continue
		}
		s.NpcState[id] = npcEntry(e.Affection, e.Trust, def)
	}
}
