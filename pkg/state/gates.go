package state

import (
	"fmt"

	"github.com/storyloom/loom/pkg/story"
)

// EvaluateGates checks every gate rule against the current NPC state.
// A choice is available only when all rules pass; the first failing
// rule supplies a human-readable locked reason. Gates on NPCs absent
// from the state fail closed.
func EvaluateGates(s State, gates []story.GateRule) (available bool, lockedReason string) {
	for _, g := range gates {
		entry, ok := s.NpcState[g.NpcID]
		if !ok {
			return false, fmt.Sprintf("requires %s %s at %s or above", g.NpcID, g.Axis, g.MinTier)
		}
		var have story.Tier
		switch g.Axis {
		case "affection":
			have = entry.AffectionTier
		case "trust":
			have = entry.TrustTier
		default:
			have = entry.RelationTier
		}
		if have.Rank() < g.MinTier.Rank() {
			return false, fmt.Sprintf("requires %s %s at %s or above", g.NpcID, g.Axis, g.MinTier)
		}
	}
	return true, ""
}
