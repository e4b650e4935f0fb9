package story

import (
	"errors"
	"fmt"
)

// validatePack checks structural integrity of a pack against its
// resolved view. All problems are reported at once so authors fix a
// broken pack in one round.
func validatePack(p *Pack, v *View) error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if p.StoryID == "" {
		fail("story_id is required")
	}
	if p.Version < 1 {
		fail("version must be >= 1")
	}
	if len(p.Nodes) == 0 {
		fail("at least one node is required")
	}
	if _, ok := v.NodeByID[p.StartNodeID]; !ok {
		fail("start_node_id %q does not resolve to a node", p.StartNodeID)
	}

	seenNodes := make(map[string]bool, len(p.Nodes))
	for _, n := range p.Nodes {
		if n.ID == "" {
			fail("node with empty id")
			continue
		}
		if seenNodes[n.ID] {
			fail("duplicate node id %q", n.ID)
		}
		seenNodes[n.ID] = true

		if n.NodeFallbackID != "" {
			if _, ok := v.FallbackByID[n.NodeFallbackID]; !ok {
				fail("node %q: node_fallback_id %q unknown", n.ID, n.NodeFallbackID)
			}
		}

		seenChoices := make(map[string]bool, len(n.Choices))
		for _, c := range n.Choices {
			if c.ID == "" {
				fail("node %q: choice with empty id", n.ID)
				continue
			}
			if seenChoices[c.ID] {
				fail("node %q: duplicate choice id %q", n.ID, c.ID)
			}
			seenChoices[c.ID] = true
			if c.NextNodeID != "" {
				if _, ok := v.NodeByID[c.NextNodeID]; !ok {
					fail("choice %q: next_node_id %q unknown", c.ID, c.NextNodeID)
				}
			}
			if c.EndingID != "" {
				if _, ok := v.EndingByID[c.EndingID]; !ok {
					fail("choice %q: ending_id %q unknown", c.ID, c.EndingID)
				}
			}
			for _, g := range c.Gates {
				if _, ok := v.NpcByID[g.NpcID]; !ok {
					fail("choice %q: gate npc %q unknown", c.ID, g.NpcID)
				}
				switch g.Axis {
				case "affection", "trust", "relation":
				default:
					fail("choice %q: gate axis %q invalid", c.ID, g.Axis)
				}
				if g.MinTier.Rank() < 0 {
					fail("choice %q: gate min_tier %q invalid", c.ID, g.MinTier)
				}
			}
			for _, npcID := range c.ReactiveNpcIDs {
				if _, ok := v.NpcByID[npcID]; !ok {
					fail("choice %q: reactive npc %q unknown", c.ID, npcID)
				}
			}
		}
	}

	for _, fb := range v.EffectiveFallbacks {
		if fb.ID == "" {
			fail("fallback with empty id")
			continue
		}
		if !fb.ReasonCode.Valid() {
			fail("fallback %q: reason_code %q invalid", fb.ID, fb.ReasonCode)
		}
		if fb.TargetNodeID != "" {
			if _, ok := v.NodeByID[fb.TargetNodeID]; !ok {
				fail("fallback %q: target_node_id %q unknown", fb.ID, fb.TargetNodeID)
			}
		}
		if fb.EndingID != "" {
			if _, ok := v.EndingByID[fb.EndingID]; !ok {
				fail("fallback %q: ending_id %q unknown", fb.ID, fb.EndingID)
			}
		}
	}

	for _, npc := range p.NpcDefs {
		if npc.ID == "" {
			fail("npc with empty id")
			continue
		}
		if !ascending(npc.AffectionThresholds) {
			fail("npc %q: affection_thresholds must be strictly ascending", npc.ID)
		}
		if !ascending(npc.TrustThresholds) {
			fail("npc %q: trust_thresholds must be strictly ascending", npc.ID)
		}
		if npc.ReactionPolicyID != "" {
			if _, ok := v.PolicyByID[npc.ReactionPolicyID]; !ok {
				fail("npc %q: reaction_policy_id %q unknown", npc.ID, npc.ReactionPolicyID)
			}
		}
	}

	for _, pol := range p.ReactionPolicies {
		for i, rule := range pol.Rules {
			switch rule.Source {
			case "choice", "fallback", "any":
			default:
				fail("policy %q rule %d: source %q invalid", pol.ID, i, rule.Source)
			}
			for _, t := range rule.RelationTiers {
				if t.Rank() < 0 {
					fail("policy %q rule %d: relation tier %q invalid", pol.ID, i, t)
				}
			}
		}
	}

	if id := p.FallbackPolicy.ForcedFallbackEndingID; id != "" {
		if _, ok := v.EndingByID[id]; !ok {
			fail("fallback_policy: forced_fallback_ending_id %q unknown", id)
		}
	}
	if p.FallbackPolicy.ForcedFallbackThreshold < 0 {
		fail("fallback_policy: forced_fallback_threshold must be >= 0")
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("pack %s v%d: %w", p.StoryID, p.Version, errors.Join(errs...))
}

func ascending(t [4]int) bool {
	return t[0] < t[1] && t[1] < t[2] && t[2] < t[3]
}
