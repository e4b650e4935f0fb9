package selection

import (
	"strconv"

	"github.com/storyloom/loom/pkg/ident"
	"github.com/storyloom/loom/pkg/story"
)

// pickFallback resolves which fallback actually runs when no specific
// one was chosen (or the chosen one was rejected). Authored recoveries
// win over engine defaults:
//
//  1. the model's pick, when it agrees with the reason
//  2. a pack-declared global fallback matching the reason
//  3. the node's own fallback
//  4. the engine default for the reason
//  5. a deterministic hash pick over the effective list
//
// Steps 2-4 encode pack-author precedence: a fallback the author wrote
// for this exact reason outranks the node's catch-all, and both outrank
// the engine defaults merged into the effective list; the hash pick only
// fires when no entry matches the reason at all. Every step is a pure
// function of (pack, node, reason, input, step_index), so retries and
// replays land on the same fallback.
func pickFallback(v *story.View, node *story.Node, reason story.ReasonCode, preferredID, input string, stepIndex int) *story.Fallback {
	if preferredID != "" {
		if fb := v.Fallback(preferredID); fb != nil && fb.ReasonCode == reason {
			return fb
		}
	}
	for _, declared := range v.Pack.GlobalFallbacks {
		if declared.ReasonCode == reason {
			// Resolve through the index to get the defaults-merged copy.
			if fb := v.Fallback(declared.ID); fb != nil {
				return fb
			}
		}
	}
	if node.NodeFallbackID != "" {
		if fb := v.Fallback(node.NodeFallbackID); fb != nil {
			return fb
		}
	}
	for i := range v.EffectiveFallbacks {
		if v.EffectiveFallbacks[i].ReasonCode == reason {
			return &v.EffectiveFallbacks[i]
		}
	}
	idx := ident.PickIndex(len(v.EffectiveFallbacks), node.ID, input, strconv.Itoa(stepIndex), string(reason))
	return &v.EffectiveFallbacks[idx]
}
