package story

import (
	"fmt"
	"sort"

	"dario.cat/mergo"
)

// TimeoutEndingID names the ending synthesized when a run exceeds the
// pack's max_days or max_steps without reaching a configured ending.
const TimeoutEndingID = "__timeout__"

// defaultFallbacks returns the builtin recovery paths, one per reason
// code. Packs override per reason; unset fields inherit these values.
func defaultFallbacks() []Fallback {
	return []Fallback{
		{
			ID:         "fallback:no_match",
			ReasonCode: ReasonNoMatch,
			Text:       "Nothing around you answers to that. The moment slips by.",
			RangeEffects: []RangeEffect{
				{TargetType: "player", Metric: "energy", Center: -1, Intensity: 1},
			},
		},
		{
			ID:         "fallback:low_conf",
			ReasonCode: ReasonLowConf,
			Text:       "You hesitate, unsure how that fits what is in front of you.",
			RangeEffects: []RangeEffect{
				{TargetType: "player", Metric: "energy", Center: -1, Intensity: 1},
			},
		},
		{
			ID:         "fallback:input_policy",
			ReasonCode: ReasonInputPolicy,
			Text:       "The story does not bend that way. The scene stands firm.",
			RangeEffects: []RangeEffect{
				{TargetType: "player", Metric: "energy", Center: -2, Intensity: 1},
			},
		},
		{
			ID:         "fallback:off_topic",
			ReasonCode: ReasonOffTopic,
			Text:       "That is beside the point right now; the day pulls you back.",
			RangeEffects: []RangeEffect{
				{TargetType: "player", Metric: "energy", Center: -1, Intensity: 1},
			},
		},
	}
}

// defaultEndings returns the builtin ending set. Only the timeout ending
// ships by default; packs add their own and may override its copy.
func defaultEndings() []EndingDef {
	return []EndingDef{
		{
			ID:       TimeoutEndingID,
			Title:    "Out of Time",
			Priority: 9999,
			Outcome:  OutcomeNeutral,
			Camp:     CampWorld,
		},
	}
}

// effectiveFallbacks merges pack fallbacks over the builtin defaults.
// Pack entries come first in pack order; builtin defaults fill reason
// codes the pack does not cover. Pack entries inherit unset fields from
// the default of the same reason code.
func effectiveFallbacks(p *Pack) ([]Fallback, error) {
	defaults := defaultFallbacks()
	defaultByReason := make(map[ReasonCode]Fallback, len(defaults))
	for _, fb := range defaults {
		defaultByReason[fb.ReasonCode] = fb
	}

	covered := make(map[ReasonCode]bool, len(p.GlobalFallbacks))
	out := make([]Fallback, 0, len(p.GlobalFallbacks)+len(defaults))
	for _, fb := range p.GlobalFallbacks {
		if def, ok := defaultByReason[fb.ReasonCode]; ok {
			// Inherit text/effects the pack left empty. Ids and targets
			// belong to the pack entry and are never overwritten.
			def.ID, def.TargetNodeID, def.EndingID = "", "", ""
			if err := mergo.Merge(&fb, def); err != nil {
				return nil, fmt.Errorf("merge fallback %q: %w", fb.ID, err)
			}
		}
		covered[fb.ReasonCode] = true
		out = append(out, fb)
	}
	for _, rc := range AllReasonCodes {
		if !covered[rc] {
			out = append(out, defaultByReason[rc])
		}
	}
	return out, nil
}

// effectiveEndings merges pack endings over the builtin defaults by id
// and returns them sorted by ascending (priority, id), the order the
// kernel evaluates triggers in.
func effectiveEndings(p *Pack) ([]EndingDef, error) {
	defaults := defaultEndings()
	defaultByID := make(map[string]EndingDef, len(defaults))
	for _, ed := range defaults {
		defaultByID[ed.ID] = ed
	}

	covered := make(map[string]bool, len(p.EndingDefs))
	out := make([]EndingDef, 0, len(p.EndingDefs)+len(defaults))
	for _, ed := range p.EndingDefs {
		if def, ok := defaultByID[ed.ID]; ok {
			if err := mergo.Merge(&ed, def); err != nil {
				return nil, fmt.Errorf("merge ending %q: %w", ed.ID, err)
			}
		}
		covered[ed.ID] = true
		out = append(out, ed)
	}
	for _, ed := range defaults {
		if !covered[ed.ID] {
			out = append(out, ed)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
