package state

import (
	"slices"

	"github.com/storyloom/loom/pkg/story"
)

// Resolution is the outcome of an ending check.
type Resolution struct {
	Ending  *story.EndingDef
	Outcome story.Outcome
	Camp    story.Camp
	Timeout bool
}

// ResolveRunEnding decides whether the run ends at the given position.
// It is idempotent: an already-ended run resolves to its recorded
// ending. Otherwise the effective endings are scanned in (priority, id)
// order and the first trigger satisfied by the state wins; if none
// fires, the run-timeout bounds are checked last.
func ResolveRunEnding(s State, v *story.View, nodeID string) (Resolution, bool) {
	if s.RunState.RunEnded {
		return Resolution{
			Ending:  v.Ending(s.RunState.EndingID),
			Outcome: s.RunState.EndingOutcome,
			Camp:    s.RunState.EndingCamp,
		}, true
	}
	for i := range v.EffectiveEndings {
		def := &v.EffectiveEndings[i]
		if def.Trigger == nil {
			continue
		}
		if triggerFires(s, nodeID, def.Trigger) {
			return Resolution{Ending: def, Outcome: def.Outcome, Camp: def.Camp}, true
		}
	}
	if timedOut(s, v) {
		def := v.Ending(story.TimeoutEndingID)
		res := Resolution{Ending: def, Timeout: true, Outcome: story.OutcomeNeutral, Camp: story.CampWorld}
		if def != nil {
			res.Outcome = def.Outcome
			res.Camp = def.Camp
		}
		if v.Pack.DefaultTimeoutOutcome != "" {
			res.Outcome = v.Pack.DefaultTimeoutOutcome
		}
		return res, true
	}
	return Resolution{}, false
}

func triggerFires(s State, nodeID string, t *story.EndingTrigger) bool {
	if t.NodeID != "" && t.NodeID != nodeID {
		return false
	}
	if t.DayAtLeast > 0 && s.Day < t.DayAtLeast {
		return false
	}
	for _, req := range t.Stats {
		val, ok := statValue(s, req.Metric)
		if !ok {
			return false
		}
		if req.AtLeast != nil && val < *req.AtLeast {
			return false
		}
		if req.AtMost != nil && val > *req.AtMost {
			return false
		}
	}
	for _, quest := range t.CompletedQuests {
		if !slices.Contains(s.QuestState.Completed, quest) {
			return false
		}
	}
	return true
}

func timedOut(s State, v *story.View) bool {
	if v.Pack.MaxDays > 0 && s.Day > v.Pack.MaxDays {
		return true
	}
	if v.Pack.MaxSteps > 0 && s.RunState.StepIndex >= v.Pack.MaxSteps {
		return true
	}
	return false
}

// ForcedEndingID returns the pack's forced-fallback ending when the
// consecutive-fallback streak has reached the threshold. Empty means
// the guard is not triggered (or the pack does not configure one).
func ForcedEndingID(s State, v *story.View, defaultThreshold int) string {
	id := v.Pack.FallbackPolicy.ForcedFallbackEndingID
	if id == "" {
		return ""
	}
	if s.RunState.ConsecutiveFallbackCount >= v.ForcedFallbackThreshold(defaultThreshold) {
		return id
	}
	return ""
}

// WithEnding marks a copy of s as ended with the given resolution and
// report. Calling it on an already-ended state is a no-op.
func WithEnding(s State, endingID string, outcome story.Outcome, camp story.Camp, report map[string]any) State {
	if s.RunState.RunEnded {
		return s
	}
	out := s.Clone()
	out.RunState.RunEnded = true
	out.RunState.EndingID = endingID
	out.RunState.EndingOutcome = outcome
	out.RunState.EndingCamp = camp
	out.RunState.EndingReport = cloneAnyMap(report)
	return out
}
