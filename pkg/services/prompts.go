package services

import (
	"encoding/json"
	"fmt"

	"github.com/storyloom/loom/pkg/llm"
	"github.com/storyloom/loom/pkg/selection"
	"github.com/storyloom/loom/pkg/state"
	"github.com/storyloom/loom/pkg/story"
)

// DefaultNarrationLanguage is used when STORY_NARRATION_LANGUAGE is
// unset.
const DefaultNarrationLanguage = "English"

// narrationSystemPrompt renders the system message for the streaming
// narration channel.
func narrationSystemPrompt(language string) string {
	if language == "" {
		language = DefaultNarrationLanguage
	}
	return fmt.Sprintf(`You narrate one step of an interactive story in second person.
The user message is a JSON document describing the scene and the action that was executed.
Write in %s. Two to four sentences of prose, no lists, no markdown, no meta commentary.
When fallback_used is true, fold the nudge back toward the listed options into the prose, graded by nudge_tier.
When outcome is set this is the closing beat of the run; give it finality.`, language)
}

// narrationUserPayload packs the executed decision into the narration
// payload the boundary (real or fake) renders from.
func narrationUserPayload(node *story.Node, sel selection.Result, st state.State) (string, error) {
	p := llm.NarrativePayload{
		Schema:         llm.SchemaNarrativeV1,
		SceneBrief:     node.Brief,
		PlayerInput:    sel.NormalizedInput,
		ExecutedID:     sel.ExecutedID,
		FallbackUsed:   sel.FallbackUsed,
		FallbackReason: sel.FallbackReason,
		NudgeTier:      string(st.RunState.NudgeTier),
	}
	if sel.Choice != nil {
		p.ExecutedText = sel.Choice.Text
	}
	if sel.Fallback != nil {
		p.ExecutedText = sel.Fallback.Text
	}
	if st.RunState.RunEnded {
		p.Outcome = st.RunState.EndingOutcome
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode narration payload: %w", err)
	}
	return string(raw), nil
}

// runStats is the statistics block fed to the ending bundle and echoed
// back in its report.
func runStats(st state.State) map[string]any {
	return map[string]any{
		"total_steps":    st.RunState.StepIndex,
		"fallback_count": st.RunState.FallbackCount,
		"day":            st.Day,
		"energy":         st.Energy,
		"money":          st.Money,
		"knowledge":      st.Knowledge,
		"affection":      st.Affection,
	}
}
