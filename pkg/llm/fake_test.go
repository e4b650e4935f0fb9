package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/loom/pkg/story"
)

func selectionPayload() SelectionPayload {
	return SelectionPayload{
		SceneBrief:  "The campus quad at midday.",
		PlayerInput: "",
		VisibleChoices: []TargetOption{
			{ID: "c_study", Text: "Head to the library and study"},
			{ID: "c_work", Text: "Take a shift at the cafe"},
		},
		AvailableFallbacks: []TargetOption{
			{ID: "fallback:no_match", ReasonCode: story.ReasonNoMatch},
			{ID: "fallback:off_topic", ReasonCode: story.ReasonOffTopic},
			{ID: "fallback:input_policy", ReasonCode: story.ReasonInputPolicy},
		},
		Confidence: ConfidencePolicy{High: 0.75, Low: 0.35},
	}
}

func TestFakeSelection_Deterministic(t *testing.T) {
	ctx := context.Background()
	client := NewFake()

	tests := []struct {
		name         string
		input        string
		policyFlag   bool
		wantDecision DecisionCode
		wantTarget   string
		minConf      float64
	}{
		{
			name:         "choice id match",
			input:        "c_study",
			wantDecision: DecisionSelectChoice,
			wantTarget:   "c_study",
			minConf:      0.9,
		},
		{
			name:         "choice text match",
			input:        "go to the library and study hard",
			wantDecision: DecisionSelectChoice,
			wantTarget:   "c_study",
			minConf:      0.9,
		},
		{
			name:         "off topic marker",
			input:        "sing off_topic",
			wantDecision: DecisionFallbackOffTopic,
			wantTarget:   "fallback:off_topic",
		},
		{
			name:         "input policy flag wins",
			input:        "c_study",
			policyFlag:   true,
			wantDecision: DecisionFallbackInputPolicy,
			wantTarget:   "fallback:input_policy",
		},
		{
			name:         "gibberish maps to no match",
			input:        "xyzzy plugh",
			wantDecision: DecisionFallbackNoMatch,
			wantTarget:   "fallback:no_match",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := selectionPayload()
			p.PlayerInput = tt.input
			p.InputPolicyFlag = tt.policyFlag

			first, err := MapFreeInput(ctx, client, p)
			require.NoError(t, err)
			second, err := MapFreeInput(ctx, client, p)
			require.NoError(t, err)
			assert.Equal(t, first, second, "fake must be deterministic")

			assert.Equal(t, tt.wantDecision, first.DecisionCode)
			assert.Equal(t, tt.wantTarget, first.TargetID)
			if tt.minConf > 0 {
				assert.GreaterOrEqual(t, first.Confidence, tt.minConf)
			}
		})
	}
}

func TestFakeSelection_LowConfMarker(t *testing.T) {
	p := selectionPayload()
	p.PlayerInput = "something low_conf maybe"

	res, err := MapFreeInput(context.Background(), NewFake(), p)
	require.NoError(t, err)
	assert.Equal(t, DecisionSelectChoice, res.DecisionCode)
	assert.Equal(t, "c_study", res.TargetID)
	assert.InDelta(t, 0.5, res.Confidence, 0.001, "confidence must sit between low and high")
}

func TestFakeEndingBundle_EchoesStats(t *testing.T) {
	payload := EndingBundlePayload{
		StoryTitle:    "Campus Week",
		EndingID:      "ending_forced_fail",
		EndingTitle:   "The Week Gets Away From You",
		Outcome:       story.OutcomeFail,
		Camp:          story.CampWorld,
		PromptProfile: "ending_bundle_default",
		Stats:         map[string]any{"total_steps": 3, "fallback_count": 3},
	}

	res, err := EndingBundle(context.Background(), NewFake(), payload)
	require.NoError(t, err)
	assert.NotEmpty(t, res.NarrativeText)

	stats, ok := res.EndingReport["stats"].(map[string]any)
	require.True(t, ok, "report must carry a stats object")
	assert.EqualValues(t, 3, stats["total_steps"])
}

func TestFakeNarrative_DeltasConcatenate(t *testing.T) {
	user := `{"schema":"story_narrative_v1","scene_brief":"Long tables, low lamps.","executed_text":"Head to the library and study","executed_id":"c_study"}`

	var got string
	text, err := NewFake().Narrative(context.Background(), "system", user, func(d string) { got += d })
	require.NoError(t, err)
	assert.Equal(t, text, got, "deltas must concatenate to the returned text")
	assert.Contains(t, text, "library")
}

func TestFakeNarrative_NudgeVariants(t *testing.T) {
	soft := `{"schema":"story_narrative_v1","scene_brief":"The quad.","executed_id":"fallback:off_topic","fallback_used":true,"nudge_tier":"soft"}`
	firm := `{"schema":"story_narrative_v1","scene_brief":"The quad.","executed_id":"fallback:off_topic","fallback_used":true,"nudge_tier":"firm"}`

	softText, err := NewFake().Narrative(context.Background(), "s", soft, nil)
	require.NoError(t, err)
	firmText, err := NewFake().Narrative(context.Background(), "s", firm, nil)
	require.NoError(t, err)
	assert.NotEqual(t, softText, firmText, "nudge tier must shade the narration")
}
