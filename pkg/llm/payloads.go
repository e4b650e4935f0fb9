package llm

import (
	"context"
	"encoding/json"

	"github.com/storyloom/loom/pkg/story"
)

// DecisionCode is the structured mapping verdict returned by the model
// (or synthesized by the resolver).
type DecisionCode string

const (
	DecisionSelectChoice        DecisionCode = "SELECT_CHOICE"
	DecisionFallbackNoMatch     DecisionCode = "FALLBACK_NO_MATCH"
	DecisionFallbackLowConf     DecisionCode = "FALLBACK_LOW_CONF"
	DecisionFallbackOffTopic    DecisionCode = "FALLBACK_OFF_TOPIC"
	DecisionFallbackInputPolicy DecisionCode = "FALLBACK_INPUT_POLICY"
)

// FallbackDecisionFor maps a fallback reason to its decision code.
func FallbackDecisionFor(reason story.ReasonCode) DecisionCode {
	switch reason {
	case story.ReasonLowConf:
		return DecisionFallbackLowConf
	case story.ReasonInputPolicy:
		return DecisionFallbackInputPolicy
	case story.ReasonOffTopic:
		return DecisionFallbackOffTopic
	default:
		return DecisionFallbackNoMatch
	}
}

// TargetOption is one selectable target offered to the mapper.
type TargetOption struct {
	ID         string           `json:"id"`
	Text       string           `json:"text"`
	ReasonCode story.ReasonCode `json:"reason_code,omitempty"` // fallbacks only
}

// ConfidencePolicy carries the acceptance thresholds, low <= high.
type ConfidencePolicy struct {
	High float64 `json:"high"`
	Low  float64 `json:"low"`
}

// RetryContext is attached on mapping attempts >= 2 so the model can
// see what went wrong and which targets are admissible.
type RetryContext struct {
	Attempt          int      `json:"attempt"`
	PreviousError    string   `json:"previous_error"`
	AllowedTargetIDs []string `json:"allowed_target_ids"`
}

// SelectionPayload is the user payload of a map_free_input_v3 call.
type SelectionPayload struct {
	SceneBrief         string           `json:"scene_brief"`
	PlayerInput        string           `json:"player_input"`
	VisibleChoices     []TargetOption   `json:"visible_choices"`
	AvailableFallbacks []TargetOption   `json:"available_fallbacks"`
	InputPolicyFlag    bool             `json:"input_policy_flag"`
	Confidence         ConfidencePolicy `json:"confidence"`
	RetryContext       *RetryContext    `json:"retry_context,omitempty"`
}

// SelectionCandidate is one alternative the model considered.
type SelectionCandidate struct {
	TargetID   string  `json:"target_id"`
	TargetType string  `json:"target_type,omitempty"`
	Confidence float64 `json:"confidence"`
}

// SelectionResult is the schema-validated mapping decision.
type SelectionResult struct {
	DecisionCode       DecisionCode         `json:"decision_code"`
	TargetType         string               `json:"target_type"`
	TargetID           string               `json:"target_id,omitempty"`
	Confidence         float64              `json:"confidence"`
	IntensityTier      int                  `json:"intensity_tier"`
	FallbackReasonCode story.ReasonCode     `json:"fallback_reason_code,omitempty"`
	Candidates         []SelectionCandidate `json:"candidates,omitempty"`
}

// EndingBundlePayload is the user payload of an ending-bundle call.
type EndingBundlePayload struct {
	StoryTitle    string         `json:"story_title"`
	EndingID      string         `json:"ending_id"`
	EndingTitle   string         `json:"ending_title,omitempty"`
	Outcome       story.Outcome  `json:"outcome"`
	Camp          story.Camp     `json:"camp,omitempty"`
	PromptProfile string         `json:"prompt_profile"`
	SceneBrief    string         `json:"scene_brief,omitempty"`
	Stats         map[string]any `json:"stats"`
	Timeout       bool           `json:"timeout,omitempty"`
}

// EndingBundleResult is the schema-validated bundle response.
type EndingBundleResult struct {
	NarrativeText string         `json:"narrative_text"`
	EndingReport  map[string]any `json:"ending_report"`
}

// NarrativePayload is the user payload of a narration call. Real mode
// renders it as context for the prompt; fake mode synthesizes the text
// from it.
type NarrativePayload struct {
	Schema         string           `json:"schema"`
	SceneBrief     string           `json:"scene_brief"`
	PlayerInput    string           `json:"player_input,omitempty"`
	ExecutedText   string           `json:"executed_text,omitempty"`
	ExecutedID     string           `json:"executed_id"`
	FallbackUsed   bool             `json:"fallback_used"`
	FallbackReason story.ReasonCode `json:"fallback_reason,omitempty"`
	NudgeTier      string           `json:"nudge_tier,omitempty"`
	Outcome        story.Outcome    `json:"outcome,omitempty"`
}

// MapFreeInput performs one structured mapping attempt. The resolver
// owns the retry loop, so the transport attempt count is 1.
func MapFreeInput(ctx context.Context, c Client, payload SelectionPayload) (SelectionResult, error) {
	user, err := json.Marshal(payload)
	if err != nil {
		return SelectionResult{}, unavailablef("marshal selection payload")
	}
	raw, err := c.CallStructured(ctx, SelectionSchema, selectionSystemPrompt, string(user), 1)
	if err != nil {
		return SelectionResult{}, err
	}
	var result SelectionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return SelectionResult{}, unavailablef("%s: decode validated response", SchemaSelectionMappingV3)
	}
	return result, nil
}

// EndingBundle requests the combined final narration and report, with
// up to 3 transport retries.
func EndingBundle(ctx context.Context, c Client, payload EndingBundlePayload) (EndingBundleResult, error) {
	user, err := json.Marshal(payload)
	if err != nil {
		return EndingBundleResult{}, unavailablef("marshal ending payload")
	}
	raw, err := c.CallStructured(ctx, EndingBundleSchema, endingSystemPrompt, string(user), 3)
	if err != nil {
		return EndingBundleResult{}, err
	}
	var result EndingBundleResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return EndingBundleResult{}, unavailablef("%s: decode validated response", SchemaEndingBundleV1)
	}
	return result, nil
}

const selectionSystemPrompt = `You map a player's free-form input onto the current scene of an interactive story.
The user message is a JSON document with the scene brief, the player input, the visible choices and the available fallbacks.
Decide which single target the input means. Respond ONLY with a JSON object of this exact shape, no markdown:
{"decision_code": "SELECT_CHOICE|FALLBACK_NO_MATCH|FALLBACK_LOW_CONF|FALLBACK_OFF_TOPIC|FALLBACK_INPUT_POLICY",
 "target_type": "choice|fallback", "target_id": "<id from the lists>",
 "confidence": 0.0-1.0, "intensity_tier": -2..2,
 "fallback_reason_code": "NO_MATCH|LOW_CONF|INPUT_POLICY|OFF_TOPIC",
 "candidates": [up to 3 {"target_id", "target_type", "confidence"}]}
SELECT_CHOICE must target a visible choice; FALLBACK_* must target a fallback whose reason agrees.
intensity_tier grades how forcefully the player acts. Honor the retry_context when present.`

const endingSystemPrompt = `You write the closing beat of an interactive story run.
The user message is a JSON document describing the ending, its outcome and the run statistics.
Respond ONLY with a JSON object, no markdown:
{"narrative_text": "<the closing narration>", "ending_report": {"summary": "...", "highlights": [...], "stats": {...}}}
Keep the narration to a few paragraphs and make the report stats echo the provided stats.`
