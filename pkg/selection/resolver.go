// Package selection turns a step request (explicit choice id or free
// text) into a deterministic decision: which choice or fallback runs,
// with mapping confidence, decision code and retry history. It wraps
// the LLM boundary for the free-input path.
package selection

import (
	"context"
	"errors"
	"fmt"

	"github.com/storyloom/loom/pkg/llm"
	"github.com/storyloom/loom/pkg/models"
	"github.com/storyloom/loom/pkg/state"
	"github.com/storyloom/loom/pkg/story"
)

// ErrInvalidChoice reports an explicit choice id that does not exist on
// the session's current node.
var ErrInvalidChoice = errors.New("choice does not exist on the current node")

// LockedError reports an explicit choice whose gate rules fail against
// the current state.
type LockedError struct {
	ChoiceID string
	Reason   string
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("choice %s is locked: %s", e.ChoiceID, e.Reason)
}

// Retry error codes accumulated across mapping attempts.
const (
	retrySchemaInconsistent    = "SCHEMA_INCONSISTENT"
	retryTargetNotAllowed      = "TARGET_NOT_ALLOWED"
	retryFallbackReasonInvalid = "FALLBACK_REASON_INVALID"
	retryBoundaryUnavailable   = "LLM_UNAVAILABLE"
)

const maxMappingAttempts = 3

// Config carries the resolver's confidence policy and input bounds.
type Config struct {
	ConfidenceHigh float64
	ConfidenceLow  float64
	MaxInputChars  int
}

// Resolver defaults.
const (
	DefaultConfidenceHigh = 0.75
	DefaultConfidenceLow  = 0.35
	DefaultMaxInputChars  = 280
)

func (c Config) withDefaults() Config {
	if c.ConfidenceHigh <= 0 {
		c.ConfidenceHigh = DefaultConfidenceHigh
	}
	if c.ConfidenceLow <= 0 {
		c.ConfidenceLow = DefaultConfidenceLow
	}
	if c.MaxInputChars <= 0 {
		c.MaxInputChars = DefaultMaxInputChars
	}
	return c
}

// Result is the resolved decision, carrying everything the pipeline
// logs and the transition consumes.
type Result struct {
	Mode              string           `json:"selection_mode"`
	Source            string           `json:"selection_source"`
	AttemptedChoiceID string           `json:"attempted_choice_id,omitempty"`
	ExecutedID        string           `json:"executed_choice_id"`
	DecisionCode      llm.DecisionCode `json:"selection_decision_code"`
	FallbackUsed      bool             `json:"fallback_used"`
	FallbackReason    story.ReasonCode `json:"fallback_reason_code,omitempty"`
	Confidence        *float64         `json:"mapping_confidence,omitempty"`
	RawTier           int              `json:"raw_intensity_tier"`
	RetryCount        int              `json:"selection_retry_count"`
	RetryErrors       []string         `json:"selection_retry_errors,omitempty"`
	InputPolicyFlag   bool             `json:"input_policy_flag"`
	Overridden        bool             `json:"decision_overridden_by_runtime"`
	NormalizedInput   string           `json:"normalized_input,omitempty"`
	SchemaName        string           `json:"schema_name,omitempty"`

	Candidates []llm.SelectionCandidate `json:"candidates,omitempty"`

	// Transition inputs resolved from the executed target.
	Choice             *story.Choice       `json:"-"`
	Fallback           *story.Fallback     `json:"-"`
	NextNodeID         string              `json:"next_node_id"`
	RangeEffects       []story.RangeEffect `json:"-"`
	ReactiveNpcIDs     []string            `json:"-"`
	TransitionEndingID string              `json:"transition_ending_id,omitempty"`
}

// Resolver maps step requests to decisions.
type Resolver struct {
	client llm.Client
	cfg    Config
}

// New builds a resolver over the given boundary client.
func New(client llm.Client, cfg Config) *Resolver {
	return &Resolver{client: client, cfg: cfg.withDefaults()}
}

// ResolveExplicit handles the explicit-choice path: O(1) lookup on the
// current node, gate enforcement, tier 0.
func (r *Resolver) ResolveExplicit(v *story.View, node *story.Node, st state.State, choiceID string) (Result, error) {
	choice := v.Choice(node.ID, choiceID)
	if choice == nil {
		return Result{}, fmt.Errorf("%q on node %q: %w", choiceID, node.ID, ErrInvalidChoice)
	}
	if available, reason := state.EvaluateGates(st, choice.Gates); !available {
		return Result{}, &LockedError{ChoiceID: choiceID, Reason: reason}
	}
	res := Result{
		Mode:              models.SelectionModeExplicit,
		Source:            models.SelectionSourceExplicit,
		AttemptedChoiceID: choiceID,
		DecisionCode:      llm.DecisionSelectChoice,
	}
	res.adoptChoice(node, choice)
	return res, nil
}

// ResolveFreeInput handles the free-text path: normalization and input
// policy, a rule short-circuit for literal choice ids, then up to three
// structured mapping attempts with confidence gating and the
// deterministic fallback pick.
func (r *Resolver) ResolveFreeInput(ctx context.Context, v *story.View, node *story.Node, st state.State, rawInput string, stepIndex int) (Result, error) {
	input, policyFlag := NormalizeInput(rawInput, r.cfg.MaxInputChars)

	base := Result{
		Mode:            models.SelectionModeFreeInput,
		InputPolicyFlag: policyFlag,
		NormalizedInput: input,
	}

	visible := visibleChoices(node, st)

	// The runtime owns the input-policy decision; the model is not
	// consulted for flagged input.
	if policyFlag {
		res := base
		res.Overridden = true
		res.DecisionCode = llm.DecisionFallbackInputPolicy
		r.adoptFallback(&res, v, node, story.ReasonInputPolicy, "", input, stepIndex)
		return res, nil
	}

	// Rule short-circuit: input that literally names a visible choice
	// id needs no model.
	for _, c := range visible {
		if input == c.ID {
			res := base
			res.Source = models.SelectionSourceRule
			res.DecisionCode = llm.DecisionSelectChoice
			res.AttemptedChoiceID = c.ID
			res.adoptChoice(node, v.Choice(node.ID, c.ID))
			return res, nil
		}
	}

	payload := llm.SelectionPayload{
		SceneBrief:         node.Brief,
		PlayerInput:        input,
		VisibleChoices:     visible,
		AvailableFallbacks: fallbackOptions(v),
		InputPolicyFlag:    false,
		Confidence:         llm.ConfidencePolicy{High: r.cfg.ConfidenceHigh, Low: r.cfg.ConfidenceLow},
	}

	var retryErrors []string
	for attempt := 1; attempt <= maxMappingAttempts; attempt++ {
		if attempt > 1 {
			payload.RetryContext = &llm.RetryContext{
				Attempt:          attempt,
				PreviousError:    retryErrors[len(retryErrors)-1],
				AllowedTargetIDs: allowedTargetIDs(visible, payload.AvailableFallbacks),
			}
		}
		mapped, err := llm.MapFreeInput(ctx, r.client, payload)
		if err != nil {
			retryErrors = append(retryErrors, retryBoundaryUnavailable)
			continue
		}
		res, retryCode := r.interpret(base, v, node, visible, mapped, input, stepIndex)
		if retryCode != "" {
			retryErrors = append(retryErrors, retryCode)
			continue
		}
		res.RetryCount = attempt - 1
		res.RetryErrors = retryErrors
		res.SchemaName = llm.SchemaSelectionMappingV3
		return res, nil
	}
	return Result{}, fmt.Errorf("selection mapping failed after %d attempts (%v): %w",
		maxMappingAttempts, retryErrors, llm.ErrUnavailable)
}

// interpret applies the decision rules to one validated mapping result.
// A non-empty retry code sends the resolver around the loop again.
func (r *Resolver) interpret(base Result, v *story.View, node *story.Node, visible []llm.TargetOption, mapped llm.SelectionResult, input string, stepIndex int) (Result, string) {
	res := base
	res.Confidence = &mapped.Confidence
	res.RawTier = mapped.IntensityTier
	res.Candidates = mapped.Candidates
	res.DecisionCode = mapped.DecisionCode

	isSelect := mapped.DecisionCode == llm.DecisionSelectChoice
	if isSelect != (mapped.TargetType == "choice") {
		return Result{}, retrySchemaInconsistent
	}

	if isSelect {
		if !containsTarget(visible, mapped.TargetID) {
			return Result{}, retryTargetNotAllowed
		}
		res.AttemptedChoiceID = mapped.TargetID
		switch {
		case mapped.Confidence >= r.cfg.ConfidenceHigh:
			res.Source = models.SelectionSourceLLM
			res.adoptChoice(node, v.Choice(node.ID, mapped.TargetID))
			return res, ""
		case mapped.Confidence >= r.cfg.ConfidenceLow:
			res.DecisionCode = llm.DecisionFallbackLowConf
			r.adoptFallback(&res, v, node, story.ReasonLowConf, "", input, stepIndex)
			return res, ""
		default:
			res.DecisionCode = llm.DecisionFallbackNoMatch
			r.adoptFallback(&res, v, node, story.ReasonNoMatch, "", input, stepIndex)
			return res, ""
		}
	}

	// Fallback decision: the target, when named, must exist and agree
	// with the decision's reason.
	reason := mapped.FallbackReasonCode
	if !reason.Valid() {
		reason = reasonOf(mapped.DecisionCode)
	}
	if mapped.TargetID != "" {
		fb := v.Fallback(mapped.TargetID)
		if fb == nil {
			return Result{}, retryTargetNotAllowed
		}
		if llm.FallbackDecisionFor(fb.ReasonCode) != mapped.DecisionCode {
			return Result{}, retryFallbackReasonInvalid
		}
		reason = fb.ReasonCode
	}
	r.adoptFallback(&res, v, node, reason, mapped.TargetID, input, stepIndex)
	return res, ""
}

func (res *Result) adoptChoice(node *story.Node, choice *story.Choice) {
	res.ExecutedID = choice.ID
	res.Choice = choice
	res.NextNodeID = choice.NextNodeID
	if res.NextNodeID == "" {
		res.NextNodeID = node.ID
	}
	res.RangeEffects = choice.RangeEffects
	res.ReactiveNpcIDs = choice.ReactiveNpcIDs
	res.TransitionEndingID = choice.EndingID
	if res.Source == "" {
		res.Source = models.SelectionSourceExplicit
	}
}

func (r *Resolver) adoptFallback(res *Result, v *story.View, node *story.Node, reason story.ReasonCode, preferredID, input string, stepIndex int) {
	fb := pickFallback(v, node, reason, preferredID, input, stepIndex)
	res.Source = models.SelectionSourceFallback
	res.FallbackUsed = true
	res.FallbackReason = reason
	res.ExecutedID = fb.ID
	res.Fallback = fb
	res.NextNodeID = fb.TargetNodeID
	if res.NextNodeID == "" {
		res.NextNodeID = node.ID
	}
	res.RangeEffects = fb.RangeEffects
	res.ReactiveNpcIDs = fb.ReactiveNpcIDs
	res.TransitionEndingID = fb.EndingID
}

func reasonOf(code llm.DecisionCode) story.ReasonCode {
	switch code {
	case llm.DecisionFallbackLowConf:
		return story.ReasonLowConf
	case llm.DecisionFallbackInputPolicy:
		return story.ReasonInputPolicy
	case llm.DecisionFallbackOffTopic:
		return story.ReasonOffTopic
	default:
		return story.ReasonNoMatch
	}
}

func visibleChoices(node *story.Node, st state.State) []llm.TargetOption {
	out := make([]llm.TargetOption, 0, len(node.Choices))
	for i := range node.Choices {
		c := &node.Choices[i]
		if available, _ := state.EvaluateGates(st, c.Gates); available {
			out = append(out, llm.TargetOption{ID: c.ID, Text: c.Text})
		}
	}
	return out
}

func fallbackOptions(v *story.View) []llm.TargetOption {
	out := make([]llm.TargetOption, 0, len(v.EffectiveFallbacks))
	for i := range v.EffectiveFallbacks {
		fb := &v.EffectiveFallbacks[i]
		out = append(out, llm.TargetOption{ID: fb.ID, Text: fb.Text, ReasonCode: fb.ReasonCode})
	}
	return out
}

func allowedTargetIDs(choices, fallbacks []llm.TargetOption) []string {
	ids := make([]string, 0, len(choices)+len(fallbacks))
	for _, c := range choices {
		ids = append(ids, c.ID)
	}
	for _, fb := range fallbacks {
		ids = append(ids, fb.ID)
	}
	return ids
}

func containsTarget(options []llm.TargetOption, id string) bool {
	for _, o := range options {
		if o.ID == id {
			return true
		}
	}
	return false
}
