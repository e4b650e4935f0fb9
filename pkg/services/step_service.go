package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/storyloom/loom/pkg/events"
	"github.com/storyloom/loom/pkg/ident"
	"github.com/storyloom/loom/pkg/llm"
	"github.com/storyloom/loom/pkg/models"
	"github.com/storyloom/loom/pkg/selection"
	"github.com/storyloom/loom/pkg/state"
	"github.com/storyloom/loom/pkg/store"
	"github.com/storyloom/loom/pkg/story"
	"github.com/storyloom/loom/pkg/telemetry"
)

// StepConfig carries the pipeline's policy knobs, loaded from the
// environment by cmd/loomd.
type StepConfig struct {
	ConfidenceHigh          float64
	ConfidenceLow           float64
	MaxInputChars           int
	NarrationLanguage       string
	FallbackGuardDefaultMax int
}

// DefaultFallbackGuardMax bounds consecutive fallbacks before the
// forced ending fires, for packs that configure an ending but no
// threshold.
const DefaultFallbackGuardMax = 3

func (c StepConfig) withDefaults() StepConfig {
	if c.FallbackGuardDefaultMax <= 0 {
		c.FallbackGuardDefaultMax = DefaultFallbackGuardMax
	}
	return c
}

// StepOutcome is the result of ExecuteStep. Raw holds the exact bytes
// the HTTP layer must write; on replay it is the stored response and
// Response is nil.
type StepOutcome struct {
	Response *models.StepResponse
	Raw      json.RawMessage
	Replayed bool
}

// StepService runs the step execution pipeline: idempotency prepare,
// selection, state transition, ending resolution, narration, commit,
// idempotency finalize. The long narration phase runs outside any
// transaction; the session row is only touched by the CAS commit.
type StepService struct {
	sessions  *SessionService
	store     store.Store
	resolver  *selection.Resolver
	client    llm.Client
	telemetry *telemetry.Sink
	cfg       StepConfig
}

// NewStepService creates a new StepService.
func NewStepService(sessions *SessionService, st store.Store, client llm.Client, sink *telemetry.Sink, cfg StepConfig) *StepService {
	cfg = cfg.withDefaults()
	resolver := selection.New(client, selection.Config{
		ConfidenceHigh: cfg.ConfidenceHigh,
		ConfidenceLow:  cfg.ConfidenceLow,
		MaxInputChars:  cfg.MaxInputChars,
	})
	return &StepService{
		sessions:  sessions,
		store:     st,
		resolver:  resolver,
		client:    client,
		telemetry: sink,
		cfg:       cfg,
	}
}

// ExecuteStep advances a session by one step. Exactly one of
// req.ChoiceID / req.PlayerInput must be set and the idempotency key is
// mandatory; repeated calls with the same key and payload return the
// stored response byte for byte.
func (s *StepService) ExecuteStep(ctx context.Context, sessionID string, req models.StepRequest, idempotencyKey, actorUserID string, sink events.StepSink) (*StepOutcome, error) {
	start := time.Now()

	if idempotencyKey == "" {
		return nil, E(CodeMissingIdempotencyKey, "the X-Idempotency-Key header is required")
	}
	if (req.ChoiceID == "") == (req.PlayerInput == "") {
		return nil, E(CodeBadRequest, "exactly one of choice_id or player_input must be set")
	}
	requestHash, err := ident.RequestHash(req)
	if err != nil {
		return nil, fmt.Errorf("fingerprint step payload: %w", err)
	}

	rec, view, stateBefore, err := s.sessions.open(ctx, sessionID, actorUserID)
	if err != nil {
		return nil, err
	}

	replay, proceed, err := s.prepare(ctx, sessionID, idempotencyKey, requestHash)
	if err != nil {
		return nil, err
	}
	if !proceed {
		s.telemetry.Replay()
		return replay, nil
	}

	// The idempotency row is claimed; every outcome below finalizes it.
	raw, resp, err := s.run(ctx, rec, view, stateBefore, req, sink)
	if err != nil {
		code := CodeOf(err)
		fctx := context.WithoutCancel(ctx)
		if ferr := s.store.FinalizeIdempotencyFailure(fctx, sessionID, idempotencyKey, string(code)); ferr != nil {
			slog.Error("Failed to finalize idempotency row", "session_id", sessionID, "error", ferr)
		}
		s.telemetry.StepFailed(string(code), time.Since(start))
		return nil, err
	}
	if ferr := s.store.FinalizeIdempotencySuccess(ctx, sessionID, idempotencyKey, raw); ferr != nil {
		// The step is committed; the row stays in_progress until the
		// reaper releases it. Log and serve the response anyway.
		slog.Error("Failed to store idempotent response", "session_id", sessionID, "error", ferr)
	}

	fallbackReason := ""
	if resp.FallbackUsed {
		fallbackReason = string(resp.FallbackReason)
	}
	s.telemetry.StepSucceeded(time.Since(start), fallbackReason)
	if resp.RunEnded {
		s.telemetry.EndingResolved(string(resp.EndingOutcome))
	}
	return &StepOutcome{Response: resp, Raw: raw}, nil
}

// prepare is short txn A: claim or inspect the (session, key) row.
// proceed=false with a nil error means a replay is being served.
func (s *StepService) prepare(ctx context.Context, sessionID, key, requestHash string) (replay *StepOutcome, proceed bool, err error) {
	now := ident.Now()
	_, existing, err := s.store.InsertIdempotencyInProgress(ctx, &store.IdempotencyRecord{
		SessionID:      sessionID,
		IdempotencyKey: key,
		Status:         store.IdemInProgress,
		RequestHash:    requestHash,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return nil, false, fmt.Errorf("claim idempotency key: %w", err)
	}
	if existing == nil {
		return nil, true, nil
	}
	if existing.RequestHash != requestHash {
		return nil, false, E(CodeIdempotencyPayloadMismatch,
			"idempotency key %q was already used with a different payload", key)
	}
	switch existing.Status {
	case store.IdemSucceeded:
		return &StepOutcome{Raw: existing.ResponseJSON, Replayed: true}, false, nil
	case store.IdemFailed:
		claimed, err := s.store.RetryFailedIdempotency(ctx, sessionID, key, requestHash)
		if err != nil {
			return nil, false, fmt.Errorf("retry failed idempotency row: %w", err)
		}
		if !claimed {
			return nil, false, E(CodeRequestInProgress, "a retry for key %q is already running", key)
		}
		return nil, true, nil
	default:
		return nil, false, E(CodeRequestInProgress,
			"a request with key %q is already in progress", key)
	}
}

// run executes the long phase and the commit. It never mutates the
// session on failure; the caller owns idempotency finalization.
func (s *StepService) run(ctx context.Context, rec *store.SessionRecord, view *story.View, stateBefore state.State, req models.StepRequest, sink events.StepSink) (json.RawMessage, *models.StepResponse, error) {
	if rec.Status != models.SessionStatusActive || stateBefore.RunState.RunEnded {
		return nil, nil, E(CodeRuntimeConflict, "session %s is not active", rec.ID)
	}
	node := view.Node(rec.StoryNodeID)
	if node == nil {
		return nil, nil, E(CodeRuntimeConflict, "session %s sits on unknown node %q", rec.ID, rec.StoryNodeID)
	}

	sink.Phase(events.PhaseSelectionStart, nil)
	if sink.Aborted() {
		return nil, nil, abortErr()
	}

	sel, err := s.resolve(ctx, view, node, stateBefore, req)
	if err != nil {
		return nil, nil, err
	}

	sink.Phase(events.PhaseSelectionDone, map[string]any{
		"executed_choice_id": sel.ExecutedID,
		"fallback_used":      sel.FallbackUsed,
	})
	if sink.Aborted() {
		return nil, nil, abortErr()
	}

	tier := effectiveTier(sel)
	source := state.SourceChoice
	if sel.FallbackUsed {
		source = state.SourceFallback
	}
	stateAfter, deltas, applied := state.ApplyTransition(stateBefore, view, state.TransitionInput{
		Effects:        sel.RangeEffects,
		Tier:           tier,
		Source:         source,
		FallbackReason: sel.FallbackReason,
		ReactiveNpcIDs: sel.ReactiveNpcIDs,
	})
	nodeAfter := sel.NextNodeID

	res, ended := s.resolveEnding(stateAfter, view, sel, nodeAfter)
	endingID := ""
	if ended {
		switch {
		case res.Ending != nil:
			endingID = res.Ending.ID
		case res.Timeout:
			endingID = story.TimeoutEndingID
		}
	}

	bundleMode := ended && res.Ending != nil && res.Ending.PromptProfile != ""
	if ended && !bundleMode {
		stateAfter = state.WithEnding(stateAfter, endingID, res.Outcome, res.Camp, localReport(res, stateAfter))
	}

	var narrativeText string
	if bundleMode {
		sink.Phase(events.PhaseNarrationStart, map[string]any{"mode": "ending_bundle"})
		bundle, err := llm.EndingBundle(ctx, s.client, llm.EndingBundlePayload{
			StoryTitle:    view.Pack.Title,
			EndingID:      endingID,
			EndingTitle:   res.Ending.Title,
			Outcome:       res.Outcome,
			Camp:          res.Camp,
			PromptProfile: res.Ending.PromptProfile,
			SceneBrief:    node.Brief,
			Stats:         runStats(stateAfter),
			Timeout:       res.Timeout,
		})
		if err != nil {
			if sink.Aborted() {
				return nil, nil, abortErr()
			}
			return nil, nil, E(CodeLLMUnavailable, "ending bundle failed: %v", err)
		}
		narrativeText = bundle.NarrativeText
		stateAfter = state.WithEnding(stateAfter, endingID, res.Outcome, res.Camp, bundle.EndingReport)
		sink.Phase(events.PhaseNarrationDone, map[string]any{"mode": "ending_bundle"})
	} else {
		mode := "normal"
		if sel.FallbackUsed {
			mode = "fallback"
		}
		sink.Phase(events.PhaseNarrationStart, map[string]any{"mode": mode})
		narrativeText, err = s.narrate(ctx, sink, node, sel, stateAfter)
		if err != nil {
			return nil, nil, err
		}
		sink.Phase(events.PhaseNarrationDone, map[string]any{"mode": mode})
	}
	if sink.Aborted() {
		return nil, nil, abortErr()
	}

	sink.Phase(events.PhaseFinalizing, nil)
	if sink.Aborted() {
		return nil, nil, abortErr()
	}

	stateJSON, err := json.Marshal(stateAfter)
	if err != nil {
		return nil, nil, fmt.Errorf("encode state: %w", err)
	}
	expectedVersion := rec.Version
	updated := *rec
	updated.Status = models.StatusOf(stateAfter)
	updated.StoryNodeID = nodeAfter
	updated.StateJSON = stateJSON
	updated.UpdatedAt = ident.Now()

	resp := s.buildResponse(view, sel, stateAfter, nodeAfter, tier, applied, narrativeText)
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, nil, fmt.Errorf("encode step response: %w", err)
	}

	logRec, err := actionLog(rec.ID, req, sel, stateAfter, tier, deltas, narrativeText, updated.UpdatedAt)
	if err != nil {
		return nil, nil, err
	}
	if err := s.store.CommitStep(ctx, &updated, expectedVersion, logRec); err != nil {
		switch {
		case errors.Is(err, store.ErrVersionConflict):
			return nil, nil, EStage(CodeSessionStepConflict, "session_update",
				"session %s advanced concurrently", rec.ID)
		case errors.Is(err, store.ErrDuplicateStep):
			return nil, nil, EStage(CodeSessionStepConflict, "action_log_unique",
				"step %d already committed for session %s", stateAfter.RunState.StepIndex, rec.ID)
		default:
			return nil, nil, fmt.Errorf("commit step: %w", err)
		}
	}
	return raw, resp, nil
}

// resolve dispatches to the explicit or free-input resolver path and
// translates resolver errors to domain codes.
func (s *StepService) resolve(ctx context.Context, view *story.View, node *story.Node, st state.State, req models.StepRequest) (selection.Result, error) {
	if req.ChoiceID != "" {
		sel, err := s.resolver.ResolveExplicit(view, node, st, req.ChoiceID)
		if err != nil {
			var locked *selection.LockedError
			switch {
			case errors.As(err, &locked):
				return selection.Result{}, E(CodeChoiceLocked, "choice %s is locked: %s", locked.ChoiceID, locked.Reason)
			case errors.Is(err, selection.ErrInvalidChoice):
				return selection.Result{}, E(CodeInvalidChoice, "%v", err)
			default:
				return selection.Result{}, fmt.Errorf("resolve choice: %w", err)
			}
		}
		return sel, nil
	}

	sel, err := s.resolver.ResolveFreeInput(ctx, view, node, st, req.PlayerInput, st.RunState.StepIndex+1)
	if err != nil {
		if errors.Is(err, llm.ErrUnavailable) {
			return selection.Result{}, E(CodeLLMUnavailable, "%v", err)
		}
		return selection.Result{}, fmt.Errorf("resolve free input: %w", err)
	}
	return sel, nil
}

// resolveEnding applies the ending precedence: transition-declared
// ending, then the forced-fallback guard, then trigger/timeout
// resolution.
func (s *StepService) resolveEnding(st state.State, view *story.View, sel selection.Result, nodeAfter string) (state.Resolution, bool) {
	if sel.TransitionEndingID != "" {
		if def := view.Ending(sel.TransitionEndingID); def != nil {
			return state.Resolution{Ending: def, Outcome: def.Outcome, Camp: def.Camp}, true
		}
	}
	if sel.FallbackUsed {
		if id := state.ForcedEndingID(st, view, s.cfg.FallbackGuardDefaultMax); id != "" {
			if def := view.Ending(id); def != nil {
				return state.Resolution{Ending: def, Outcome: def.Outcome, Camp: def.Camp}, true
			}
		}
	}
	return state.ResolveRunEnding(st, view, nodeAfter)
}

// narrate drives the streaming narration channel, forwarding deltas to
// the sink and cancelling the call as soon as the client goes away.
func (s *StepService) narrate(ctx context.Context, sink events.StepSink, node *story.Node, sel selection.Result, st state.State) (string, error) {
	user, err := narrationUserPayload(node, sel, st)
	if err != nil {
		return "", err
	}
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	text, err := s.client.Narrative(callCtx, narrationSystemPrompt(s.cfg.NarrationLanguage), user, func(delta string) {
		sink.Delta(delta)
		if sink.Aborted() {
			cancel()
		}
	})
	if err != nil {
		if sink.Aborted() {
			return "", abortErr()
		}
		return "", E(CodeLLMUnavailable, "narration failed: %v", err)
	}
	return text, nil
}

func (s *StepService) buildResponse(view *story.View, sel selection.Result, st state.State, nodeAfter string, tier int, applied []state.AppliedEffect, narrativeText string) *models.StepResponse {
	node := view.Node(nodeAfter)
	resp := &models.StepResponse{
		SessionStatus:       models.StatusOf(st),
		StoryNodeID:         nodeAfter,
		AttemptedChoiceID:   sel.AttemptedChoiceID,
		ExecutedChoiceID:    sel.ExecutedID,
		FallbackUsed:        sel.FallbackUsed,
		FallbackReason:      sel.FallbackReason,
		SelectionMode:       sel.Mode,
		SelectionSource:     sel.Source,
		MappingConfidence:   sel.Confidence,
		IntensityTier:       &tier,
		NudgeTier:           st.RunState.NudgeTier,
		NarrativeText:       narrativeText,
		Choices:             models.ChoicesFor(node, st),
		RangeEffectsApplied: applied,
		StateExcerpt:        models.ExcerptFrom(st),
		RunEnded:            st.RunState.RunEnded,
		EndingID:            st.RunState.EndingID,
		EndingOutcome:       st.RunState.EndingOutcome,
		EndingCamp:          st.RunState.EndingCamp,
		EndingReport:        st.RunState.EndingReport,
		CurrentNode:         models.NodeViewOf(node),
	}
	if sel.Fallback != nil {
		resp.MainlineNudge = sel.Fallback.Text
	}
	return resp
}

// actionLog assembles the audit row for txn B. The result document
// captures the full selection classification so a run can be replayed
// analytically without the LLM.
func actionLog(sessionID string, req models.StepRequest, sel selection.Result, st state.State, tier int, deltas map[string]int, narrativeText string, at time.Time) (*store.ActionLogRecord, error) {
	payload, err := ident.CanonicalJSON(req)
	if err != nil {
		return nil, fmt.Errorf("encode step payload: %w", err)
	}
	result := map[string]any{
		"selection":                sel,
		"effective_intensity_tier": tier,
		"state_delta":              deltas,
		"narrative_schema":         llm.SchemaNarrativeV1,
		"narrative_chars":          len(narrativeText),
		"run_ended":                st.RunState.RunEnded,
	}
	if st.RunState.EndingID != "" {
		result["ending_id"] = st.RunState.EndingID
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode step result: %w", err)
	}
	return &store.ActionLogRecord{
		ID:          ident.NewID(),
		SessionID:   sessionID,
		StepIndex:   st.RunState.StepIndex,
		PayloadJSON: payload,
		ResultJSON:  resultJSON,
		CreatedAt:   at,
	}, nil
}

// effectiveTier applies the fallback penalty and clamps to the tier
// bounds: INPUT_POLICY costs 2, every other fallback reason costs 1.
func effectiveTier(sel selection.Result) int {
	tier := sel.RawTier
	if sel.FallbackUsed {
		if sel.FallbackReason == story.ReasonInputPolicy {
			tier -= 2
		} else {
			tier -= 1
		}
	}
	if tier < state.TierMin {
		return state.TierMin
	}
	if tier > state.TierMax {
		return state.TierMax
	}
	return tier
}

func localReport(res state.Resolution, st state.State) map[string]any {
	summary := story.TimeoutEndingID
	if res.Ending != nil {
		summary = res.Ending.Title
		if summary == "" {
			summary = res.Ending.ID
		}
	}
	return map[string]any{
		"summary": summary,
		"outcome": string(res.Outcome),
		"stats":   runStats(st),
	}
}

func abortErr() error {
	return E(CodeStreamAborted, "client disconnected before the step committed")
}
