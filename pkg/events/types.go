// Package events defines the step event stream: the ordered frames a
// client sees while a step executes, the sink the pipeline emits them
// through, and an SSE writer for the streaming transport.
package events

// Event types emitted over a step stream, in order of appearance.
const (
	EventTypeMeta           = "meta"
	EventTypePhase          = "phase"
	EventTypeNarrativeDelta = "narrative_delta"
	EventTypeReplay         = "replay"
	EventTypeFinal          = "final"
	EventTypeError          = "error"
	EventTypeDone           = "done"
)

// Phase names carried by phase events. A live step announces each
// phase as it enters it; a replayed step announces none.
const (
	PhaseSelectionStart = "selection_start"
	PhaseSelectionDone  = "selection_done"
	PhaseNarrationStart = "narration_start"
	PhaseNarrationDone  = "narration_done"
	PhaseFinalizing     = "finalizing"
)

// MetaPayload opens every stream, live or replayed.
type MetaPayload struct {
	SessionID      string `json:"session_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Replayed       bool   `json:"replayed"`
}

// PhasePayload announces a pipeline phase transition. Detail carries
// phase-specific fields, e.g. the executed choice after selection.
type PhasePayload struct {
	Name   string         `json:"name"`
	Detail map[string]any `json:"detail,omitempty"`
}

// DeltaPayload is one narration text fragment.
type DeltaPayload struct {
	Text string `json:"text"`
}

// ErrorPayload terminates a failed stream before the done event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
