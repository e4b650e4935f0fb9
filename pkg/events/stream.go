package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// Stream writes server-sent events for one step request and flushes
// after every frame. It implements StepSink; a disconnect surfaces as
// Aborted() so the pipeline can stop narrating into the void.
type Stream struct {
	ctx     context.Context
	w       http.ResponseWriter
	flusher http.Flusher

	mu     sync.Mutex
	failed bool
}

// NewStream prepares the response for SSE and returns the writer. The
// headers go out immediately so the client sees the stream open before
// the first phase completes.
func NewStream(w http.ResponseWriter, r *http.Request) (*Stream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Stream{ctx: r.Context(), w: w, flusher: flusher}, nil
}

// Send marshals the payload and writes one SSE frame.
func (s *Stream) Send(eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	return s.SendRaw(eventType, data)
}

// SendRaw writes one SSE frame with pre-marshaled data. Used for
// replayed responses, which must go out byte-identical to the stored
// blob.
func (s *Stream) SendRaw(eventType string, data json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed {
		return fmt.Errorf("stream closed")
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, data); err != nil {
		s.failed = true
		return fmt.Errorf("write %s event: %w", eventType, err)
	}
	s.flusher.Flush()
	return nil
}

// Phase implements StepSink. Send errors are swallowed here; the
// pipeline notices via Aborted on the next check.
func (s *Stream) Phase(name string, detail map[string]any) {
	_ = s.Send(EventTypePhase, PhasePayload{Name: name, Detail: detail})
}

// Delta implements StepSink.
func (s *Stream) Delta(text string) {
	_ = s.Send(EventTypeNarrativeDelta, DeltaPayload{Text: text})
}

// Aborted implements StepSink.
func (s *Stream) Aborted() bool {
	if s.ctx.Err() != nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}
