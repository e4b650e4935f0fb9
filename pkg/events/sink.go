package events

// StepSink receives progress events from a running step. The pipeline
// emits through this interface so the same code serves both the
// synchronous endpoint (null sink) and the SSE endpoint (stream sink).
type StepSink interface {
	// Phase announces entry into a named pipeline phase.
	Phase(name string, detail map[string]any)

	// Delta delivers one narration fragment as it is generated.
	Delta(text string)

	// Aborted reports whether the client has gone away. The pipeline
	// checks this between deltas to cut the narration call short.
	Aborted() bool
}

// NullSink discards everything; used by the synchronous step endpoint.
type NullSink struct{}

func (NullSink) Phase(string, map[string]any) {}
func (NullSink) Delta(string)                 {}
func (NullSink) Aborted() bool                { return false }
