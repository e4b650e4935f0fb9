// Package llmtest provides boundary doubles for tests: a scripted
// client with recorded calls and an always-failing client for
// unavailability paths.
package llmtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/storyloom/loom/pkg/llm"
)

// ScriptEntry defines a single scripted boundary response.
type ScriptEntry struct {
	Structured json.RawMessage // CallStructured response (validated by the caller's schema)
	Text       string          // Narrative response; split into two deltas unless Deltas is set
	Deltas     []string        // explicit narrative fragments
	Err        error           // returned instead of a response

	Block <-chan struct{} // when set, the call waits here first (stream-abort tests)
}

// StructuredCall records one CallStructured invocation.
type StructuredCall struct {
	Schema string
	System string
	User   string
}

// NarrativeCall records one Narrative invocation.
type NarrativeCall struct {
	System string
	User   string
}

// Scripted implements llm.Client with per-channel scripts consumed in
// order. When a script is exhausted the call falls through to the
// deterministic fake, so tests only script what they assert on.
type Scripted struct {
	mu              sync.Mutex
	structured      []ScriptEntry
	narrative       []ScriptEntry
	StructuredCalls []StructuredCall
	NarrativeCalls  []NarrativeCall

	fallback llm.Client
}

// NewScripted creates an empty scripted client backed by the fake.
func NewScripted() *Scripted {
	return &Scripted{fallback: llm.NewFake()}
}

// AddStructured queues a CallStructured response.
func (s *Scripted) AddStructured(entry ScriptEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.structured = append(s.structured, entry)
}

// AddNarrative queues a Narrative response.
func (s *Scripted) AddNarrative(entry ScriptEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.narrative = append(s.narrative, entry)
}

func (s *Scripted) Narrative(ctx context.Context, system, user string, onDelta llm.DeltaFunc) (string, error) {
	s.mu.Lock()
	s.NarrativeCalls = append(s.NarrativeCalls, NarrativeCall{System: system, User: user})
	var entry *ScriptEntry
	if len(s.narrative) > 0 {
		e := s.narrative[0]
		s.narrative = s.narrative[1:]
		entry = &e
	}
	s.mu.Unlock()

	if entry == nil {
		return s.fallback.Narrative(ctx, system, user, onDelta)
	}
	if err := wait(ctx, entry.Block); err != nil {
		return "", err
	}
	if entry.Err != nil {
		return "", entry.Err
	}
	deltas := entry.Deltas
	if deltas == nil && entry.Text != "" {
		half := len(entry.Text) / 2
		deltas = []string{entry.Text[:half], entry.Text[half:]}
	}
	text := ""
	for _, d := range deltas {
		if d == "" {
			continue
		}
		text += d
		if onDelta != nil {
			onDelta(d)
		}
	}
	return text, nil
}

func (s *Scripted) CallStructured(ctx context.Context, schema *llm.Schema, system, user string, maxAttempts int) (json.RawMessage, error) {
	s.mu.Lock()
	s.StructuredCalls = append(s.StructuredCalls, StructuredCall{Schema: schema.Name, System: system, User: user})
	var entry *ScriptEntry
	if len(s.structured) > 0 {
		e := s.structured[0]
		s.structured = s.structured[1:]
		entry = &e
	}
	s.mu.Unlock()

	if entry == nil {
		return s.fallback.CallStructured(ctx, schema, system, user, maxAttempts)
	}
	if err := wait(ctx, entry.Block); err != nil {
		return nil, err
	}
	if entry.Err != nil {
		return nil, entry.Err
	}
	return schema.Decode(entry.Structured)
}

func wait(ctx context.Context, block <-chan struct{}) error {
	if block == nil {
		return nil
	}
	select {
	case <-block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Failing implements llm.Client and fails every call with
// llm.ErrUnavailable. It exercises the rollback paths.
type Failing struct{}

func (Failing) Narrative(ctx context.Context, system, user string, onDelta llm.DeltaFunc) (string, error) {
	return "", fmt.Errorf("scripted boundary failure: %w", llm.ErrUnavailable)
}

func (Failing) CallStructured(ctx context.Context, schema *llm.Schema, system, user string, maxAttempts int) (json.RawMessage, error) {
	return nil, fmt.Errorf("scripted boundary failure: %w", llm.ErrUnavailable)
}
