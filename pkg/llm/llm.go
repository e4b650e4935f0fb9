// Package llm is the boundary to the generative model. It exposes two
// channels: free-text narration (streaming) and schema-validated
// structured calls. With no API key configured the boundary runs in
// fake mode and synthesizes deterministic local output, so everything
// above it is testable without network.
package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// DeltaFunc receives non-empty narrative fragments as they stream in.
type DeltaFunc func(text string)

// Client is the generative-model boundary.
type Client interface {
	// Narrative produces free narrative text. In real mode it uses the
	// streaming channel and calls onDelta per non-empty fragment;
	// transport errors are retried only before the first byte arrives.
	Narrative(ctx context.Context, system, user string, onDelta DeltaFunc) (string, error)

	// CallStructured performs up to maxAttempts non-stream requests and
	// returns the first response that parses and validates against the
	// schema. Parse and schema violations consume attempts like
	// transport errors do.
	CallStructured(ctx context.Context, schema *Schema, system, user string, maxAttempts int) (json.RawMessage, error)
}

// Config carries boundary settings, loaded from the environment by the
// config package.
type Config struct {
	APIKey  string
	BaseURL string // optional OpenAI-compatible endpoint override
	Model   string

	SelectionTimeout time.Duration
	NarrativeTimeout time.Duration
	EndingTimeout    time.Duration
}

// Boundary defaults.
const (
	DefaultModel            = "gpt-4o-mini"
	DefaultSelectionTimeout = 8 * time.Second
	DefaultNarrativeTimeout = 30 * time.Second
	DefaultEndingTimeout    = 30 * time.Second

	narrativeMaxAttempts = 3
)

// structuredBackoff spaces transport retries for multi-attempt
// structured calls (ending bundles).
var structuredBackoff = []time.Duration{200 * time.Millisecond, 500 * time.Millisecond}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.SelectionTimeout <= 0 {
		c.SelectionTimeout = DefaultSelectionTimeout
	}
	if c.NarrativeTimeout <= 0 {
		c.NarrativeTimeout = DefaultNarrativeTimeout
	}
	if c.EndingTimeout <= 0 {
		c.EndingTimeout = DefaultEndingTimeout
	}
	return c
}

// New builds the boundary client: real OpenAI-compatible when an API
// key is configured, deterministic fake otherwise.
func New(cfg Config) Client {
	cfg = cfg.withDefaults()
	if cfg.APIKey == "" {
		slog.Info("LLM boundary running in fake mode (no API key configured)")
		return NewFake()
	}
	slog.Info("LLM boundary configured", "model", cfg.Model, "base_url", cfg.BaseURL)
	return newOpenAI(cfg)
}

// timeoutFor maps a structured schema to its per-attempt budget.
func (c Config) timeoutFor(schema *Schema) time.Duration {
	if schema != nil && schema.Name == SchemaSelectionMappingV3 {
		return c.SelectionTimeout
	}
	return c.EndingTimeout
}
