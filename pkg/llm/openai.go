package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// openAIClient talks to any OpenAI-compatible chat-completions API.
type openAIClient struct {
	api *openai.Client
	cfg Config
}

func newOpenAI(cfg Config) *openAIClient {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	return &openAIClient{api: &client, cfg: cfg}
}

func (c *openAIClient) params(system, user string) openai.ChatCompletionNewParams {
	return openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Content: openai.ChatCompletionSystemMessageParamContentUnion{
						OfString: openai.String(system),
					},
				},
			},
			{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: openai.String(user),
					},
				},
			},
		},
	}
}

// Narrative streams narrative text, forwarding each non-empty content
// fragment. Transport errors are retried only while no content has
// arrived; once the first byte is out, failure is final so partial
// output is never accepted silently.
func (c *openAIClient) Narrative(ctx context.Context, system, user string, onDelta DeltaFunc) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.NarrativeTimeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= narrativeMaxAttempts; attempt++ {
		text, started, err := c.streamOnce(ctx, system, user, onDelta)
		if err == nil {
			if text == "" {
				lastErr = unavailablef("narrative: empty response (attempt %d)", attempt)
				continue
			}
			return text, nil
		}
		if started {
			return "", unavailablef("narrative: stream failed after first byte: %v", err)
		}
		lastErr = err
		slog.Warn("Narrative stream attempt failed", "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return "", unavailablef("narrative: %v", lastErr)
}

func (c *openAIClient) streamOnce(ctx context.Context, system, user string, onDelta DeltaFunc) (text string, started bool, err error) {
	stream := c.api.Chat.Completions.NewStreaming(ctx, c.params(system, user))
	defer stream.Close()

	var sb strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		started = true
		sb.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}
	if err := stream.Err(); err != nil {
		return "", started, err
	}
	return sb.String(), started, nil
}

// CallStructured issues one JSON-mode completion per attempt and
// validates the result locally against the schema.
func (c *openAIClient) CallStructured(ctx context.Context, schema *Schema, system, user string, maxAttempts int) (json.RawMessage, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	timeout := c.cfg.timeoutFor(schema)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepBackoff(ctx, attempt-2); err != nil {
				return nil, unavailablef("%s: %v", schema.Name, err)
			}
		}
		raw, err := c.completeOnce(ctx, timeout, schema, system, user)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		slog.Warn("Structured call attempt failed", "schema", schema.Name, "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, unavailablef("%s: %d attempt(s) failed: %v", schema.Name, maxAttempts, lastErr)
}

func (c *openAIClient) completeOnce(ctx context.Context, timeout time.Duration, schema *Schema, system, user string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	params := c.params(system, user)
	params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONObject: openai.Ptr(shared.NewResponseFormatJSONObjectParam()),
	}

	completion, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(completion.Choices) == 0 {
		return nil, unavailablef("%s: no completion choices", schema.Name)
	}
	return schema.Decode([]byte(completion.Choices[0].Message.Content))
}

func sleepBackoff(ctx context.Context, idx int) error {
	if idx < 0 {
		idx = 0
	}
	if idx >= len(structuredBackoff) {
		idx = len(structuredBackoff) - 1
	}
	select {
	case <-time.After(structuredBackoff[idx]):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
