package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/storyloom/loom/pkg/story"
)

// fakeClient synthesizes deterministic local output. It understands the
// JSON payloads the engine sends and honors the same schema contracts
// as the real boundary, so tests and keyless deployments exercise the
// full pipeline.
type fakeClient struct{}

// NewFake returns the deterministic boundary used when no API key is
// configured.
func NewFake() Client {
	return fakeClient{}
}

func (fakeClient) Narrative(ctx context.Context, system, user string, onDelta DeltaFunc) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", unavailablef("narrative: %v", err)
	}
	var p NarrativePayload
	_ = json.Unmarshal([]byte(user), &p)

	var sb strings.Builder
	switch {
	case p.Outcome != "":
		fmt.Fprintf(&sb, "The run comes to rest: %s.", p.Outcome)
		if p.ExecutedText != "" {
			fmt.Fprintf(&sb, " What settled it was the moment you chose to %s.", lowerFirst(p.ExecutedText))
		}
	case p.FallbackUsed:
		fmt.Fprintf(&sb, "That does not quite land here. %s", p.SceneBrief)
		switch p.NudgeTier {
		case "firm":
			sb.WriteString(" Focus: pick one of the paths in front of you.")
		case "neutral":
			sb.WriteString(" One of the listed options would carry you further.")
		default:
			sb.WriteString(" Perhaps one of the obvious options is worth a look.")
		}
	case p.ExecutedText != "":
		fmt.Fprintf(&sb, "You decide to %s. %s", lowerFirst(p.ExecutedText), p.SceneBrief)
	default:
		sb.WriteString("The moment passes quietly, and the scene holds its shape.")
	}

	text := sb.String()
	if onDelta != nil {
		half := len(text) / 2
		for half > 0 && half < len(text) && text[half] != ' ' {
			half++
		}
		if half <= 0 || half >= len(text) {
			onDelta(text)
		} else {
			onDelta(text[:half])
			onDelta(text[half:])
		}
	}
	return text, nil
}

func (f fakeClient) CallStructured(ctx context.Context, schema *Schema, system, user string, maxAttempts int) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailablef("%s: %v", schema.Name, err)
	}
	var out any
	switch schema.Name {
	case SchemaSelectionMappingV3:
		var p SelectionPayload
		if err := json.Unmarshal([]byte(user), &p); err != nil {
			return nil, unavailablef("%s: fake boundary expects a JSON payload", schema.Name)
		}
		out = fakeSelection(p)
	case SchemaEndingBundleV1:
		var p EndingBundlePayload
		if err := json.Unmarshal([]byte(user), &p); err != nil {
			return nil, unavailablef("%s: fake boundary expects a JSON payload", schema.Name)
		}
		out = fakeEndingBundle(p)
	default:
		return nil, unavailablef("%s: fake boundary has no generator", schema.Name)
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return nil, unavailablef("%s: marshal fake response", schema.Name)
	}
	// The fake honors the same contract the real boundary is held to.
	return schema.Decode(raw)
}

// fakeSelection maps input to a decision with fixed rules: an input
// policy flag wins, then the literal markers "off_topic" and
// "low_conf", then choice-id and choice-text matching, else NO_MATCH.
func fakeSelection(p SelectionPayload) SelectionResult {
	input := strings.ToLower(strings.TrimSpace(p.PlayerInput))
	tier := 0
	if strings.Contains(input, "!") {
		tier = 1
	}

	if p.InputPolicyFlag {
		return fallbackResult(p, story.ReasonInputPolicy, 0.99, tier)
	}
	if strings.Contains(input, "off_topic") || strings.Contains(input, "off topic") {
		return fallbackResult(p, story.ReasonOffTopic, 0.9, tier)
	}
	if strings.Contains(input, "low_conf") {
		if len(p.VisibleChoices) > 0 {
			c := p.VisibleChoices[0]
			return SelectionResult{
				DecisionCode:  DecisionSelectChoice,
				TargetType:    "choice",
				TargetID:      c.ID,
				Confidence:    0.5,
				IntensityTier: tier,
				Candidates:    []SelectionCandidate{{TargetID: c.ID, TargetType: "choice", Confidence: 0.5}},
			}
		}
		return fallbackResult(p, story.ReasonLowConf, 0.5, tier)
	}

	if best, conf := matchChoice(input, p.VisibleChoices); best != "" {
		return SelectionResult{
			DecisionCode:  DecisionSelectChoice,
			TargetType:    "choice",
			TargetID:      best,
			Confidence:    conf,
			IntensityTier: tier,
			Candidates:    []SelectionCandidate{{TargetID: best, TargetType: "choice", Confidence: conf}},
		}
	}
	return fallbackResult(p, story.ReasonNoMatch, 0.3, tier)
}

func matchChoice(input string, choices []TargetOption) (string, float64) {
	bestID, bestScore := "", 0
	for _, c := range choices {
		if input == strings.ToLower(c.ID) || strings.Contains(input, strings.ToLower(c.ID)) {
			return c.ID, 0.95
		}
		score := 0
		for _, w := range strings.Fields(strings.ToLower(c.Text)) {
			if len(w) > 3 && strings.Contains(input, w) {
				score++
			}
		}
		if score > bestScore {
			bestID, bestScore = c.ID, score
		}
	}
	if bestScore >= 2 {
		return bestID, 0.92
	}
	return "", 0
}

func fallbackResult(p SelectionPayload, reason story.ReasonCode, conf float64, tier int) SelectionResult {
	res := SelectionResult{
		DecisionCode:       FallbackDecisionFor(reason),
		TargetType:         "fallback",
		Confidence:         conf,
		IntensityTier:      tier,
		FallbackReasonCode: reason,
	}
	for _, fb := range p.AvailableFallbacks {
		if fb.ReasonCode == reason {
			res.TargetID = fb.ID
			res.Candidates = []SelectionCandidate{{TargetID: fb.ID, TargetType: "fallback", Confidence: conf}}
			break
		}
	}
	return res
}

// fakeEndingBundle echoes the engine's run stats back into the report,
// which is what the real prompt instructs the model to do.
func fakeEndingBundle(p EndingBundlePayload) EndingBundleResult {
	title := p.EndingTitle
	if title == "" {
		title = p.EndingID
	}
	var sb strings.Builder
	if p.Timeout {
		fmt.Fprintf(&sb, "Time runs out on %s.", p.StoryTitle)
	} else {
		fmt.Fprintf(&sb, "%s.", title)
	}
	fmt.Fprintf(&sb, " The week closes with a %s note", p.Outcome)
	if p.Camp != "" {
		fmt.Fprintf(&sb, ", and it belongs to the %s", p.Camp)
	}
	sb.WriteString(".")

	stats := p.Stats
	if stats == nil {
		stats = map[string]any{}
	}
	return EndingBundleResult{
		NarrativeText: sb.String(),
		EndingReport: map[string]any{
			"summary": title,
			"outcome": string(p.Outcome),
			"stats":   stats,
		},
	}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
