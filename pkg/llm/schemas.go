package llm

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Wire schema names. They version the payload contracts and are
// recorded in action-log classification payloads.
const (
	SchemaSelectionMappingV3 = "story_selection_mapping_v3"
	SchemaEndingBundleV1     = "story_ending_bundle_v1"
	SchemaNarrativeV1        = "story_narrative_v1"
)

// Schema pairs a wire name with its compiled Draft 2020-12 validator.
type Schema struct {
	Name     string
	compiled *jsonschema.Schema
}

// Decode strips optional markdown fences, requires a top-level JSON
// object, validates it against the schema and returns the cleaned raw
// bytes. Any violation is reported as ErrUnavailable.
func (s *Schema) Decode(raw []byte) (json.RawMessage, error) {
	text := strings.TrimSpace(string(raw))
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		return nil, unavailablef("%s: response is not valid JSON", s.Name)
	}
	if _, ok := doc.(map[string]any); !ok {
		return nil, unavailablef("%s: response is not a JSON object", s.Name)
	}
	if err := s.compiled.Validate(doc); err != nil {
		return nil, unavailablef("%s: schema violation: %v", s.Name, err)
	}
	return json.RawMessage(text), nil
}

// SelectionSchema validates free-input mapping decisions.
var SelectionSchema = mustSchema(SchemaSelectionMappingV3, `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["decision_code", "target_type", "confidence", "intensity_tier"],
	"additionalProperties": false,
	"properties": {
		"decision_code": {
			"type": "string",
			"enum": ["SELECT_CHOICE", "FALLBACK_NO_MATCH", "FALLBACK_LOW_CONF", "FALLBACK_OFF_TOPIC", "FALLBACK_INPUT_POLICY"]
		},
		"target_type": {"type": "string", "enum": ["choice", "fallback"]},
		"target_id": {"type": "string"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"intensity_tier": {"type": "integer", "minimum": -2, "maximum": 2},
		"fallback_reason_code": {
			"type": "string",
			"enum": ["NO_MATCH", "LOW_CONF", "INPUT_POLICY", "OFF_TOPIC"]
		},
		"candidates": {
			"type": "array",
			"maxItems": 3,
			"items": {
				"type": "object",
				"required": ["target_id", "confidence"],
				"additionalProperties": false,
				"properties": {
					"target_id": {"type": "string"},
					"target_type": {"type": "string", "enum": ["choice", "fallback"]},
					"confidence": {"type": "number", "minimum": 0, "maximum": 1}
				}
			}
		}
	}
}`)

// EndingBundleSchema validates the combined final-narration payload.
var EndingBundleSchema = mustSchema(SchemaEndingBundleV1, `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["narrative_text", "ending_report"],
	"additionalProperties": false,
	"properties": {
		"narrative_text": {"type": "string", "minLength": 1},
		"ending_report": {"type": "object"}
	}
}`)

func mustSchema(name, raw string) *Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		panic("llm: schema " + name + ": " + err.Error())
	}
	compiler := jsonschema.NewCompiler()
	url := name + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		panic("llm: schema " + name + ": " + err.Error())
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		panic("llm: schema " + name + ": " + err.Error())
	}
	return &Schema{Name: name, compiled: compiled}
}
