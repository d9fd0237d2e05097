package mapping

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"go.aimuz.me/gesturekeys/action"
	"go.aimuz.me/gesturekeys/internal/types"
)

const schemaURL = "gesturekeys://mapping-config.schema.json"

// documentSchema describes the structure of a mapping document. Value rules
// (empty gestures, action syntax, negative hold) belong to Validate.
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["mappings"],
  "properties": {
    "mappings": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["gesture", "action", "action_type"],
        "properties": {
          "gesture": {"type": "string"},
          "action": {"type": "string"},
          "action_type": {"type": "string"},
          "hold_ms": {"type": ["integer", "null"]}
        }
      }
    }
  }
}`

var docSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, strings.NewReader(documentSchema)); err != nil {
		panic(fmt.Sprintf("add schema resource: %v", err))
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		panic(fmt.Sprintf("compile schema: %v", err))
	}
	return schema
}

// Parse decodes a mapping document. Malformed documents are rejected with a
// *ParseError rather than coerced.
func Parse(doc []byte) (types.MappingConfig, error) {
	var instance any
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		return types.MappingConfig{}, &ParseError{Reason: "invalid json", Err: err}
	}
	if err := docSchema.Validate(instance); err != nil {
		return types.MappingConfig{}, &ParseError{Reason: "schema violation", Err: err}
	}

	var cfg types.MappingConfig
	if err := json.Unmarshal(doc, &cfg); err != nil {
		return types.MappingConfig{}, &ParseError{Reason: "decode", Err: err}
	}
	if cfg.Mappings == nil {
		cfg.Mappings = []types.GestureMapping{}
	}

	seen := make(map[string]int, len(cfg.Mappings))
	for i, m := range cfg.Mappings {
		key := action.NormalizeGesture(m.Gesture)
		if j, ok := seen[key]; ok {
			return types.MappingConfig{}, &ParseError{
				Reason: fmt.Sprintf("gesture %q appears at rows %d and %d", key, j, i),
				Err:    ErrDuplicateGesture,
			}
		}
		seen[key] = i
	}
	return cfg, nil
}

// Marshal encodes cfg as a mapping document.
func Marshal(cfg types.MappingConfig) ([]byte, error) {
	if cfg.Mappings == nil {
		cfg.Mappings = []types.GestureMapping{}
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal mappings: %w", err)
	}
	return data, nil
}
