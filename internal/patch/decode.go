package patch

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

const patchSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["op", "path"],
    "properties": {
      "op": {"enum": ["add", "remove", "replace", "move", "copy", "test"]},
      "path": {"type": "string", "pattern": "^(/[^/]*)+$"},
      "from": {"type": "string", "pattern": "^(/[^/]*)+$"},
      "value": {}
    },
    "additionalProperties": false,
    "oneOf": [
      {"properties": {"op": {"enum": ["add", "replace", "test"]}}, "required": ["value"]},
      {"properties": {"op": {"enum": ["remove"]}}},
      {"properties": {"op": {"enum": ["move", "copy"]}}, "required": ["from"]}
    ]
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *gojsonschema.Schema
	schemaErr      error
)

func loadSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(patchSchema))
	})
	return compiledSchema, schemaErr
}

// Decode validates raw against the JSON Patch document schema and returns the parsed patch.
// Empty input or a JSON null decode to an empty patch.
func Decode(raw []byte) (Patch, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return Patch{}, nil
	}

	schema, err := loadSchema()
	if err != nil {
		return nil, err
	}
	result, err := schema.Validate(gojsonschema.NewStringLoader(trimmed))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, description := range result.Errors() {
			messages = append(messages, description.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidPatch, strings.Join(messages, "; "))
	}

	var decoded Patch
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	if err := decoded.Validate(); err != nil {
		return nil, err
	}
	return decoded, nil
}
