package mcp

import (
	"encoding/json"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// compileSchema checks that a tool's declared input schema is a valid
// JSON Schema document. An absent schema is accepted (parameterless
// tools).
func compileSchema(schema json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	sl := gojsonschema.NewSchemaLoader()
	_, err := sl.Compile(gojsonschema.NewBytesLoader(schema))
	return err
}

// quarantineInvalidTools drops descriptors whose schema does not
// compile so malformed schemas never propagate into a model call
func quarantineInvalidTools(logger zerolog.Logger, providerID string, tools []ToolDescriptor) []ToolDescriptor {
	valid := make([]ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		if err := compileSchema(t.InputSchema); err != nil {
			logger.Warn().
				Str("provider", providerID).
				Str("tool", t.Name).
				Err(err).
				Msg("Quarantining tool with invalid input schema")
			continue
		}
		valid = append(valid, t)
	}
	return valid
}
