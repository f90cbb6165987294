package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// GenerateSchema derives a kernel.ToolSchema's Parameters from a Go
// struct describing a built-in tool's arguments, so built-in tool
// schemas are generated once from the params type instead of
// hand-written and kept in sync by hand.
func GenerateSchema(name, description string, params any) (json.RawMessage, error) {
	reflector := &jsonschema.Reflector{
		ExpandedStruct:            true,
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	schema := reflector.Reflect(params)
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("tools: generating schema for %q: %w", name, err)
	}
	return b, nil
}
