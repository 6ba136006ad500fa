// Package tools holds helpers shared by the bundled built-in tools
// (internal/tools/bash, internal/tools/compactionstatus): the JSON
// Schema generator every bundled tool uses to build its Parameters().
package tools

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

var reflectorOnce sync.Once
var reflector *jsonschema.Reflector

func sharedReflector() *jsonschema.Reflector {
	reflectorOnce.Do(func() {
		reflector = &jsonschema.Reflector{
			FieldNameTag:              "json",
			ExpandedStruct:            true,
			DoNotReference:            true,
			AllowAdditionalProperties: false,
		}
	})
	return reflector
}

// GenerateSchema reflects v's JSON tags into a tool-call parameter
// schema. v should be the zero value of the tool's argument struct,
// e.g. GenerateSchema(&bashArgs{}).
func GenerateSchema(v any) (json.RawMessage, error) {
	schema := sharedReflector().Reflect(v)
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}
