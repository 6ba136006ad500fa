package tools

import (
	"encoding/json"
	"testing"
)

func TestGenerateSchema_ReflectsJSONTags(t *testing.T) {
	type args struct {
		Command string `json:"command" jsonschema:"required,description=a command"`
	}
	raw, err := GenerateSchema(&args{})
	if err != nil {
		t.Fatalf("GenerateSchema: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decoding schema: %v", err)
	}
	props, ok := decoded["properties"].(map[string]any)
	if !ok {
		t.Fatalf("properties missing or wrong type: %+v", decoded)
	}
	if _, ok := props["command"]; !ok {
		t.Errorf("expected a \"command\" property, got %+v", props)
	}
}
