package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/pi-run/pi/internal/tools/policy"
	"github.com/pi-run/pi/pkg/models"
)

// ToolRegistry manages available tools with thread-safe registration and
// lookup. Mutated only during session_start (or an explicit extension
// reload); read-only for the rest of the session's lifetime.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewToolRegistry creates a new empty tool registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool to the registry by name, compiling its parameter
// schema eagerly so validation errors surface at registration time
// rather than on the first call. A collision with an existing name is
// resolved later-registration-wins, with the caller expected to warn
// (the extension dispatcher does this; see internal/extensions).
func (r *ToolRegistry) Register(tool Tool) error {
	compiled, err := compileToolSchema(tool.Name(), tool.Parameters())
	if err != nil {
		return fmt.Errorf("tool %q: compiling parameter schema: %w", tool.Name(), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
	r.schemas[tool.Name()] = compiled
	return nil
}

func compileToolSchema(name string, params json.RawMessage) (*jsonschema.Schema, error) {
	if len(params) == 0 {
		params = json.RawMessage(`{"type":"object"}`)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(string(params))); err != nil {
		return nil, err
	}
	return compiler.Compile(name)
}

// Unregister removes a tool from the registry by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// Get returns a tool by name and whether it was found.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Tool parameter limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// ValidateArguments validates args against the tool's compiled schema,
// formatting every violation as "  - <jsonPointer>: <message>" (spec
// §4.C step 2). Returns the formatted multi-line error, or "" if valid.
func (r *ToolRegistry) ValidateArguments(name string, args json.RawMessage) string {
	r.mu.RLock()
	schema := r.schemas[name]
	r.mu.RUnlock()
	if schema == nil {
		return ""
	}
	var value any
	if len(args) == 0 {
		value = map[string]any{}
	} else if err := json.Unmarshal(args, &value); err != nil {
		return fmt.Sprintf("  - (root): invalid JSON: %s", err)
	}
	err := schema.Validate(value)
	if err == nil {
		return ""
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return "  - (root): " + err.Error()
	}
	var lines []string
	collectValidationErrors(ve, &lines)
	if len(lines) == 0 {
		lines = append(lines, "  - (root): "+err.Error())
	}
	return strings.Join(lines, "\n")
}

func collectValidationErrors(ve *jsonschema.ValidationError, out *[]string) {
	if len(ve.Causes) == 0 {
		ptr := ve.InstanceLocation
		if ptr == "" {
			ptr = "(root)"
		}
		*out = append(*out, fmt.Sprintf("  - %s: %s", ptr, ve.Message))
		return
	}
	for _, cause := range ve.Causes {
		collectValidationErrors(cause, out)
	}
}

// Execute runs a tool call end to end per spec §4.C steps 1-3: unknown
// tool and schema-validation failures are synthesised as isError
// ToolResultMessages rather than propagated as Go errors, so a single
// bad tool call never aborts the turn.
func (r *ToolRegistry) Execute(ctx context.Context, callID string, call models.ToolCall, onUpdate ToolUpdate, tctx ToolContext, cancel <-chan struct{}) models.ToolResultMessage {
	if len(call.Name) > MaxToolNameLength {
		return errorResult(call, fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength))
	}
	if len(call.Arguments) > MaxToolParamsSize {
		return errorResult(call, fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize))
	}

	tool, ok := r.Get(call.Name)
	if !ok {
		return errorResult(call, "unknown tool: "+call.Name)
	}

	if formatted := r.ValidateArguments(call.Name, call.Arguments); formatted != "" {
		return errorResult(call, fmt.Sprintf("invalid arguments:\n%s\n\nreceived: %s", formatted, string(call.Arguments)))
	}

	out, err := tool.Execute(ctx, callID, call.Arguments, onUpdate, tctx, cancel)
	if err != nil {
		return errorResult(call, err.Error())
	}
	return models.ToolResultMessage{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    out.Text(),
		IsError:    out.IsError,
		Details:    out.Details,
	}
}

func errorResult(call models.ToolCall, content string) models.ToolResultMessage {
	return models.ToolResultMessage{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    content,
		IsError:    true,
	}
}

// AsLLMTools returns all registered tools as provider-facing ToolSpecs.
func (r *ToolRegistry) AsLLMTools() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, ToolSpec{
			Name:        t.Name(),
			Label:       t.Label(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return tools
}

func filterToolsByPolicy(resolver *policy.Resolver, toolPolicy *policy.Policy, tools []ToolSpec) []ToolSpec {
	if resolver == nil || toolPolicy == nil {
		return tools
	}
	filtered := make([]ToolSpec, 0, len(tools))
	for _, tool := range tools {
		if resolver.IsAllowed(toolPolicy, tool.Name) {
			filtered = append(filtered, tool)
		}
	}
	return filtered
}

func normalizeToolName(name string, resolver *policy.Resolver) string {
	if resolver == nil {
		return policy.NormalizeTool(name)
	}
	return resolver.CanonicalName(name)
}

func matchesToolPatterns(patterns []string, toolName string, resolver *policy.Resolver) bool {
	if len(patterns) == 0 {
		return false
	}
	name := normalizeToolName(toolName, resolver)
	for _, pattern := range patterns {
		if matchToolPattern(normalizeToolName(pattern, resolver), name) {
			return true
		}
	}
	return false
}

func matchToolPattern(pattern, toolName string) bool {
	if pattern == "" || toolName == "" {
		return false
	}
	if pattern == "mcp:*" {
		return strings.HasPrefix(toolName, "mcp:")
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(toolName, prefix)
	}
	return pattern == toolName
}

func guardToolResult(guard ToolResultGuard, toolName string, result models.ToolResultMessage, resolver *policy.Resolver) models.ToolResultMessage {
	return guard.Apply(toolName, result, resolver)
}

func guardToolResults(guard ToolResultGuard, toolCalls []models.ToolCall, results []models.ToolResultMessage, resolver *policy.Resolver) []models.ToolResultMessage {
	if !guard.active() || len(results) == 0 {
		return results
	}

	namesByID := make(map[string]string, len(toolCalls))
	for _, tc := range toolCalls {
		if tc.ID != "" {
			namesByID[tc.ID] = tc.Name
		}
	}

	guarded := make([]models.ToolResultMessage, len(results))
	for i, res := range results {
		toolName := namesByID[res.ToolCallID]
		if toolName == "" && i < len(toolCalls) {
			toolName = toolCalls[i].Name
		}
		guarded[i] = guardToolResult(guard, toolName, res, resolver)
	}
	return guarded
}
