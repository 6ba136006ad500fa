// Package policy provides tool-name canonicalisation and pattern
// matching: which of a session's built-in and MCP tools a given Policy
// allows, keyed off a normalized tool name rather than raw spelling.
package policy

import (
	"strings"
)

// Profile is a pre-configured tool access level that provides sensible
// defaults for common agent configurations.
type Profile string

const (
	// ProfileMinimal allows only read-only inspection tools.
	ProfileMinimal Profile = "minimal"

	// ProfileCoding allows filesystem, shell, web and task tools — the
	// default profile for an interactive coding session.
	ProfileCoding Profile = "coding"

	// ProfileReadonly allows inspection tools but nothing that mutates
	// the workspace or runs a process.
	ProfileReadonly Profile = "readonly"

	// ProfileFull allows every tool (except explicitly denied).
	ProfileFull Profile = "full"
)

// Policy defines tool access rules for a session, combining a profile
// with explicit allow and deny lists. Deny rules always take precedence
// over allow rules.
type Policy struct {
	// Profile is a pre-configured access level.
	Profile Profile `json:"profile,omitempty" yaml:"profile"`

	// Allow explicitly allows these tools (in addition to the profile).
	Allow []string `json:"allow,omitempty" yaml:"allow"`

	// Deny explicitly denies these tools (overrides allow).
	Deny []string `json:"deny,omitempty" yaml:"deny"`

	// ByProvider applies additional policy rules scoped to a tool
	// provider. For MCP tools, the provider key is "mcp:<server>". For
	// built-in tools, the provider key is "pi".
	ByProvider map[string]*Policy `json:"by_provider,omitempty" yaml:"by_provider,omitempty"`
}

// DefaultGroups are the built-in tool groups. Groups can be referenced
// in a Policy's Allow/Deny list using their key (e.g. "group:fs").
var DefaultGroups = map[string][]string{
	// Filesystem tools.
	"group:fs": {"read", "write", "edit", "glob", "grep"},

	// Shell/process execution.
	"group:shell": {"bash"},

	// Web research.
	"group:web": {"websearch", "webfetch"},

	// Sub-agent delegation.
	"group:task": {"task"},

	// Read-only tools — safe for an untrusted or observational session.
	"group:readonly": {"read", "glob", "grep", "websearch", "webfetch"},

	// Every built-in pi tool.
	"group:pi": {
		"read", "write", "edit", "glob", "grep",
		"bash",
		"websearch", "webfetch",
		"task",
	},

	// MCP tools are populated dynamically via Resolver.RegisterMCPServer;
	// "mcp:*" in a policy allows all of them, "mcp:server.*" allows a
	// specific server, "mcp:server.tool" a specific tool.
	"group:mcp": {},
}

// ProfileDefaults defines the default allow list for each Profile.
var ProfileDefaults = map[Profile]*Policy{
	ProfileMinimal: {
		Allow: []string{"read"},
	},
	ProfileCoding: {
		Allow: []string{"group:fs", "group:shell", "group:web", "group:task", "group:mcp"},
	},
	ProfileReadonly: {
		Allow: []string{"group:readonly"},
	},
	ProfileFull: {
		// Full profile allows everything not explicitly denied.
	},
}

// ToolAliases maps alternative spellings to a tool's canonical name.
var ToolAliases = map[string]string{
	"shell":       "bash",
	"sh":          "bash",
	"apply-patch": "edit",
	"apply_patch": "edit",
	"web_search":  "websearch",
	"web_fetch":   "webfetch",
	"search":      "grep",
}

// NormalizeTool normalizes a tool name to its canonical form by
// lower-casing it and resolving known aliases.
func NormalizeTool(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := ToolAliases[normalized]; ok {
		return alias
	}
	return normalized
}

// NormalizeTools normalizes a list of tool names to their canonical
// forms, dropping any that normalize to the empty string.
func NormalizeTools(names []string) []string {
	result := make([]string, 0, len(names))
	for _, name := range names {
		if normalized := NormalizeTool(name); normalized != "" {
			result = append(result, normalized)
		}
	}
	return result
}

// PolicyBuilder provides a fluent interface for building policies that
// work consistently across built-in and MCP tools.
type PolicyBuilder struct {
	policy *Policy
}

// NewPolicyBuilder creates a new policy builder.
func NewPolicyBuilder() *PolicyBuilder {
	return &PolicyBuilder{policy: &Policy{}}
}

// WithProfile sets the base profile.
func (b *PolicyBuilder) WithProfile(profile Profile) *PolicyBuilder {
	b.policy.Profile = profile
	return b
}

// Allow allows the given built-in tools (or "group:" references).
func (b *PolicyBuilder) Allow(tools ...string) *PolicyBuilder {
	for _, t := range tools {
		b.policy.Allow = append(b.policy.Allow, NormalizeTool(t))
	}
	return b
}

// AllowMCPServer allows all tools from an MCP server.
func (b *PolicyBuilder) AllowMCPServer(serverIDs ...string) *PolicyBuilder {
	for _, id := range serverIDs {
		b.policy.Allow = append(b.policy.Allow, "mcp:"+id+".*")
	}
	return b
}

// AllowMCPTool allows a specific MCP tool.
func (b *PolicyBuilder) AllowMCPTool(serverID, toolName string) *PolicyBuilder {
	b.policy.Allow = append(b.policy.Allow, "mcp:"+serverID+"."+toolName)
	return b
}

// Deny denies the given built-in tools (or "group:" references).
func (b *PolicyBuilder) Deny(tools ...string) *PolicyBuilder {
	for _, t := range tools {
		b.policy.Deny = append(b.policy.Deny, NormalizeTool(t))
	}
	return b
}

// DenyMCPServer denies all tools from an MCP server.
func (b *PolicyBuilder) DenyMCPServer(serverIDs ...string) *PolicyBuilder {
	for _, id := range serverIDs {
		b.policy.Deny = append(b.policy.Deny, "mcp:"+id+".*")
	}
	return b
}

// WithMCPServerPolicy sets provider-specific policy for an MCP server.
func (b *PolicyBuilder) WithMCPServerPolicy(serverID string, p *Policy) *PolicyBuilder {
	if b.policy.ByProvider == nil {
		b.policy.ByProvider = make(map[string]*Policy)
	}
	b.policy.ByProvider["mcp:"+serverID] = p
	return b
}

// Build returns the constructed policy.
func (b *PolicyBuilder) Build() *Policy {
	return b.policy
}

// IsMCPTool returns true if toolName refers to an MCP tool ("mcp:server"
// or "mcp:server.tool").
func IsMCPTool(toolName string) bool {
	normalized := strings.ToLower(strings.TrimSpace(toolName))
	return strings.HasPrefix(normalized, "mcp:") || strings.HasPrefix(normalized, "mcp.")
}

// ParseMCPToolName extracts the server ID and tool name from an MCP
// tool reference. Returns empty strings if toolName is not an MCP tool.
func ParseMCPToolName(toolName string) (serverID, tool string) {
	normalized := strings.ToLower(strings.TrimSpace(toolName))

	var trimmed string
	switch {
	case strings.HasPrefix(normalized, "mcp:"):
		trimmed = strings.TrimPrefix(normalized, "mcp:")
	case strings.HasPrefix(normalized, "mcp."):
		trimmed = strings.TrimPrefix(normalized, "mcp.")
	default:
		return "", ""
	}

	parts := strings.SplitN(trimmed, ".", 2)
	if len(parts) < 2 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}
