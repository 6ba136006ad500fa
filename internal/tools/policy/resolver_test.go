package policy

import "testing"

func TestNormalizeTool(t *testing.T) {
	cases := map[string]string{
		"Bash":        "bash",
		" shell ":     "bash",
		"sh":          "bash",
		"apply_patch": "edit",
		"apply-patch": "edit",
		"web_search":  "websearch",
		"READ":        "read",
	}
	for input, want := range cases {
		if got := NormalizeTool(input); got != want {
			t.Errorf("NormalizeTool(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestResolver_Decide_ProfileCoding(t *testing.T) {
	r := NewResolver()
	p := NewPolicy(ProfileCoding)

	for _, tool := range []string{"bash", "read", "write", "edit", "glob", "grep", "websearch", "webfetch", "task"} {
		if !r.IsAllowed(p, tool) {
			t.Errorf("expected %q to be allowed under coding profile", tool)
		}
	}
}

func TestResolver_Decide_DenyOverridesAllow(t *testing.T) {
	r := NewResolver()
	p := NewPolicy(ProfileCoding).WithDeny("bash")

	if r.IsAllowed(p, "bash") {
		t.Error("expected bash to be denied despite matching the coding profile's allow list")
	}
	if !r.IsAllowed(p, "read") {
		t.Error("expected read to remain allowed")
	}
}

func TestResolver_Decide_NoPolicyDeniesEverything(t *testing.T) {
	r := NewResolver()
	decision := r.Decide(nil, "bash")
	if decision.Allowed {
		t.Error("expected a nil policy to deny every tool")
	}
	if decision.Reason != "no policy configured" {
		t.Errorf("unexpected reason: %q", decision.Reason)
	}
}

func TestResolver_MCPWildcards(t *testing.T) {
	r := NewResolver()
	r.RegisterMCPServer("github", []string{"create_issue", "list_prs"})

	p := NewPolicy("").WithAllow("mcp:github.*")
	if !r.IsAllowed(p, "mcp:github.create_issue") {
		t.Error("expected mcp:github.* to allow mcp:github.create_issue")
	}
	if r.IsAllowed(p, "mcp:other.create_issue") {
		t.Error("expected mcp:github.* to not allow a different server's tool")
	}
}

func TestResolver_ByProviderOverride(t *testing.T) {
	r := NewResolver()
	p := &Policy{
		Allow: []string{"group:fs"},
		ByProvider: map[string]*Policy{
			"mcp:untrusted": {Deny: []string{"*"}},
		},
	}
	r.RegisterMCPServer("untrusted", []string{"danger"})

	if r.IsAllowed(p, "mcp:untrusted.danger") {
		t.Error("expected the by-provider deny-all override to block the untrusted MCP server")
	}
	if !r.IsAllowed(p, "read") {
		t.Error("expected built-in tools to remain governed by the base policy")
	}
}

func TestResolver_ProfileFullAllowsUnlessDenied(t *testing.T) {
	r := NewResolver()
	p := NewPolicy(ProfileFull).WithDeny("bash")

	if !r.IsAllowed(p, "anything_goes") {
		t.Error("expected profile full to allow an unlisted tool")
	}
	if r.IsAllowed(p, "bash") {
		t.Error("expected profile full to still honor explicit deny")
	}
}

func TestResolver_RegisterAlias(t *testing.T) {
	r := NewResolver()
	r.RegisterAlias("gitcommit", "bash")
	if got := r.CanonicalName("gitcommit"); got != "bash" {
		t.Errorf("CanonicalName(gitcommit) = %q, want bash", got)
	}
}

func TestMerge(t *testing.T) {
	base := NewPolicy(ProfileCoding).WithAllow("read")
	override := NewPolicy(ProfileReadonly).WithDeny("bash")

	merged := Merge(base, override)
	if merged.Profile != ProfileReadonly {
		t.Errorf("expected the later profile to win, got %q", merged.Profile)
	}
	if len(merged.Allow) != 1 || merged.Allow[0] != "read" {
		t.Errorf("expected allow lists to accumulate, got %v", merged.Allow)
	}
	if len(merged.Deny) != 1 || merged.Deny[0] != "bash" {
		t.Errorf("expected deny lists to accumulate, got %v", merged.Deny)
	}
}
