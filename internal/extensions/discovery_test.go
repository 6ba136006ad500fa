package extensions

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pi-run/pi/internal/hooks"
)

func writeManifest(t *testing.T, dir, name, body string) {
	t.Helper()
	extDir := filepath.Join(dir, name)
	if err := os.MkdirAll(extDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(extDir, ManifestFilename), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDirSource_Discover(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "logger", "---\nname: logger\ndescription: logs things\nevents:\n  - tool_call\n---\nbody\n")

	src := NewDirSource(dir, SourceWorkspace, PriorityWorkspace)
	entries, err := src.Discover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Manifest.Name != "logger" {
		t.Errorf("got name %q", entries[0].Manifest.Name)
	}
}

func TestDirSource_Discover_MissingDir(t *testing.T) {
	src := NewDirSource(filepath.Join(t.TempDir(), "nope"), SourceWorkspace, PriorityWorkspace)
	entries, err := src.Discover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if entries != nil {
		t.Errorf("expected no entries for a missing directory, got %v", entries)
	}
}

func TestValidate_RejectsMissingName(t *testing.T) {
	entry := &Entry{Manifest: Manifest{Events: []hooks.EventType{hooks.EventToolCall}}}
	if err := Validate(entry); err == nil {
		t.Error("expected an error for an empty name")
	}
}

func TestValidate_RejectsNoEvents(t *testing.T) {
	entry := &Entry{Manifest: Manifest{Name: "no-events"}}
	if err := Validate(entry); err == nil {
		t.Error("expected an error for no events")
	}
}

func TestDiscoverAll_HigherPriorityWins(t *testing.T) {
	lowDir, highDir := t.TempDir(), t.TempDir()
	writeManifest(t, lowDir, "shared", "---\nname: shared\ndescription: from extra\nevents:\n  - turn_start\n---\n")
	writeManifest(t, highDir, "shared", "---\nname: shared\ndescription: from workspace\nevents:\n  - turn_start\n---\n")

	sources := []Source{
		NewDirSource(lowDir, SourceExtra, PriorityExtra),
		NewDirSource(highDir, SourceWorkspace, PriorityWorkspace),
	}

	entries, err := DiscoverAll(context.Background(), sources)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected entries to be deduplicated by name, got %d", len(entries))
	}
	if entries[0].Manifest.Description != "from workspace" {
		t.Errorf("expected the higher-priority source to win, got %q", entries[0].Manifest.Description)
	}
}

func TestEligibility_RequiresBinary(t *testing.T) {
	entry := &Entry{Manifest: Manifest{
		Name:     "needs-bin",
		Requires: &Requirements{Bins: []string{"definitely-not-a-real-binary-xyz"}},
	}}
	ctx := NewGatingContext(nil)
	result := entry.CheckEligibility(ctx)
	if result.Eligible {
		t.Error("expected ineligible when a required binary is missing")
	}
}

func TestEligibility_Always(t *testing.T) {
	entry := &Entry{Manifest: Manifest{
		Name:     "always-on",
		Always:   true,
		Requires: &Requirements{Bins: []string{"definitely-not-a-real-binary-xyz"}},
	}}
	ctx := NewGatingContext(nil)
	if !entry.CheckEligibility(ctx).Eligible {
		t.Error("expected always:true to skip eligibility checks")
	}
}

func TestEligibility_DisabledOverridesAlways(t *testing.T) {
	disabled := false
	entry := &Entry{Manifest: Manifest{Name: "off", Always: true, Enabled: &disabled}}
	if entry.CheckEligibility(NewGatingContext(nil)).Eligible {
		t.Error("expected enabled:false to win over always:true")
	}
}
