package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestSettingsStore_LoadMissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	store, err := LoadSettingsStore(dir)
	if err != nil {
		t.Fatalf("LoadSettingsStore: %v", err)
	}
	if got := store.Get(); got.DefaultProvider != "" {
		t.Errorf("Get() = %+v, want zero value", got)
	}
}

func TestSettingsStore_UpdateRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store, err := LoadSettingsStore(dir)
	if err != nil {
		t.Fatalf("LoadSettingsStore: %v", err)
	}

	want := Settings{
		DefaultProvider: "anthropic",
		DefaultModel:    "claude-sonnet-4-5",
		QueueMode:       QueueModeAll,
		Extensions:      []string{"~/.pi/agent/extensions/custom.ts"},
	}
	if err := store.Update(want); err != nil {
		t.Fatalf("Update: %v", err)
	}

	info, err := os.Stat(SettingsPath(dir))
	if err != nil {
		t.Fatalf("stat settings.json: %v", err)
	}
	if info.Mode().Perm() != SettingsFileMode {
		t.Errorf("settings.json mode = %v, want %v", info.Mode().Perm(), os.FileMode(SettingsFileMode))
	}

	reloaded, err := LoadSettingsStore(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := reloaded.Get(); !reflect.DeepEqual(got, want) {
		t.Errorf("reloaded settings = %+v, want %+v", got, want)
	}
}

func TestSettingsStore_EffectiveQueueModeDefaultsToOneAtATime(t *testing.T) {
	var s Settings
	if got := s.EffectiveQueueMode(); got != QueueModeOneAtATime {
		t.Errorf("EffectiveQueueMode() = %v, want %v", got, QueueModeOneAtATime)
	}
	s.QueueMode = QueueModeAll
	if got := s.EffectiveQueueMode(); got != QueueModeAll {
		t.Errorf("EffectiveQueueMode() = %v, want %v", got, QueueModeAll)
	}
}

func TestSettingsStore_LoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(dir, StateDirMode); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "settings.json"), []byte("{not json"), SettingsFileMode); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadSettingsStore(dir); err == nil {
		t.Error("expected parse error, got nil")
	}
}
