package extensions

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pi-run/pi/internal/hooks"
)

const (
	// ManifestFilename is the expected filename for extension manifests.
	ManifestFilename = "EXTENSION.md"

	// FrontmatterDelimiter marks the beginning and end of YAML frontmatter.
	FrontmatterDelimiter = "---"
)

// Manifest represents extension metadata parsed from EXTENSION.md
// frontmatter.
type Manifest struct {
	// Name is the unique identifier for this extension.
	Name string `yaml:"name"`

	// Description explains what the extension does.
	Description string `yaml:"description"`

	// Events lists the event types this extension listens for.
	Events []hooks.EventType `yaml:"events"`

	// Requires defines eligibility requirements.
	Requires *Requirements `yaml:"requires"`

	// Enabled controls whether the extension is active (default: true).
	Enabled *bool `yaml:"enabled"`

	// Priority determines call order (lower = earlier, default: PriorityNormal).
	Priority hooks.Priority `yaml:"priority"`

	// Always skips eligibility checks if true.
	Always bool `yaml:"always"`
}

// Requirements defines eligibility checks for an extension.
type Requirements struct {
	Bins    []string `yaml:"bins"`
	AnyBins []string `yaml:"anyBins"`
	Env     []string `yaml:"env"`
	Config  []string `yaml:"config"`
	OS      []string `yaml:"os"`
}

// Entry is a discovered extension with its metadata and content.
type Entry struct {
	Manifest Manifest
	Content  string
	Path     string
	Source   SourceType

	// SourcePriority is used for conflict resolution (higher wins).
	SourcePriority int
}

// SourceType indicates where an extension was discovered from.
type SourceType string

const (
	SourceBundled    SourceType = "bundled"
	SourceUserGlobal SourceType = "user_global"
	SourceWorkspace  SourceType = "workspace"
	SourceExtra      SourceType = "extra"
)

// Default source priorities, lowest to highest; higher wins a name
// collision between sources.
const (
	PriorityExtra      = 10
	PriorityBundled    = 20
	PriorityUserGlobal = 30
	PriorityWorkspace  = 40
)

// Source discovers extensions from one location.
type Source interface {
	Type() SourceType
	Priority() int
	Discover(ctx context.Context) ([]*Entry, error)
}

// WatchableSource exposes paths for file watching.
type WatchableSource interface {
	WatchPaths() []string
}

// DirSource discovers extensions from subdirectories of a directory,
// each expected to hold an EXTENSION.md manifest.
type DirSource struct {
	path       string
	sourceType SourceType
	priority   int
	logger     *slog.Logger
}

// NewDirSource creates a directory discovery source.
func NewDirSource(path string, sourceType SourceType, priority int) *DirSource {
	return &DirSource{
		path:       path,
		sourceType: sourceType,
		priority:   priority,
		logger:     slog.Default().With("component", "extensions", "source", string(sourceType)),
	}
}

func (s *DirSource) Type() SourceType { return s.sourceType }
func (s *DirSource) Priority() int    { return s.priority }

func (s *DirSource) Discover(ctx context.Context) ([]*Entry, error) {
	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", s.path)
	}

	dirEntries, err := os.ReadDir(s.path)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}

	var found []*Entry
	for _, de := range dirEntries {
		select {
		case <-ctx.Done():
			return found, ctx.Err()
		default:
		}

		if !de.IsDir() {
			continue
		}

		extPath := filepath.Join(s.path, de.Name())
		manifestFile := filepath.Join(extPath, ManifestFilename)
		if _, err := os.Stat(manifestFile); os.IsNotExist(err) {
			continue
		}

		entry, err := ParseManifestFile(manifestFile)
		if err != nil {
			s.logger.Warn("failed to parse extension manifest", "path", extPath, "error", err)
			continue
		}
		entry.Source = s.sourceType
		entry.SourcePriority = s.priority

		if err := Validate(entry); err != nil {
			s.logger.Warn("invalid extension manifest", "path", extPath, "error", err)
			continue
		}

		found = append(found, entry)
		s.logger.Debug("discovered extension", "name", entry.Manifest.Name, "path", extPath, "events", entry.Manifest.Events)
	}

	return found, nil
}

func (s *DirSource) WatchPaths() []string { return []string{s.path} }

// FSSource discovers extensions from an fs.FS (used for manifests
// embedded into the binary via go:embed, which have no real directory
// to watch).
type FSSource struct {
	fsys   fs.FS
	logger *slog.Logger
}

// NewFSSource wraps fsys as a SourceBundled discovery source.
func NewFSSource(fsys fs.FS) *FSSource {
	return &FSSource{fsys: fsys, logger: slog.Default().With("component", "extensions", "source", string(SourceBundled))}
}

func (s *FSSource) Type() SourceType { return SourceBundled }
func (s *FSSource) Priority() int    { return PriorityBundled }

func (s *FSSource) Discover(ctx context.Context) ([]*Entry, error) {
	dirEntries, err := fs.ReadDir(s.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read embedded extensions: %w", err)
	}

	var found []*Entry
	for _, de := range dirEntries {
		select {
		case <-ctx.Done():
			return found, ctx.Err()
		default:
		}
		if !de.IsDir() {
			continue
		}

		manifestPath := de.Name() + "/" + ManifestFilename
		data, err := fs.ReadFile(s.fsys, manifestPath)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			s.logger.Warn("failed to read embedded extension manifest", "path", manifestPath, "error", err)
			continue
		}

		entry, err := ParseManifest(data, de.Name())
		if err != nil {
			s.logger.Warn("failed to parse embedded extension manifest", "path", manifestPath, "error", err)
			continue
		}
		entry.Source = SourceBundled
		entry.SourcePriority = PriorityBundled

		if err := Validate(entry); err != nil {
			s.logger.Warn("invalid embedded extension manifest", "path", manifestPath, "error", err)
			continue
		}

		found = append(found, entry)
	}

	return found, nil
}

// ParseManifestFile parses an EXTENSION.md file and returns its Entry.
func ParseManifestFile(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return ParseManifest(data, filepath.Dir(path))
}

// ParseManifest parses EXTENSION.md content into an Entry.
func ParseManifest(data []byte, path string) (*Entry, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("split frontmatter: %w", err)
	}

	// yaml.Unmarshal leaves fields absent from the frontmatter untouched,
	// so an unset priority keeps this default.
	manifest := Manifest{Priority: hooks.PriorityNormal}
	if err := yaml.Unmarshal(frontmatter, &manifest); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}

	return &Entry{
		Manifest: manifest,
		Content:  strings.TrimSpace(string(body)),
		Path:     path,
	}, nil
}

func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != FrontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var frontLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == FrontmatterDelimiter {
			closed = true
			break
		}
		frontLines = append(frontLines, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scanner error: %w", err)
	}

	return []byte(strings.Join(frontLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}

// Validate checks that an Entry's manifest is well-formed.
func Validate(entry *Entry) error {
	if entry.Manifest.Name == "" {
		return fmt.Errorf("name is required")
	}
	for _, r := range entry.Manifest.Name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-') {
			return fmt.Errorf("name must be lowercase alphanumeric with hyphens: got %q", entry.Manifest.Name)
		}
	}
	if len(entry.Manifest.Events) == 0 {
		return fmt.Errorf("at least one event is required")
	}
	return nil
}

// EligibilityResult reports whether an extension may be loaded.
type EligibilityResult struct {
	Eligible bool
	Reason   string
}

// GatingContext provides the environment extensions are gated against.
type GatingContext struct {
	OS           string
	PathBins     map[string]bool
	EnvVars      map[string]bool
	ConfigValues map[string]any
}

// NewGatingContext builds a GatingContext from the current environment.
func NewGatingContext(configValues map[string]any) *GatingContext {
	return &GatingContext{
		OS:           runtime.GOOS,
		PathBins:     make(map[string]bool),
		EnvVars:      make(map[string]bool),
		ConfigValues: configValues,
	}
}

func (c *GatingContext) CheckBinary(name string) bool {
	if v, ok := c.PathBins[name]; ok {
		return v
	}
	_, err := exec.LookPath(name)
	c.PathBins[name] = err == nil
	return c.PathBins[name]
}

func (c *GatingContext) CheckEnv(name string) bool {
	if v, ok := c.EnvVars[name]; ok {
		return v
	}
	_, exists := os.LookupEnv(name)
	c.EnvVars[name] = exists
	return exists
}

func (c *GatingContext) CheckConfig(path string) bool {
	if c.ConfigValues == nil {
		return false
	}
	parts := strings.Split(path, ".")
	var current any = c.ConfigValues
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return false
		}
		current = m[part]
	}
	return isTruthy(current)
}

func isTruthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != "" && val != "false" && val != "0"
	case int, int8, int16, int32, int64:
		return val != 0
	case uint, uint8, uint16, uint32, uint64:
		return val != 0
	case float32, float64:
		return val != 0
	default:
		return true
	}
}

// CheckEligibility evaluates whether entry may be loaded under ctx.
func (entry *Entry) CheckEligibility(ctx *GatingContext) EligibilityResult {
	m := entry.Manifest

	if m.Enabled != nil && !*m.Enabled {
		return EligibilityResult{false, "disabled in config"}
	}
	if m.Always {
		return EligibilityResult{true, "always enabled"}
	}

	reqs := m.Requires
	if reqs == nil {
		return EligibilityResult{true, ""}
	}

	if len(reqs.OS) > 0 {
		found := false
		for _, os := range reqs.OS {
			if os == ctx.OS {
				found = true
				break
			}
		}
		if !found {
			return EligibilityResult{false, fmt.Sprintf("requires OS %v, have %s", reqs.OS, ctx.OS)}
		}
	}

	for _, bin := range reqs.Bins {
		if !ctx.CheckBinary(bin) {
			return EligibilityResult{false, fmt.Sprintf("missing required binary: %s", bin)}
		}
	}

	if len(reqs.AnyBins) > 0 {
		found := false
		for _, bin := range reqs.AnyBins {
			if ctx.CheckBinary(bin) {
				found = true
				break
			}
		}
		if !found {
			return EligibilityResult{false, fmt.Sprintf("requires one of: %v", reqs.AnyBins)}
		}
	}

	for _, env := range reqs.Env {
		if !ctx.CheckEnv(env) {
			return EligibilityResult{false, fmt.Sprintf("missing environment variable: %s", env)}
		}
	}

	for _, path := range reqs.Config {
		if !ctx.CheckConfig(path) {
			return EligibilityResult{false, fmt.Sprintf("config not truthy: %s", path)}
		}
	}

	return EligibilityResult{true, ""}
}

// FilterEligible narrows entries to those eligible under ctx.
func FilterEligible(entries []*Entry, ctx *GatingContext) []*Entry {
	var eligible []*Entry
	for _, e := range entries {
		if r := e.CheckEligibility(ctx); r.Eligible {
			eligible = append(eligible, e)
		}
	}
	return eligible
}

// DiscoverAll merges entries from every source, higher SourcePriority
// wins a name collision. Entries come back in the order their names were
// first discovered.
func DiscoverAll(ctx context.Context, sources []Source) ([]*Entry, error) {
	byName := make(map[string]*Entry)
	var order []string

	for _, source := range sources {
		entries, err := source.Discover(ctx)
		if err != nil {
			slog.Warn("extension discovery failed", "source", source.Type(), "error", err)
			continue
		}
		for _, entry := range entries {
			existing, ok := byName[entry.Manifest.Name]
			if !ok {
				byName[entry.Manifest.Name] = entry
				order = append(order, entry.Manifest.Name)
				continue
			}
			if entry.SourcePriority > existing.SourcePriority {
				slog.Debug("extension override", "name", entry.Manifest.Name, "oldSource", existing.Source, "newSource", entry.Source)
				byName[entry.Manifest.Name] = entry
			}
		}
	}

	out := make([]*Entry, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	return out, nil
}

// BuildDefaultSources assembles the discovery sources spec §4.D names,
// in ascending priority: explicit extra paths, bundled (embedded in the
// binary), user-global directory, per-workspace directory
// (<workspace>/.pi/extensions), so the workspace wins a name collision
// with any other source. bundledFS is typically
// bundled.FS(); pass nil to skip it (e.g. in tests).
func BuildDefaultSources(workspacePath, userGlobalPath string, bundledFS fs.FS, extraDirs []string) []Source {
	var sources []Source

	for _, dir := range extraDirs {
		sources = append(sources, NewDirSource(dir, SourceExtra, PriorityExtra))
	}
	if bundledFS != nil {
		sources = append(sources, NewFSSource(bundledFS))
	}
	if userGlobalPath != "" {
		sources = append(sources, NewDirSource(userGlobalPath, SourceUserGlobal, PriorityUserGlobal))
	}
	if workspacePath != "" {
		sources = append(sources, NewDirSource(filepath.Join(workspacePath, ".pi", "extensions"), SourceWorkspace, PriorityWorkspace))
	}

	return sources
}

// DefaultUserGlobalPath returns ~/.pi/agent/extensions.
func DefaultUserGlobalPath() string {
	home, _ := os.UserHomeDir()
	if strings.TrimSpace(home) == "" {
		home = "."
	}
	return filepath.Join(home, ".pi", "agent", "extensions")
}
