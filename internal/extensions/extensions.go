// Package extensions implements the extension loading and registration
// surface (spec 4.D): discovery of EXTENSION.md manifests, eligibility
// gating, and the ExtensionAPI write capability extensions use to
// install hook handlers, tools and slash-commands at session start.
package extensions

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/pi-run/pi/internal/agent"
	"github.com/pi-run/pi/internal/hooks"
)

// Extension is a Go-native, compiled-in extension. Extensions are
// in-process and trusted — there is no sandbox and no dynamically
// interpreted script format; an EXTENSION.md manifest only gates
// whether a statically registered Extension is eligible to load.
type Extension interface {
	// Name must match the corresponding EXTENSION.md manifest's name.
	Name() string
	// Load installs this extension's hooks, tools and commands into
	// api. Called at most once, during session_start.
	Load(api *ExtensionAPI) error
}

// Command is a slash-command an extension registers (spec §6:
// `/name [args…]`).
type Command struct {
	Name        string
	Description string
	Run         func(args string) (string, error)
}

var (
	factoryMu sync.RWMutex
	factories = map[string]func() Extension{}
)

// RegisterFactory adds name to the compile-time catalog of loadable
// extensions. Bundled extensions call this from an init() function,
// mirroring the teacher's compiled-in bundled-hooks pattern.
func RegisterFactory(name string, factory func() Extension) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[name] = factory
}

func lookupFactory(name string) (func() Extension, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// ExtensionAPI is the message bus each Extension's Load receives. It
// exposes two write capabilities — RegisterTool and RegisterCommand —
// that are honoured only while open is true (during session_start or
// an explicit reload); later calls are rejected: each is logged as a
// warning and returns an error.
type ExtensionAPI struct {
	registry *hooks.Registry
	tools    *agent.ToolRegistry
	logger   *slog.Logger

	mu       sync.Mutex
	open     bool
	current  string // name of the extension currently loading, for Source tagging
	commands map[string]Command
}

func newExtensionAPI(registry *hooks.Registry, tools *agent.ToolRegistry, logger *slog.Logger) *ExtensionAPI {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExtensionAPI{
		registry: registry,
		tools:    tools,
		logger:   logger,
		commands: make(map[string]Command),
	}
}

// RegisterHook adds a handler for eventKey, attributed to the
// currently-loading extension.
func (a *ExtensionAPI) RegisterHook(eventKey hooks.EventType, handler hooks.Handler, opts ...hooks.RegisterOption) string {
	opts = append([]hooks.RegisterOption{hooks.WithSource(a.current)}, opts...)
	return a.registry.Register(eventKey, handler, opts...)
}

// RegisterTool merges tool into the shared tool registry. Collisions
// (a later registration for a name already taken) win and are logged,
// per spec 4.D.
func (a *ExtensionAPI) RegisterTool(tool agent.Tool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open {
		a.logger.Warn("tool registration rejected: extension API is closed", "tool", tool.Name(), "extension", a.current)
		return fmt.Errorf("extension API closed: cannot register tool %q", tool.Name())
	}
	if _, exists := a.tools.Get(tool.Name()); exists {
		a.logger.Warn("tool registration overwrote existing tool", "tool", tool.Name(), "extension", a.current)
	}
	if err := a.tools.Register(tool); err != nil {
		return fmt.Errorf("register tool %q: %w", tool.Name(), err)
	}
	return nil
}

// RegisterCommand adds a slash-command. A name collision is logged and
// the later registration wins, matching RegisterTool's policy.
func (a *ExtensionAPI) RegisterCommand(cmd Command) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open {
		a.logger.Warn("command registration rejected: extension API is closed", "command", cmd.Name, "extension", a.current)
		return fmt.Errorf("extension API closed: cannot register command %q", cmd.Name)
	}
	if _, exists := a.commands[cmd.Name]; exists {
		a.logger.Warn("command registration overwrote existing command", "command", cmd.Name, "extension", a.current)
	}
	a.commands[cmd.Name] = cmd
	return nil
}

// Commands returns every registered slash-command, sorted by name.
func (a *ExtensionAPI) Commands() []Command {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Command, 0, len(a.commands))
	for _, c := range a.commands {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (a *ExtensionAPI) openFor(name string) {
	a.mu.Lock()
	a.open = true
	a.current = name
	a.mu.Unlock()
}

func (a *ExtensionAPI) close() {
	a.mu.Lock()
	a.open = false
	a.current = ""
	a.mu.Unlock()
}

// Loader discovers eligible extensions and loads each exactly once
// through its Load method, in priority order (ties broken by
// discovery/registration order, per spec's "registration order"
// tie-break rule).
type Loader struct {
	API *ExtensionAPI

	logger *slog.Logger
	loaded []string
}

// NewLoader builds a Loader backed by registry (the hook dispatch core)
// and tools (the session's tool registry).
func NewLoader(registry *hooks.Registry, tools *agent.ToolRegistry, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "extensions")
	return &Loader{
		API:    newExtensionAPI(registry, tools, logger),
		logger: logger,
	}
}

// LoadAll filters entries to those eligible under gating and loads the
// corresponding compiled-in Extension for each eligible, registered
// name, in manifest Priority order. Extensions with no matching factory
// are skipped with a warning (an EXTENSION.md manifest naming an
// extension that was never compiled in).
func (l *Loader) LoadAll(entries []*Entry, gating *GatingContext) error {
	eligible := FilterEligible(entries, gating)
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Manifest.Priority < eligible[j].Manifest.Priority
	})

	for _, entry := range eligible {
		factory, ok := lookupFactory(entry.Manifest.Name)
		if !ok {
			l.logger.Warn("no compiled-in extension for manifest", "name", entry.Manifest.Name, "path", entry.Path)
			continue
		}
		ext := factory()
		l.API.openFor(ext.Name())
		if err := ext.Load(l.API); err != nil {
			l.API.close()
			return fmt.Errorf("load extension %q: %w", ext.Name(), err)
		}
		l.loaded = append(l.loaded, ext.Name())
	}
	l.API.close()
	return nil
}

// Loaded returns the names of every extension loaded so far, in load
// order.
func (l *Loader) Loaded() []string {
	out := make([]string, len(l.loaded))
	copy(out, l.loaded)
	return out
}

// Reload re-opens the API for a single named extension and re-runs its
// Load — used by the fsnotify watcher when a manifest changes on disk.
// Registrations made outside session_start or a reload are otherwise
// rejected, per spec §9.
func (l *Loader) Reload(name string) error {
	factory, ok := lookupFactory(name)
	if !ok {
		return fmt.Errorf("no compiled-in extension named %q", name)
	}
	ext := factory()
	l.API.openFor(ext.Name())
	defer l.API.close()
	return ext.Load(l.API)
}
