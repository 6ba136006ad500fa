// Command pi is the CLI entry point for the agent runtime: it loads
// settings.json/oauth.json, wires a provider, the tool registry and the
// extension dispatcher into an agent.Session, and exposes that session
// through either the line-delimited JSON RPC loop (spec.md §6) or a
// one-shot prompt convenience command.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pi-run/pi/internal/agent"
	"github.com/pi-run/pi/internal/agent/providers"
	"github.com/pi-run/pi/internal/config"
	"github.com/pi-run/pi/internal/extensions"
	"github.com/pi-run/pi/internal/extensions/bundled"
	_ "github.com/pi-run/pi/internal/extensions/bundled/auditlog"
	"github.com/pi-run/pi/internal/hooks"
	"github.com/pi-run/pi/internal/jobs"
	"github.com/pi-run/pi/internal/observability"
	"github.com/pi-run/pi/internal/tools/bash"
	"github.com/pi-run/pi/internal/tools/compactionstatus"
	"github.com/pi-run/pi/internal/tools/policy"
)

// Build information, populated by ldflags during release builds; see
// the teacher's cmd/nexus/main.go for the same convention.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	stateDir     string
	providerFlag string
	modelFlag    string
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with every subcommand attached;
// split out from main for testability, matching the teacher's pattern.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "pi",
		Short:        "pi - a provider-agnostic coding-assistant agent runtime",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", config.DefaultStateDir(),
		"Directory holding settings.json and oauth.json")
	rootCmd.PersistentFlags().StringVar(&providerFlag, "provider", "",
		"Override settings.json's defaultProvider")
	rootCmd.PersistentFlags().StringVar(&modelFlag, "model", "",
		"Override settings.json's defaultModel")

	rootCmd.AddCommand(
		buildRPCCmd(),
		buildPromptCmd(),
		buildLoginCmd(),
		buildLogoutCmd(),
	)
	return rootCmd
}

// runtime bundles everything a bootstrapped session and its owning
// command need torn down cleanly.
type runtime struct {
	session    *agent.Session
	settings   config.Settings
	oauth      *config.OAuthStore
	shutdownFn func()
}

// bootstrap loads config, builds a provider, the tool registry and the
// extension dispatcher, and returns a ready-to-use Session. Grounded on
// the teacher's buildServeCmd/loadMCPManager pattern of resolving config
// once per command invocation rather than caching it globally.
func bootstrap(ctx context.Context) (*runtime, error) {
	settingsStore, err := config.LoadSettingsStore(stateDir)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	settings := settingsStore.Get()

	oauthStore, err := config.LoadOAuthStore(stateDir)
	if err != nil {
		return nil, fmt.Errorf("load oauth: %w", err)
	}

	providerName := strings.TrimSpace(providerFlag)
	if providerName == "" {
		providerName = settings.DefaultProvider
	}
	if providerName == "" {
		providerName = "anthropic"
	}
	model := strings.TrimSpace(modelFlag)
	if model == "" {
		model = settings.DefaultModel
	}

	provider, err := buildProvider(ctx, providerName, oauthStore)
	if err != nil {
		return nil, fmt.Errorf("build provider %q: %w", providerName, err)
	}

	logger := observability.NewLogger(observability.LogConfig{})
	metrics := observability.NewMetrics()

	hooksRegistry := hooks.NewRegistry(nil)
	toolRegistry := agent.NewToolRegistry()

	compactionTool := compactionstatus.New()
	if err := toolRegistry.Register(bash.New()); err != nil {
		return nil, fmt.Errorf("register bash tool: %w", err)
	}
	if err := toolRegistry.Register(compactionTool); err != nil {
		return nil, fmt.Errorf("register compaction_status tool: %w", err)
	}

	loader := extensions.NewLoader(hooksRegistry, toolRegistry, nil)

	workspacePath, _ := os.Getwd()
	sources := extensions.BuildDefaultSources(workspacePath, extensions.DefaultUserGlobalPath(), bundled.FS(), settings.Extensions)
	entries, err := extensions.DiscoverAll(ctx, sources)
	if err != nil {
		return nil, fmt.Errorf("discover extensions: %w", err)
	}
	gating := extensions.NewGatingContext(nil)
	eligible := extensions.FilterEligible(entries, gating)
	if err := loader.LoadAll(eligible, gating); err != nil {
		return nil, fmt.Errorf("load extensions: %w", err)
	}

	dispatcher := extensions.NewDispatcher(hooksRegistry, func(eventType, handlerName string, err error) {
		logger.Warn(ctx, "hook error", "event", eventType, "handler", handlerName, "error", err)
	})

	jobsStore := jobs.NewMemoryStore()
	toolExec := agent.DefaultToolExecConfig()
	toolExec.Jobs = jobsStore

	resolver := policy.NewResolver()
	toolPolicy := policy.NewPolicy(policy.ProfileCoding)

	session := agent.NewSession(toolRegistry, agent.SessionConfig{
		Model:          model,
		Provider:       provider,
		Reasoning:      agent.ReasoningMedium,
		MaxTokens:      8192,
		QueueMode:      agent.QueueMode(settings.EffectiveQueueMode()),
		ToolExec:       toolExec,
		PolicyResolver: resolver,
		ToolPolicy:     toolPolicy,
		Dispatcher:     dispatcher,
		Logger:         logger,
		Metrics:        metrics,
	})
	compactionTool.Bind(session)

	return &runtime{
		session:  session,
		settings: settings,
		oauth:    oauthStore,
		shutdownFn: func() {
			session.Close()
		},
	}, nil
}

// buildProvider constructs the named provider, preferring an API-key
// environment variable (the common case for CI/non-interactive use)
// over a stored OAuth credential, matching how the teacher's
// cmd/nexus-plugin-runner resolves credentials: env first, profile
// store second.
func buildProvider(ctx context.Context, name string, oauthStore *config.OAuthStore) (agent.Provider, error) {
	switch name {
	case "anthropic":
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			apiKey, _ = resolveOAuthAccess(ctx, oauthStore, "anthropic")
		}
		return providers.NewAnthropicProvider(providers.AnthropicConfig{APIKey: apiKey})
	case "openai":
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			apiKey, _ = resolveOAuthAccess(ctx, oauthStore, "openai")
		}
		return providers.NewOpenAIProvider(apiKey), nil
	case "google":
		apiKey := os.Getenv("GOOGLE_API_KEY")
		if apiKey == "" {
			apiKey, _ = resolveOAuthAccess(ctx, oauthStore, "google")
		}
		return providers.NewGoogleProvider(providers.GoogleConfig{APIKey: apiKey})
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// resolveOAuthAccess returns a valid access token for provider from
// oauth.json, refreshing it first if expired. The ProviderEndpoint is
// left zero-valued here: a production deployment supplies the real
// client id/token URL per provider via settings.json or build-time
// configuration, which is out of this runtime's scope (see DESIGN.md).
func resolveOAuthAccess(ctx context.Context, store *config.OAuthStore, provider string) (string, error) {
	return store.EnsureFresh(ctx, provider, config.ProviderEndpoint{})
}
