package agent

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync"

	"github.com/pi-run/pi/internal/observability"
	"github.com/pi-run/pi/internal/tools/policy"
	"github.com/pi-run/pi/pkg/models"
)

// QueueMode controls how prompt() inputs queued during a running turn
// are drained once that turn exits.
type QueueMode string

const (
	QueueOneAtATime QueueMode = "one-at-a-time"
	QueueAll        QueueMode = "all"
)

// DefaultCompactKeepTail is the number of most-recent messages compact()
// leaves untouched when no explicit keep-tail is configured.
const DefaultCompactKeepTail = 4

// SessionConfig is the fixed configuration a Session is built with.
// NewSession substitutes defaults for an empty QueueMode, a non-positive
// CompactKeepTail, a nil Dispatcher and a nil Logger. Provider and the
// policy fields get no default; a nil Provider makes every turn fail
// with ErrNoProvider.
type SessionConfig struct {
	Model        string
	Provider     Provider
	SystemPrompt string
	Reasoning    ReasoningLevel
	MaxTokens    int
	QueueMode    QueueMode

	ToolExec        ToolExecConfig
	ToolResultGuard ToolResultGuard
	PolicyResolver  *policy.Resolver
	ToolPolicy      *policy.Policy

	Dispatcher      ExtensionDispatcher
	CompactKeepTail int

	// Logger, Metrics and Tracer are the ambient observability stack
	// (spec.md §2.2). All three are optional: a nil Metrics/Tracer is
	// simply skipped at each instrumentation point, so callers that
	// don't need Prometheus/OTel wiring (e.g. unit tests) can leave
	// them unset without registering anything globally.
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// PromptInput is one user-initiated turn request.
type PromptInput struct {
	Text                string
	Attachments         []models.ContentBlock
	ExpandSlashCommands bool
}

// BashResult is the outcome of executeBash.
type BashResult struct {
	Stdout string
	Stderr string
	Code   int
}

// Session is the controller described in spec §4.F: it owns the
// transcript, tool registry, extension dispatcher, scheduler, subscriber
// set, input queue and settings for one conversation.
type Session struct {
	cfg        SessionConfig
	transcript *Transcript
	registry   *ToolRegistry
	executor   *ToolExecutor
	subs       *Subscribers
	dispatcher ExtensionDispatcher
	logger     *observability.Logger

	mu       sync.Mutex
	queue    []PromptInput
	busy     bool
	pumping  bool
	cancelCh chan struct{}

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// NewSession builds a Session over registry. The registry is expected to
// already hold every tool registered during session_start; Session never
// mutates it itself.
func NewSession(registry *ToolRegistry, cfg SessionConfig) *Session {
	if cfg.QueueMode == "" {
		cfg.QueueMode = QueueOneAtATime
	}
	if cfg.CompactKeepTail <= 0 {
		cfg.CompactKeepTail = DefaultCompactKeepTail
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = NoopExtensionDispatcher{}
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.LogConfig{})
	}
	s := &Session{
		cfg:        cfg,
		transcript: NewTranscript(),
		registry:   registry,
		executor:   NewToolExecutor(registry, cfg.ToolExec),
		subs:       NewSubscribers(),
		dispatcher: cfg.Dispatcher,
		logger:     cfg.Logger,
		shutdown:   make(chan struct{}),
	}
	if cfg.Metrics != nil {
		cfg.Metrics.SessionStarted()
	}
	s.dispatcher.SessionStart(context.Background())
	return s
}

// Subscribe registers listener for this session's events; the returned
// function unsubscribes.
func (s *Session) Subscribe(listener Subscriber) func() {
	return s.subs.Subscribe(listener)
}

// Transcript returns the session's transcript for read access (tests,
// persistence, RPC snapshotting).
func (s *Session) Transcript() *Transcript {
	return s.transcript
}

// Close runs session_shutdown and releases the session's shutdown
// channel; idempotent.
func (s *Session) Close() {
	s.shutdownOnce.Do(func() {
		s.dispatcher.SessionShutdown(context.Background())
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.SessionEnded()
		}
		close(s.shutdown)
	})
}

// Prompt enqueues a new input and, if the session is idle, starts the
// pump goroutine that drains the queue one turn at a time. It never
// blocks on the turn itself — progress is observed via Subscribe.
func (s *Session) Prompt(in PromptInput) {
	s.mu.Lock()
	s.queue = append(s.queue, in)
	start := !s.pumping
	if start {
		s.pumping = true
	}
	s.mu.Unlock()

	if start {
		go s.pump()
	}
}

// pump drains the queue per cfg.QueueMode, one turn at a time, until
// empty.
func (s *Session) pump() {
	for {
		next, ok := s.dequeue()
		if !ok {
			s.mu.Lock()
			s.pumping = false
			s.mu.Unlock()
			return
		}
		s.runTurn(next)
	}
}

// dequeue removes and returns the next input to run according to
// cfg.QueueMode: "one-at-a-time" pops the head; "all" concatenates every
// queued input into one, joined by a blank line.
func (s *Session) dequeue() (PromptInput, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return PromptInput{}, false
	}
	if s.cfg.QueueMode == QueueAll {
		texts := make([]string, len(s.queue))
		var attachments []models.ContentBlock
		for i, in := range s.queue {
			texts[i] = in.Text
			attachments = append(attachments, in.Attachments...)
		}
		merged := PromptInput{Text: strings.Join(texts, "\n\n"), Attachments: attachments}
		s.queue = nil
		return merged, true
	}
	head := s.queue[0]
	s.queue = s.queue[1:]
	return head, true
}

// Abort fires the current turn's cancel signal; a no-op if no turn is
// active. Idempotent per active turn.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelCh != nil {
		select {
		case <-s.cancelCh:
		default:
			close(s.cancelCh)
		}
	}
}

// beginTurn marks the session busy and allocates this turn's cancel
// channel; endTurn reverses it.
func (s *Session) beginTurn() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = true
	s.cancelCh = make(chan struct{})
	return s.cancelCh
}

func (s *Session) endTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	s.cancelCh = nil
}

func (s *Session) isBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Compact runs the context compactor (§4.G). Rejects with ErrBusy while
// a turn is running.
func (s *Session) Compact(ctx context.Context, customInstructions string) error {
	if s.isBusy() {
		return ErrBusy
	}
	return s.compact(ctx, customInstructions)
}

// ExecuteBash runs command directly via the shell, bypassing the model
// and the transcript entirely; it returns its own result rather than
// appending anything. Rejects with ErrBusy while a turn is running.
func (s *Session) ExecuteBash(ctx context.Context, command string) (BashResult, error) {
	if s.isBusy() {
		return BashResult{}, ErrBusy
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	return BashResult{Stdout: stdout.String(), Stderr: stderr.String(), Code: code}, nil
}

// sessionToolContext is the ToolContext implementation handed to every
// tool invocation during a turn.
type sessionToolContext struct {
	s *Session
}

func (c sessionToolContext) Notify(message string) {
	c.s.logger.Info(context.Background(), "tool notify", "message", message)
}

func (c sessionToolContext) Done() <-chan struct{} {
	return c.s.shutdown
}
