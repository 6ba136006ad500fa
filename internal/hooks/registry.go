package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultHandlerTimeout bounds a single handler call when a Registration
// doesn't set its own Timeout.
const DefaultHandlerTimeout = 5 * time.Second

// Registry holds every registered handler, keyed by event type, and
// dispatches Trigger calls to them in priority order.
type Registry struct {
	handlers map[EventType][]*Registration
	byID     map[string]*Registration
	logger   *slog.Logger
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[EventType][]*Registration),
		byID:     make(map[string]*Registration),
		logger:   logger.With("component", "hooks"),
	}
}

// RegisterOption configures a Registration at Register time.
type RegisterOption func(*Registration)

func WithPriority(p Priority) RegisterOption  { return func(r *Registration) { r.Priority = p } }
func WithName(name string) RegisterOption     { return func(r *Registration) { r.Name = name } }
func WithSource(source string) RegisterOption { return func(r *Registration) { r.Source = source } }
func WithTimeout(d time.Duration) RegisterOption {
	return func(r *Registration) { r.Timeout = d }
}

// Register adds handler for eventKey and returns its registration ID.
func (r *Registry) Register(eventKey EventType, handler Handler, opts ...RegisterOption) string {
	reg := &Registration{
		ID:       uuid.New().String(),
		EventKey: eventKey,
		Handler:  handler,
		Priority: PriorityNormal,
		Timeout:  DefaultHandlerTimeout,
	}
	for _, opt := range opts {
		opt(reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventKey] = append(r.handlers[eventKey], reg)
	r.byID[reg.ID] = reg
	sort.SliceStable(r.handlers[eventKey], func(i, j int) bool {
		return r.handlers[eventKey][i].Priority < r.handlers[eventKey][j].Priority
	})

	r.logger.Debug("registered hook", "id", reg.ID, "event", eventKey, "name", reg.Name, "priority", reg.Priority)
	return reg.ID
}

// Unregister removes a handler by ID.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	handlers := r.handlers[reg.EventKey]
	for i, h := range handlers {
		if h.ID == id {
			r.handlers[reg.EventKey] = append(handlers[:i], handlers[i+1:]...)
			break
		}
	}
	return true
}

// Clear removes every registered handler.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[EventType][]*Registration)
	r.byID = make(map[string]*Registration)
}

func (r *Registry) snapshot(eventKey EventType) []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handlers := r.handlers[eventKey]
	out := make([]*Registration, len(handlers))
	copy(out, handlers)
	return out
}

// Trigger runs every handler registered for event.Type, in priority
// order, each bounded by its own timeout. Each handler's panic is
// recovered and reported as its error. onError, if non-nil, is called
// for every handler that errors, times out or panics — the caller (the
// ExtensionDispatcher adapter) forwards it to its own onError callback.
//
// The returned Decision reflects what the event's semantics call for:
//   - tool_call: the first Decision with Block true wins; Trigger stops
//     calling further handlers once that happens.
//   - branch: the first Decision with a non-nil Result wins; Trigger
//     stops calling further handlers once that happens.
//   - everything else: every handler runs; Decision is ignored.
func (r *Registry) Trigger(ctx context.Context, event *Event, onError func(reg *Registration, err error)) *Decision {
	handlers := r.snapshot(event.Type)
	for _, reg := range handlers {
		decision, err := r.callHandler(ctx, reg, event)
		if err != nil {
			r.logger.Warn("hook handler error", "event", event.Type, "handler", reg.Name, "error", err)
			if onError != nil {
				onError(reg, err)
			}
			continue
		}
		if decision == nil {
			continue
		}
		switch event.Type {
		case EventToolCall:
			if decision.Block {
				return decision
			}
		case EventBranch:
			if decision.Result != nil {
				return decision
			}
		}
	}
	return nil
}

func (r *Registry) callHandler(ctx context.Context, reg *Registration, event *Event) (decision *Decision, err error) {
	timeout := reg.Timeout
	if timeout <= 0 {
		timeout = DefaultHandlerTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		decision *Decision
		err      error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{nil, fmt.Errorf("hook panic: %v", p)}
			}
		}()
		d, e := reg.Handler(hctx, event)
		done <- result{d, e}
	}()

	select {
	case res := <-done:
		return res.decision, res.err
	case <-hctx.Done():
		return nil, fmt.Errorf("hook %q timed out after %s", reg.Name, timeout)
	}
}

// ListRegistrations returns every handler registered for eventKey, in
// priority order.
func (r *Registry) ListRegistrations(eventKey EventType) []*Registration {
	return r.snapshot(eventKey)
}
