package hooks

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry(nil)

	called := false
	id := r.Register(EventTurnStart, func(ctx context.Context, e *Event) (*Decision, error) {
		called = true
		return nil, nil
	})
	if id == "" {
		t.Fatal("expected non-empty registration ID")
	}

	if got := len(r.ListRegistrations(EventTurnStart)); got != 1 {
		t.Fatalf("expected 1 handler, got %d", got)
	}

	r.Trigger(context.Background(), NewEvent(EventTurnStart), nil)
	if !called {
		t.Error("handler was not called")
	}
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(nil)

	id := r.Register(EventTurnStart, func(ctx context.Context, e *Event) (*Decision, error) {
		return nil, nil
	})

	if !r.Unregister(id) {
		t.Fatal("expected Unregister to return true")
	}
	if len(r.ListRegistrations(EventTurnStart)) != 0 {
		t.Error("expected 0 handlers after unregister")
	}
	if r.Unregister(id) {
		t.Error("expected Unregister to return false for already-removed handler")
	}
}

func TestRegistry_Priority(t *testing.T) {
	r := NewRegistry(nil)

	var order []string
	record := func(name string) Handler {
		return func(ctx context.Context, e *Event) (*Decision, error) {
			order = append(order, name)
			return nil, nil
		}
	}

	r.Register(EventTurnStart, record("low"), WithPriority(PriorityLow), WithName("low"))
	r.Register(EventTurnStart, record("highest"), WithPriority(PriorityHighest), WithName("highest"))
	r.Register(EventTurnStart, record("normal"), WithPriority(PriorityNormal), WithName("normal"))

	r.Trigger(context.Background(), NewEvent(EventTurnStart), nil)

	want := []string{"highest", "normal", "low"}
	if len(order) != len(want) {
		t.Fatalf("got order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got order %v, want %v", order, want)
		}
	}
}

func TestRegistry_ToolCallFirstBlockWins(t *testing.T) {
	r := NewRegistry(nil)

	var calls []string
	r.Register(EventToolCall, func(ctx context.Context, e *Event) (*Decision, error) {
		calls = append(calls, "first")
		return &Decision{Block: true, Reason: "no rm"}, nil
	}, WithPriority(PriorityHighest))
	r.Register(EventToolCall, func(ctx context.Context, e *Event) (*Decision, error) {
		calls = append(calls, "second")
		return &Decision{Block: true, Reason: "also blocked"}, nil
	}, WithPriority(PriorityNormal))

	event := NewEvent(EventToolCall)
	event.ToolName = "bash"
	decision := r.Trigger(context.Background(), event, nil)

	if decision == nil || !decision.Block || decision.Reason != "no rm" {
		t.Fatalf("expected first handler's block decision, got %+v", decision)
	}
	if len(calls) != 1 {
		t.Fatalf("expected only the first handler to run, got %v", calls)
	}
}

func TestRegistry_BranchFirstNonNilWins(t *testing.T) {
	r := NewRegistry(nil)

	var calls []string
	r.Register(EventBranch, func(ctx context.Context, e *Event) (*Decision, error) {
		calls = append(calls, "declines")
		return nil, nil
	}, WithPriority(PriorityHighest))
	r.Register(EventBranch, func(ctx context.Context, e *Event) (*Decision, error) {
		calls = append(calls, "answers")
		return &Decision{Result: "path-a"}, nil
	}, WithPriority(PriorityNormal))
	r.Register(EventBranch, func(ctx context.Context, e *Event) (*Decision, error) {
		calls = append(calls, "never runs")
		return &Decision{Result: "path-b"}, nil
	}, WithPriority(PriorityLow))

	event := NewEvent(EventBranch)
	event.BranchName = "retry-strategy"
	decision := r.Trigger(context.Background(), event, nil)

	if decision == nil || decision.Result != "path-a" {
		t.Fatalf("expected first non-nil result, got %+v", decision)
	}
	if len(calls) != 2 {
		t.Fatalf("expected exactly two handlers to run, got %v", calls)
	}
}

func TestRegistry_HandlerTimeout(t *testing.T) {
	r := NewRegistry(nil)

	var reported error
	r.Register(EventTurnStart, func(ctx context.Context, e *Event) (*Decision, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, WithTimeout(10*time.Millisecond), WithName("slow"))

	r.Trigger(context.Background(), NewEvent(EventTurnStart), func(reg *Registration, err error) {
		reported = err
	})

	if reported == nil {
		t.Fatal("expected a timeout to be reported")
	}
}

func TestRegistry_HandlerPanicRecovered(t *testing.T) {
	r := NewRegistry(nil)

	r.Register(EventTurnStart, func(ctx context.Context, e *Event) (*Decision, error) {
		panic("boom")
	}, WithName("panics"))

	var reported error
	r.Trigger(context.Background(), NewEvent(EventTurnStart), func(reg *Registration, err error) {
		reported = err
	})

	if reported == nil {
		t.Fatal("expected the panic to be reported as an error")
	}
}

func TestRegistry_HandlerErrorDoesNotStopOthers(t *testing.T) {
	r := NewRegistry(nil)

	var ran []string
	r.Register(EventTurnStart, func(ctx context.Context, e *Event) (*Decision, error) {
		ran = append(ran, "failing")
		return nil, errors.New("boom")
	}, WithPriority(PriorityHighest))
	r.Register(EventTurnStart, func(ctx context.Context, e *Event) (*Decision, error) {
		ran = append(ran, "ok")
		return nil, nil
	}, WithPriority(PriorityNormal))

	r.Trigger(context.Background(), NewEvent(EventTurnStart), nil)

	if len(ran) != 2 {
		t.Fatalf("expected both handlers to run despite the first erroring, got %v", ran)
	}
}

func TestRegistry_Clear(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(EventTurnStart, func(ctx context.Context, e *Event) (*Decision, error) { return nil, nil })
	r.Clear()
	if got := len(r.ListRegistrations(EventTurnStart)); got != 0 {
		t.Fatalf("expected no handlers after Clear, got %d", got)
	}
}
