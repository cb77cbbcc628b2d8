package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/voxkit/gemlive/pkg/live/protocol"
)

type fakeInvoker struct {
	fn func(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

func (f *fakeInvoker) Invoke(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	return f.fn(ctx, name, args)
}

type frameRecorder struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *frameRecorder) send(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, append([]byte(nil), data...))
	return nil
}

func (r *frameRecorder) all() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.frames...)
}

func decodeToolResponse(t *testing.T, frame []byte) protocol.ToolResponse {
	t.Helper()
	var env struct {
		ToolResponse protocol.ToolResponse `json:"toolResponse"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("invalid toolResponse frame: %v", err)
	}
	return env.ToolResponse
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestDispatcher_SingleEnvelopePerEvent(t *testing.T) {
	rec := &frameRecorder{}
	d := &toolDispatcher{
		invoker: &fakeInvoker{fn: func(_ context.Context, name string, args map[string]any) (map[string]any, error) {
			// The later-listed call completes first.
			if name == "slow" {
				time.Sleep(50 * time.Millisecond)
			}
			return map[string]any{"from": name}, nil
		}},
		send:   rec.send,
		logger: slog.Default(),
	}

	d.dispatch(context.Background(), protocol.ToolCall{FunctionCalls: []protocol.FunctionCall{
		{ID: "1", Name: "slow"},
		{ID: "2", Name: "fast"},
	}})
	d.waitIdle()

	frames := rec.all()
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want exactly 1", len(frames))
	}
	resp := decodeToolResponse(t, frames[0])
	if len(resp.FunctionResponses) != 2 {
		t.Fatalf("functionResponses = %d, want 2", len(resp.FunctionResponses))
	}
	byID := map[string]protocol.FunctionResponse{}
	for _, fr := range resp.FunctionResponses {
		byID[fr.ID] = fr
	}
	if byID["1"].Name != "slow" || byID["2"].Name != "fast" {
		t.Fatalf("responses miscorrelated: %+v", resp.FunctionResponses)
	}
}

func TestDispatcher_ConcurrentEventsStayCorrelated(t *testing.T) {
	rec := &frameRecorder{}
	release := make(chan struct{})
	d := &toolDispatcher{
		invoker: &fakeInvoker{fn: func(ctx context.Context, name string, _ map[string]any) (map[string]any, error) {
			if name == "blocked" {
				select {
				case <-release:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return map[string]any{"ok": true}, nil
		}},
		send:   rec.send,
		logger: slog.Default(),
	}

	// First event blocks; second arrives while it is in flight.
	d.dispatch(context.Background(), protocol.ToolCall{FunctionCalls: []protocol.FunctionCall{{ID: "a", Name: "blocked"}}})
	d.dispatch(context.Background(), protocol.ToolCall{FunctionCalls: []protocol.FunctionCall{{ID: "b", Name: "quick"}}})

	waitFor(t, "second event response", func() bool { return len(rec.all()) == 1 })
	if resp := decodeToolResponse(t, rec.all()[0]); resp.FunctionResponses[0].ID != "b" {
		t.Fatalf("first completed response id = %q, want b", resp.FunctionResponses[0].ID)
	}

	close(release)
	d.waitIdle()

	frames := rec.all()
	if len(frames) != 2 {
		t.Fatalf("sent %d frames, want 2", len(frames))
	}
	if resp := decodeToolResponse(t, frames[1]); resp.FunctionResponses[0].ID != "a" {
		t.Fatalf("late response id = %q, want a", resp.FunctionResponses[0].ID)
	}
}

func TestDispatcher_FunctionErrorIsReflectedNotFatal(t *testing.T) {
	rec := &frameRecorder{}
	d := &toolDispatcher{
		invoker: &fakeInvoker{fn: func(context.Context, string, map[string]any) (map[string]any, error) {
			return nil, errors.New(`function "nope" is not registered`)
		}},
		send:   rec.send,
		logger: slog.Default(),
	}

	d.dispatch(context.Background(), protocol.ToolCall{FunctionCalls: []protocol.FunctionCall{{ID: "1", Name: "nope"}}})
	d.waitIdle()

	frames := rec.all()
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want 1", len(frames))
	}
	resp := decodeToolResponse(t, frames[0])
	body, ok := resp.FunctionResponses[0].Response.(map[string]any)
	if !ok {
		t.Fatalf("response body type = %T", resp.FunctionResponses[0].Response)
	}
	if body["error"] == nil || body["error"] == "" {
		t.Fatalf("expected errored response entry, got %+v", body)
	}
}

func TestDispatcher_NilInvokerAnswersWithErrors(t *testing.T) {
	rec := &frameRecorder{}
	d := &toolDispatcher{send: rec.send, logger: slog.Default()}

	d.dispatch(context.Background(), protocol.ToolCall{FunctionCalls: []protocol.FunctionCall{
		{ID: "1", Name: "get_current_weather", Args: map[string]any{"location": "Paris"}},
	}})
	d.waitIdle()

	frames := rec.all()
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want 1", len(frames))
	}
	resp := decodeToolResponse(t, frames[0])
	if got := resp.FunctionResponses[0]; got.ID != "1" || got.Name != "get_current_weather" {
		t.Fatalf("response = %+v", got)
	}
}

func TestDispatcher_SendFailureLoggedOnly(t *testing.T) {
	d := &toolDispatcher{
		invoker: &fakeInvoker{fn: func(context.Context, string, map[string]any) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		}},
		send:   func([]byte) error { return fmt.Errorf("socket gone") },
		logger: slog.Default(),
	}
	// Must not panic or hang.
	d.dispatch(context.Background(), protocol.ToolCall{FunctionCalls: []protocol.FunctionCall{{ID: "1", Name: "x"}}})
	d.waitIdle()
}
