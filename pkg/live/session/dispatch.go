package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxkit/gemlive/pkg/live/protocol"
)

// FunctionInvoker is the external function registry collaborator. Invoke
// resolves name and runs the callable; it may suspend. A missing name or a
// failed invocation is an error result, never a session-level failure.
type FunctionInvoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

// toolDispatcher answers toolCall events. Each event is handled on its own
// goroutine so inbound processing never blocks on a slow function, and
// events that arrive faster than responses return stay independently
// correlated. All responses for one event go out as a single toolResponse
// envelope, one entry per request id.
type toolDispatcher struct {
	invoker FunctionInvoker
	send    func([]byte) error
	logger  *slog.Logger
	timeout time.Duration

	wg sync.WaitGroup
}

func (d *toolDispatcher) dispatch(ctx context.Context, call protocol.ToolCall) {
	if len(call.FunctionCalls) == 0 {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.handle(ctx, call)
	}()
}

func (d *toolDispatcher) handle(ctx context.Context, call protocol.ToolCall) {
	responses := make([]protocol.FunctionResponse, len(call.FunctionCalls))

	var wg sync.WaitGroup
	for i, fc := range call.FunctionCalls {
		wg.Add(1)
		go func(i int, fc protocol.FunctionCall) {
			defer wg.Done()
			responses[i] = protocol.FunctionResponse{
				ID:       fc.ID,
				Name:     fc.Name,
				Response: d.invoke(ctx, fc),
			}
		}(i, fc)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return
	}
	frame, err := protocol.EncodeToolResponse(responses)
	if err != nil {
		d.logger.Error("encode tool response", "error", err)
		return
	}
	if err := d.send(frame); err != nil {
		d.logger.Error("send tool response", "error", err)
	}
}

func (d *toolDispatcher) invoke(ctx context.Context, fc protocol.FunctionCall) any {
	d.logger.Info("function call", "id", fc.ID, "name", fc.Name)
	if d.invoker == nil {
		d.logger.Warn("no function registry configured", "name", fc.Name)
		return map[string]any{"error": "no functions registered"}
	}

	invokeCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		invokeCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	result, err := d.invoker.Invoke(invokeCtx, fc.Name, fc.Args)
	if err != nil {
		d.logger.Warn("function call failed", "name", fc.Name, "error", err)
		return map[string]any{"error": err.Error()}
	}
	return result
}

// waitIdle blocks until all in-flight dispatches complete.
func (d *toolDispatcher) waitIdle() {
	d.wg.Wait()
}
