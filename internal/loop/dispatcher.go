package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/szaher/tripagent/internal/llm"
	"github.com/szaher/tripagent/internal/tools"
)

// Tool call outcomes reported to observers.
const (
	ToolStatusOK      = "ok"
	ToolStatusError   = "error"
	ToolStatusInvalid = "invalid"
	ToolStatusUnknown = "unknown"
	ToolStatusTimeout = "timeout"
)

// ToolObserver is notified after each tool call completes.
type ToolObserver func(call llm.ToolCall, result llm.ToolResult, status string, elapsed time.Duration)

// Dispatcher executes the tool calls of one assistant message.
type Dispatcher struct {
	registry    *tools.Registry
	concurrency int
	timeout     time.Duration
	logger      *slog.Logger
	observe     ToolObserver
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithConcurrency sets how many calls may run at once. Values below 2 run
// calls sequentially.
func WithConcurrency(n int) DispatcherOption {
	return func(d *Dispatcher) { d.concurrency = n }
}

// WithToolTimeout bounds each tool invocation.
func WithToolTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.timeout = t }
}

// WithDispatchLogger sets the logger.
func WithDispatchLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithToolObserver registers a completion callback. It may be called from
// several goroutines when concurrency is above one.
func WithToolObserver(fn ToolObserver) DispatcherOption {
	return func(d *Dispatcher) { d.observe = fn }
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *tools.Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{registry: registry, concurrency: 1, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch runs every call and returns one result per call, in call order.
// Failures become error results; Dispatch itself never fails.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []llm.ToolCall) []llm.ToolResult {
	results := make([]llm.ToolResult, len(calls))
	if d.concurrency < 2 || len(calls) < 2 {
		for i, call := range calls {
			results[i] = d.run(ctx, call)
		}
		return results
	}

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = d.run(ctx, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (d *Dispatcher) run(ctx context.Context, call llm.ToolCall) llm.ToolResult {
	start := time.Now()
	result, status := d.call(ctx, call)
	elapsed := time.Since(start)

	d.logger.Debug("tool call completed",
		"tool", call.Name, "tool_call_id", call.ID, "status", status, "duration", elapsed)
	if d.observe != nil {
		d.observe(call, result, status, elapsed)
	}
	return result
}

func (d *Dispatcher) call(ctx context.Context, call llm.ToolCall) (llm.ToolResult, string) {
	result := llm.ToolResult{ToolCallID: call.ID, ToolName: call.Name}

	tool, ok := d.registry.Lookup(call.Name)
	if !ok {
		result.Content = tools.UnknownToolResult
		result.IsError = true
		return result, ToolStatusUnknown
	}

	args, err := d.registry.Prepare(call.Name, call.Input)
	if err != nil {
		result.Content = tools.ErrorPayload(err, call.Input)
		result.IsError = true
		return result, ToolStatusInvalid
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	out, err := invoke(ctx, tool, args)
	if err == nil {
		result.Content, err = tools.MarshalResult(out)
	}
	if err != nil {
		status := ToolStatusError
		if errors.Is(err, context.DeadlineExceeded) {
			status = ToolStatusTimeout
		}
		result.Content = tools.ErrorPayload(err, args)
		result.IsError = true
		return result, status
	}
	return result, ToolStatusOK
}

func invoke(ctx context.Context, tool tools.Tool, args map[string]any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", tool.Name(), r)
		}
	}()
	return tool.Invoke(ctx, args)
}
