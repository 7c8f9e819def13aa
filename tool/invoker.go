package tool

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rlcoach/coachd/core"
	"github.com/rlcoach/coachd/logging"
)

// faultContent is the fixed structured payload a faulted tool call produces.
// It is forwarded to the client and appended to the transcript exactly as a
// successful result would be, so the model can react to the failure.
var faultContent = json.RawMessage(`{"error": "tool execution failed"}`)

// InvokerConfig configures the parallel invoker.
type InvokerConfig struct {
	// MaxParallel bounds concurrent tool executions within one step.
	// 0 or negative means no explicit limit.
	MaxParallel int
	// Logger defaults to NoOp when nil.
	Logger logging.Logger
}

// Invoker executes a step's batch of tool calls, possibly in parallel, and
// emits one result per call in the original request order regardless of
// completion timing. This keeps the transcript deterministic and replayable.
//
// Invariants:
//   - Exactly one result is emitted per incoming call, in request order.
//   - Faults (missing tool, execution error, panic) never escalate: they are
//     converted into an error-flagged result with a fixed payload.
//   - Context cancellation stops launching new calls; calls already running
//     receive the cancellation through their context.
type Invoker struct {
	registry *Registry
	cfg      InvokerConfig
}

// NewInvoker constructs an invoker over the given registry.
func NewInvoker(registry *Registry, cfg InvokerConfig) *Invoker {
	if cfg.Logger == nil {
		cfg.Logger = logging.NoOpLogger{}
	}
	return &Invoker{registry: registry, cfg: cfg}
}

// Execute runs all calls and emits results in request order. The emit
// callback runs on the calling goroutine; an emit error stops further
// emission and is returned.
func (inv *Invoker) Execute(ctx context.Context, calls []core.ToolCall, emit func(core.ToolResult) error) error {
	n := len(calls)
	if n == 0 {
		return nil
	}

	// Fast path: single call, execute inline.
	if n == 1 {
		return emit(inv.executeOne(ctx, calls[0]))
	}

	maxPar := inv.cfg.MaxParallel
	if maxPar <= 0 || maxPar > n {
		maxPar = n
	}

	results := make([]core.ToolResult, n)
	sem := make(chan struct{}, maxPar)
	var wg sync.WaitGroup

	for i := range calls {
		if ctx.Err() != nil {
			// Mark unlaunched calls as faulted so emission stays complete.
			results[i] = core.ToolResult{ToolUseID: calls[i].ID, Content: faultContent, IsError: true}
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, call core.ToolCall) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = inv.executeOne(ctx, call)
		}(i, calls[i])
	}

	wg.Wait()

	for _, res := range results {
		if err := emit(res); err != nil {
			return err
		}
	}
	return nil
}

// executeOne runs a single call with panic safety and fault absorption.
func (inv *Invoker) executeOne(ctx context.Context, call core.ToolCall) core.ToolResult {
	logger := inv.cfg.Logger
	start := time.Now()

	var (
		result any
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = NewToolError(call.Name, "panic recovered", "EXECUTION_ERROR")
				logger.Error("tool.panic", "tool", call.Name, "recover", r)
			}
		}()
		result, err = inv.call(ctx, call)
	}()

	logger.Info("tool.executed",
		"tool", call.Name,
		"tool_use_id", call.ID,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err != nil,
	)

	if err != nil {
		return core.ToolResult{ToolUseID: call.ID, Content: faultContent, IsError: true}
	}

	content, merr := json.Marshal(result)
	if merr != nil {
		logger.Error("tool.result.marshal", "tool", call.Name, "error", merr.Error())
		return core.ToolResult{ToolUseID: call.ID, Content: faultContent, IsError: true}
	}
	return core.ToolResult{ToolUseID: call.ID, Content: content}
}

// call centralizes tool lookup, argument decoding and execution.
func (inv *Invoker) call(ctx context.Context, call core.ToolCall) (any, error) {
	impl, ok := inv.registry.Get(call.Name)
	if !ok {
		return nil, NewToolError(call.Name, "tool not found", "UNKNOWN_TOOL")
	}

	args := map[string]any{}
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &args); err != nil {
			return nil, NewToolError(call.Name, "failed to unmarshal args", "VALIDATION_ERROR")
		}
	}

	return impl.Call(ctx, args)
}
