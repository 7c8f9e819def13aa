// Package orchestrator drives one budgeted, tool-augmented chat turn: a
// preflight against the budget ledger, a bounded loop of provider streaming
// and tool dispatch, and exactly one terminal ledger settlement. The outbound
// side is a live event stream; every event is forwarded as it is produced.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/rlcoach/coachd/core"
	"github.com/rlcoach/coachd/ledger"
	"github.com/rlcoach/coachd/logging"
	"github.com/rlcoach/coachd/provider"
	"github.com/rlcoach/coachd/tool"
	"github.com/rlcoach/coachd/wire"
)

// DefaultMaxSteps bounds the provider-stream invocations of one turn when the
// configuration does not say otherwise.
const DefaultMaxSteps = 10

// ErrStepLimitExceeded terminates a turn whose provider kept requesting tools
// past the step ceiling.
var ErrStepLimitExceeded = errors.New("orchestrator: step limit exceeded")

// Config wires an orchestrator to its collaborators.
type Config struct {
	Provider provider.Client
	Ledger   ledger.BudgetLedger
	Registry *tool.Registry
	Invoker  *tool.Invoker

	// Model is the default model identifier for provider calls.
	Model string
	// MaxTokens caps output tokens per provider call. Zero leaves the
	// provider default in place.
	MaxTokens int64
	// MaxSteps caps provider-stream invocations per turn. Zero means
	// DefaultMaxSteps.
	MaxSteps int

	Logger logging.Logger
}

// Orchestrator creates turns. It is stateless across turns and safe for
// concurrent use; all per-turn state lives on the Turn.
type Orchestrator struct {
	cfg Config
}

// New validates the configuration and constructs an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Provider == nil {
		return nil, errors.New("orchestrator: provider client is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("orchestrator: budget ledger is required")
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NoOpLogger{}
	}
	if cfg.Registry == nil {
		cfg.Registry = tool.NewRegistry()
	}
	if cfg.Invoker == nil {
		cfg.Invoker = tool.NewInvoker(cfg.Registry, tool.InvokerConfig{Logger: cfg.Logger})
	}
	return &Orchestrator{cfg: cfg}, nil
}

// Request starts one turn for an authenticated user.
type Request struct {
	UserID    string
	Message   string
	SessionID string
	ScopeID   string
	// Model overrides the configured default when set.
	Model string
}

// Turn is one orchestration run. Its event channel yields wire events in
// production order and closes after the terminal event; Err reports the
// turn's failure afterwards. A turn settles its budget reservation exactly
// once, by record or abort, on every exit path.
type Turn struct {
	orch  *Orchestrator
	req   Request
	grant *ledger.Grant

	events chan wire.Event
	err    error // written before events closes

	transcript *core.Transcript
	usage      core.Usage
	limiter    *core.StepLimiter
	settled    bool
}

// Begin preflights the request against the ledger and, if admitted, starts
// the turn's state machine. Budget exhaustion and other preflight failures
// return an error here with no stream opened and nothing to settle: the
// reservation was never granted to a conversation.
//
// The context carries the client's cancellation signal; once it fires, the
// in-flight provider call is torn down, no further steps run, and the
// reservation is settled by abort with the partial transcript.
func (o *Orchestrator) Begin(ctx context.Context, req Request) (*Turn, error) {
	grant, err := o.cfg.Ledger.Preflight(ctx, ledger.PreflightRequest{
		UserID:    req.UserID,
		Message:   req.Message,
		SessionID: req.SessionID,
		ScopeID:   req.ScopeID,
	})
	if err != nil {
		return nil, err
	}
	if grant.BudgetRemaining <= 0 {
		return nil, ledger.ErrBudgetExhausted
	}

	t := &Turn{
		orch:       o,
		req:        req,
		grant:      grant,
		events:     make(chan wire.Event),
		transcript: core.NewTranscript(grant.History...),
		limiter:    core.NewStepLimiter(o.cfg.MaxSteps),
	}
	t.transcript.Append(core.NewUserMessage(req.Message))

	go t.run(ctx)
	return t, nil
}

// Events yields the turn's outbound wire events in production order. The
// channel closes after the terminal event.
func (t *Turn) Events() <-chan wire.Event { return t.events }

// Err reports the turn's failure. Valid once Events has closed.
func (t *Turn) Err() error { return t.err }

// SessionID returns the session granted at preflight.
func (t *Turn) SessionID() string { return t.grant.SessionID }

// Usage returns accumulated provider-reported token usage. Valid once Events
// has closed.
func (t *Turn) Usage() core.Usage { return t.usage }

// run is the turn state machine. It owns all per-turn state and is the only
// goroutine that touches it.
func (t *Turn) run(ctx context.Context) {
	defer close(t.events)

	logger := t.orch.cfg.Logger
	logger.Info("turn.start",
		"session_id", t.grant.SessionID,
		"user_id", t.req.UserID,
		"free_preview", t.grant.IsFreePreview,
	)

	if err := t.emit(ctx, wire.Ack{
		SessionID:       t.grant.SessionID,
		BudgetRemaining: t.grant.BudgetRemaining,
		IsFreePreview:   t.grant.IsFreePreview,
	}); err != nil {
		t.fail(ctx, err)
		return
	}

	var tools []provider.ToolDefinition
	if t.orch.cfg.Registry != nil {
		tools = t.orch.cfg.Registry.Definitions()
	}
	model := t.req.Model
	if model == "" {
		model = t.orch.cfg.Model
	}

	for {
		if err := t.limiter.Increment(); err != nil {
			// The designed boundary, not a crash: report it and settle
			// the reservation so the budget hold is not leaked.
			t.emit(ctx, wire.Error{Message: "step limit exceeded"})
			t.abort(ctx)
			t.err = ErrStepLimitExceeded
			logger.Warn("turn.step_limit", "session_id", t.grant.SessionID, "steps", t.limiter.Count())
			return
		}

		stream, err := t.orch.cfg.Provider.Stream(ctx, provider.Request{
			Model:     model,
			System:    t.grant.SystemPrompt,
			Messages:  t.transcript.Messages(),
			Tools:     tools,
			MaxTokens: t.orch.cfg.MaxTokens,
		})
		if err != nil {
			t.fail(ctx, err)
			return
		}

		calls, pendingStop, err := t.consume(ctx, stream)
		if err != nil {
			t.fail(ctx, err)
			return
		}

		msg, err := stream.Message()
		if err != nil {
			t.fail(ctx, err)
			return
		}
		t.transcript.Append(msg)

		// A disconnect during the stream may leave the stream closing
		// cleanly; the turn must still take the failure path.
		if ctx.Err() != nil {
			t.fail(ctx, ctx.Err())
			return
		}

		if len(calls) == 0 {
			if err := t.record(ctx); err != nil {
				t.fail(ctx, err)
				return
			}
			// Forward the provider's stop, or synthesize one if the
			// stream ended without it. Never both.
			stop := wire.MessageStop{StopReason: "end_turn"}
			if pendingStop != nil {
				stop = *pendingStop
			}
			t.emit(ctx, stop)
			logger.Info("turn.done",
				"session_id", t.grant.SessionID,
				"steps", t.limiter.Count(),
				"tokens_used", t.usage.Total(),
			)
			return
		}

		if err := t.dispatch(ctx, calls); err != nil {
			t.fail(ctx, err)
			return
		}
	}
}

// consume drains one provider stream, forwarding adapted events as they
// arrive. Tool calls and usage are accumulated; the provider's stop event is
// withheld from the client and returned instead, since a message_stop is
// terminal on the wire and this step may be followed by tool dispatch.
func (t *Turn) consume(ctx context.Context, stream provider.Stream) ([]core.ToolCall, *wire.MessageStop, error) {
	var (
		calls       []core.ToolCall
		pendingStop *wire.MessageStop
	)
	for ev := range stream.Events() {
		switch e := ev.(type) {
		case provider.ToolUseEvent:
			calls = append(calls, e.Call)
		case provider.UsageEvent:
			t.usage.Add(e.Usage)
		}
		for _, wev := range Adapt(ev) {
			if stop, ok := wev.(wire.MessageStop); ok {
				pendingStop = &stop
				continue
			}
			if err := t.emit(ctx, wev); err != nil {
				return nil, nil, err
			}
		}
	}
	return calls, pendingStop, nil
}

// dispatch runs the step's tool calls and appends one synthetic user-role
// message holding the results in original request order.
func (t *Turn) dispatch(ctx context.Context, calls []core.ToolCall) error {
	results := make([]core.ToolResultBlock, 0, len(calls))
	err := t.orch.cfg.Invoker.Execute(ctx, calls, func(res core.ToolResult) error {
		results = append(results, res.Block())
		return t.emit(ctx, wire.ToolResult{ToolUseID: res.ToolUseID, Content: res.Content})
	})
	if err != nil {
		return err
	}
	t.transcript.Append(core.NewToolResultMessage(results...))
	return nil
}

// fail is the turn's single failure handler: one ledger abort, then a
// terminal event. A client-initiated cancellation is reported as benign and
// delivered best-effort, since the outbound stream may already be gone. Every
// other failure still has a live consumer, so the terminal error event is
// sent blocking; dropping it would close the stream with no terminal event.
func (t *Turn) fail(ctx context.Context, cause error) {
	t.abort(ctx)
	t.err = cause

	logger := t.orch.cfg.Logger
	if errors.Is(cause, context.Canceled) || ctx.Err() != nil {
		logger.Info("turn.cancelled", "session_id", t.grant.SessionID)
		t.tryEmit(wire.Error{Message: "client disconnected"})
		return
	}
	logger.Error("turn.failed", "session_id", t.grant.SessionID, "error", cause.Error())
	t.emit(ctx, wire.Error{Message: fmt.Sprintf("stream error: %s", cause)})
}

// record settles the reservation on the success path with the full
// transcript and provider-measured usage.
func (t *Turn) record(ctx context.Context) error {
	if t.settled {
		return nil
	}
	t.settled = true
	return t.orch.cfg.Ledger.Record(context.WithoutCancel(ctx), ledger.Record{
		UserID:          t.req.UserID,
		SessionID:       t.grant.SessionID,
		ReservationID:   t.grant.ReservationID,
		Messages:        t.transcript.Messages(),
		TokensUsed:      t.usage.Total(),
		EstimatedTokens: t.grant.EstimatedTokens,
		IsFreePreview:   t.grant.IsFreePreview,
	})
}

// abort settles the reservation on any failure path with whatever transcript
// was accumulated. Settlement runs on a detached context so a client
// disconnect cannot also cancel the ledger write.
func (t *Turn) abort(ctx context.Context) {
	if t.settled {
		return
	}
	t.settled = true
	err := t.orch.cfg.Ledger.Abort(context.WithoutCancel(ctx), ledger.Abort{
		UserID:          t.req.UserID,
		SessionID:       t.grant.SessionID,
		ReservationID:   t.grant.ReservationID,
		PartialMessages: t.transcript.Messages(),
	})
	if err != nil {
		t.orch.cfg.Logger.Error("turn.abort_failed",
			"session_id", t.grant.SessionID,
			"reservation_id", t.grant.ReservationID,
			"error", err.Error(),
		)
	}
}

// emit forwards one event to the client, giving up when the turn's context
// is cancelled so a stalled consumer cannot wedge the state machine.
func (t *Turn) emit(ctx context.Context, ev wire.Event) error {
	select {
	case t.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryEmit delivers a final event only if the consumer is still receiving.
func (t *Turn) tryEmit(ev wire.Event) {
	select {
	case t.events <- ev:
	default:
	}
}
