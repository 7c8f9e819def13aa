package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rlcoach/coachd/core"
	"github.com/rlcoach/coachd/internal/testutil"
	"github.com/rlcoach/coachd/ledger"
	"github.com/rlcoach/coachd/provider"
	"github.com/rlcoach/coachd/tool"
	"github.com/rlcoach/coachd/wire"
)

func echoRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	reg := tool.NewRegistry()
	reg.Register(tool.NewFunctionTool(
		"echo", "echoes its value argument",
		map[string]any{
			"type":       "object",
			"properties": map[string]any{"value": map[string]any{"type": "string"}},
			"required":   []string{"value"},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"echo": args["value"]}, nil
		},
	))
	reg.Register(tool.NewFunctionTool(
		"boom", "always fails",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("kaput")
		},
	))
	return reg
}

func newOrchestrator(t *testing.T, client provider.Client, led ledger.BudgetLedger, maxSteps int) *Orchestrator {
	t.Helper()
	orch, err := New(Config{
		Provider: client,
		Ledger:   led,
		Registry: echoRegistry(t),
		MaxSteps: maxSteps,
		Model:    "test-model",
	})
	require.NoError(t, err)
	return orch
}

func drain(t *testing.T, turn *Turn) []wire.Event {
	t.Helper()
	var events []wire.Event
	for ev := range turn.Events() {
		events = append(events, ev)
	}
	return events
}

func countType(events []wire.Event, typ string) int {
	n := 0
	for _, ev := range events {
		if ev.Type() == typ {
			n++
		}
	}
	return n
}

func textOnlyStep(text, stopReason string) testutil.Step {
	return testutil.Step{
		Events: []provider.Event{
			provider.MessageStartEvent{},
			provider.UsageEvent{Usage: core.Usage{InputTokens: 10}},
			provider.TextDeltaEvent{Text: text},
			provider.UsageEvent{Usage: core.Usage{OutputTokens: 5}},
			provider.MessageStopEvent{StopReason: stopReason},
		},
		Message: core.NewAssistantMessage(core.TextBlock{Text: text}),
	}
}

func toolCallStep(toolName, toolUseID string, input json.RawMessage) testutil.Step {
	return testutil.Step{
		Events: []provider.Event{
			provider.MessageStartEvent{},
			provider.UsageEvent{Usage: core.Usage{InputTokens: 20, OutputTokens: 8}},
			provider.TextDeltaEvent{Text: "Let me check."},
			provider.ToolUseEvent{Call: core.ToolCall{ID: toolUseID, Name: toolName, Input: input}},
			provider.MessageStopEvent{StopReason: "tool_use"},
		},
		Message: core.NewAssistantMessage(
			core.TextBlock{Text: "Let me check."},
			core.ToolUseBlock{ID: toolUseID, Name: toolName, Input: input},
		),
	}
}

func TestBeginBudgetExhausted(t *testing.T) {
	led := testutil.NewFakeLedger("s1", "r1")
	led.PreflightErr = ledger.ErrBudgetExhausted
	orch := newOrchestrator(t, testutil.NewScriptedClient(textOnlyStep("hi", "end_turn")), led, 0)

	turn, err := orch.Begin(context.Background(), Request{UserID: "u1", Message: "hello"})
	require.ErrorIs(t, err, ledger.ErrBudgetExhausted)
	assert.Nil(t, turn)
	assert.Equal(t, 0, led.Settlements(), "no reservation was granted, nothing to settle")
}

func TestBeginZeroRemainingBudget(t *testing.T) {
	led := testutil.NewFakeLedger("s1", "r1")
	led.Grant.BudgetRemaining = 0
	orch := newOrchestrator(t, testutil.NewScriptedClient(textOnlyStep("hi", "end_turn")), led, 0)

	_, err := orch.Begin(context.Background(), Request{UserID: "u1", Message: "hello"})
	require.ErrorIs(t, err, ledger.ErrBudgetExhausted)
	assert.Equal(t, 0, led.Settlements())
}

func TestTextOnlyTurn(t *testing.T) {
	led := testutil.NewFakeLedger("s1", "r1")
	client := testutil.NewScriptedClient(textOnlyStep("Hello world", "end_turn"))
	orch := newOrchestrator(t, client, led, 0)

	turn, err := orch.Begin(context.Background(), Request{UserID: "u1", Message: "hi coach"})
	require.NoError(t, err)

	events := drain(t, turn)
	require.NoError(t, turn.Err())

	require.NotEmpty(t, events)
	ack, ok := events[0].(wire.Ack)
	require.True(t, ok, "first event must be the ack")
	assert.Equal(t, "s1", ack.SessionID)

	stop, ok := events[len(events)-1].(wire.MessageStop)
	require.True(t, ok, "last event must be message_stop")
	assert.Equal(t, "end_turn", stop.StopReason)
	assert.Equal(t, 1, countType(events, "message_stop"))

	require.Len(t, led.Records(), 1)
	assert.Empty(t, led.Aborts())

	rec := led.Records()[0]
	assert.Equal(t, "r1", rec.ReservationID)
	assert.Equal(t, 15, rec.TokensUsed)
	require.Len(t, rec.Messages, 2)
	assert.Equal(t, core.RoleUser, rec.Messages[0].Role)
	assert.Equal(t, core.RoleAssistant, rec.Messages[1].Role)
	assert.Equal(t, "Hello world", rec.Messages[1].Text())
}

func TestToolCallTurn(t *testing.T) {
	led := testutil.NewFakeLedger("s1", "r1")
	client := testutil.NewScriptedClient(
		toolCallStep("echo", "tu_1", json.RawMessage(`{"value":"hi"}`)),
		textOnlyStep("All done.", "end_turn"),
	)
	orch := newOrchestrator(t, client, led, 0)

	turn, err := orch.Begin(context.Background(), Request{UserID: "u1", Message: "check my stats"})
	require.NoError(t, err)

	events := drain(t, turn)
	require.NoError(t, turn.Err())
	assert.Equal(t, 2, client.Calls())

	var types []string
	for _, ev := range events {
		types = append(types, ev.Type())
	}
	assert.Equal(t, []string{"ack", "text", "tool", "tool_result", "text", "message_stop"}, types)

	// The intermediate tool_use stop is swallowed; only the final stop
	// reaches the client.
	stop := events[len(events)-1].(wire.MessageStop)
	assert.Equal(t, "end_turn", stop.StopReason)

	res := events[3].(wire.ToolResult)
	assert.Equal(t, "tu_1", res.ToolUseID)
	assert.JSONEq(t, `{"echo":"hi"}`, string(res.Content))

	require.Len(t, led.Records(), 1)
	rec := led.Records()[0]
	require.Len(t, rec.Messages, 4)
	assert.Equal(t, core.RoleUser, rec.Messages[0].Role)
	assert.Equal(t, core.RoleAssistant, rec.Messages[1].Role)
	assert.Equal(t, core.RoleUser, rec.Messages[2].Role, "tool results ride a user-role message")
	assert.Equal(t, core.RoleAssistant, rec.Messages[3].Role)
	assert.Equal(t, 28+15, rec.TokensUsed)
}

func TestToolFaultDoesNotAbortTurn(t *testing.T) {
	led := testutil.NewFakeLedger("s1", "r1")
	client := testutil.NewScriptedClient(
		toolCallStep("boom", "tu_1", json.RawMessage(`{}`)),
		textOnlyStep("That tool failed, sorry.", "end_turn"),
	)
	orch := newOrchestrator(t, client, led, 0)

	turn, err := orch.Begin(context.Background(), Request{UserID: "u1", Message: "go"})
	require.NoError(t, err)

	events := drain(t, turn)
	require.NoError(t, turn.Err())

	assert.Equal(t, 2, client.Calls(), "the loop continues past a tool fault")
	require.Equal(t, 1, countType(events, "tool_result"))
	for _, ev := range events {
		if res, ok := ev.(wire.ToolResult); ok {
			assert.JSONEq(t, `{"error": "tool execution failed"}`, string(res.Content))
		}
	}

	require.Len(t, led.Records(), 1)
	assert.Empty(t, led.Aborts())
}

func TestToolResultsEmittedInRequestOrder(t *testing.T) {
	led := testutil.NewFakeLedger("s1", "r1")
	step := testutil.Step{
		Events: []provider.Event{
			provider.MessageStartEvent{},
			provider.ToolUseEvent{Call: core.ToolCall{ID: "tu_a", Name: "echo", Input: json.RawMessage(`{"value":"a"}`)}},
			provider.ToolUseEvent{Call: core.ToolCall{ID: "tu_b", Name: "echo", Input: json.RawMessage(`{"value":"b"}`)}},
			provider.ToolUseEvent{Call: core.ToolCall{ID: "tu_c", Name: "echo", Input: json.RawMessage(`{"value":"c"}`)}},
			provider.MessageStopEvent{StopReason: "tool_use"},
		},
		Message: core.NewAssistantMessage(
			core.ToolUseBlock{ID: "tu_a", Name: "echo", Input: json.RawMessage(`{"value":"a"}`)},
			core.ToolUseBlock{ID: "tu_b", Name: "echo", Input: json.RawMessage(`{"value":"b"}`)},
			core.ToolUseBlock{ID: "tu_c", Name: "echo", Input: json.RawMessage(`{"value":"c"}`)},
		),
	}
	client := testutil.NewScriptedClient(step, textOnlyStep("done", "end_turn"))
	orch := newOrchestrator(t, client, led, 0)

	turn, err := orch.Begin(context.Background(), Request{UserID: "u1", Message: "go"})
	require.NoError(t, err)
	events := drain(t, turn)
	require.NoError(t, turn.Err())

	var toolOrder, resultOrder []string
	for _, ev := range events {
		switch e := ev.(type) {
		case wire.Tool:
			toolOrder = append(toolOrder, e.ToolUseID)
		case wire.ToolResult:
			resultOrder = append(resultOrder, e.ToolUseID)
		}
	}
	assert.Equal(t, []string{"tu_a", "tu_b", "tu_c"}, toolOrder)
	assert.Equal(t, toolOrder, resultOrder, "results follow request order, not completion order")

	// Transcript carries the results in the same order inside one message.
	rec := led.Records()[0]
	require.Len(t, rec.Messages, 4)
	var ids []string
	for _, b := range rec.Messages[2].Blocks {
		ids = append(ids, b.(core.ToolResultBlock).ToolUseID)
	}
	assert.Equal(t, []string{"tu_a", "tu_b", "tu_c"}, ids)
}

func TestStepLimitSettlesByAbort(t *testing.T) {
	led := testutil.NewFakeLedger("s1", "r1")
	// A provider that always requests a tool: the script's last step repeats.
	client := testutil.NewScriptedClient(toolCallStep("echo", "tu_1", json.RawMessage(`{"value":"x"}`)))
	orch := newOrchestrator(t, client, led, 3)

	turn, err := orch.Begin(context.Background(), Request{UserID: "u1", Message: "loop forever"})
	require.NoError(t, err)

	events := drain(t, turn)
	require.ErrorIs(t, turn.Err(), ErrStepLimitExceeded)

	assert.Equal(t, 3, client.Calls(), "exactly MaxSteps stream invocations, never one more")

	last, ok := events[len(events)-1].(wire.Error)
	require.True(t, ok)
	assert.Equal(t, "step limit exceeded", last.Message)
	assert.Equal(t, 0, countType(events, "message_stop"))

	require.Len(t, led.Aborts(), 1)
	assert.Empty(t, led.Records())
	ab := led.Aborts()[0]
	assert.Equal(t, "r1", ab.ReservationID)
	assert.NotEmpty(t, ab.PartialMessages, "the partial transcript rides the abort")
}

func TestProviderFaultAborts(t *testing.T) {
	led := testutil.NewFakeLedger("s1", "r1")
	client := testutil.NewScriptedClient(testutil.Step{OpenErr: errors.New("connection refused")})
	orch := newOrchestrator(t, client, led, 0)

	turn, err := orch.Begin(context.Background(), Request{UserID: "u1", Message: "hi"})
	require.NoError(t, err)

	events := drain(t, turn)
	require.Error(t, turn.Err())

	last, ok := events[len(events)-1].(wire.Error)
	require.True(t, ok, "failure path ends in an error event")
	assert.Contains(t, last.Message, "stream error")

	assert.Equal(t, 1, led.Settlements())
	assert.Len(t, led.Aborts(), 1)
}

func TestMidStreamFaultAborts(t *testing.T) {
	led := testutil.NewFakeLedger("s1", "r1")
	client := testutil.NewScriptedClient(testutil.Step{
		Events: []provider.Event{
			provider.MessageStartEvent{},
			provider.TextDeltaEvent{Text: "partial"},
		},
		Err: errors.New("upstream reset"),
	})
	orch := newOrchestrator(t, client, led, 0)

	turn, err := orch.Begin(context.Background(), Request{UserID: "u1", Message: "hi"})
	require.NoError(t, err)

	drain(t, turn)
	require.Error(t, turn.Err())
	assert.Len(t, led.Aborts(), 1)
	assert.Empty(t, led.Records())
}

func TestProviderFaultTerminalErrorReachesSlowConsumer(t *testing.T) {
	led := testutil.NewFakeLedger("s1", "r1")
	client := testutil.NewScriptedClient(testutil.Step{
		Events: []provider.Event{
			provider.MessageStartEvent{},
			provider.TextDeltaEvent{Text: "partial"},
		},
		Err: errors.New("upstream reset"),
	})
	orch := newOrchestrator(t, client, led, 0)

	turn, err := orch.Begin(context.Background(), Request{UserID: "u1", Message: "hi"})
	require.NoError(t, err)

	// A consumer busy flushing the previous event to a socket is between
	// receives most of the time; the terminal event must still arrive.
	var events []wire.Event
	for ev := range turn.Events() {
		events = append(events, ev)
		time.Sleep(20 * time.Millisecond)
	}

	require.Error(t, turn.Err())
	require.NotEmpty(t, events)
	last, ok := events[len(events)-1].(wire.Error)
	require.True(t, ok, "the stream must not close without a terminal event")
	assert.Contains(t, last.Message, "stream error")
	assert.Len(t, led.Aborts(), 1)
}

func TestClientCancellationAbortsWithPartialTranscript(t *testing.T) {
	led := testutil.NewFakeLedger("s1", "r1")
	client := testutil.NewScriptedClient(
		toolCallStep("echo", "tu_1", json.RawMessage(`{"value":"x"}`)),
		textOnlyStep("step two text", "end_turn"),
	)
	orch := newOrchestrator(t, client, led, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	turn, err := orch.Begin(ctx, Request{UserID: "u1", Message: "hi"})
	require.NoError(t, err)

	// Cancel once step 2's text starts flowing, then drain to completion.
	sawToolResult := false
	for ev := range turn.Events() {
		if ev.Type() == "tool_result" {
			sawToolResult = true
			continue
		}
		if sawToolResult && ev.Type() == "text" {
			cancel()
		}
	}

	require.Error(t, turn.Err())
	assert.Equal(t, 2, client.Calls(), "no provider calls after cancellation")

	require.Len(t, led.Aborts(), 1)
	assert.Empty(t, led.Records())
	assert.NotEmpty(t, led.Aborts()[0].PartialMessages)
}

func TestExactlyOneSettlementOnRecordPath(t *testing.T) {
	led := testutil.NewFakeLedger("s1", "r1")
	client := testutil.NewScriptedClient(
		toolCallStep("echo", "tu_1", json.RawMessage(`{"value":"x"}`)),
		toolCallStep("boom", "tu_2", json.RawMessage(`{}`)),
		textOnlyStep("done", "end_turn"),
	)
	orch := newOrchestrator(t, client, led, 10)

	turn, err := orch.Begin(context.Background(), Request{UserID: "u1", Message: "hi"})
	require.NoError(t, err)
	drain(t, turn)
	require.NoError(t, turn.Err())

	assert.Equal(t, 1, led.Settlements())
	assert.Equal(t, 3, client.Calls())
}

func TestSynthesizedStopWhenProviderOmitsIt(t *testing.T) {
	led := testutil.NewFakeLedger("s1", "r1")
	client := testutil.NewScriptedClient(testutil.Step{
		Events: []provider.Event{
			provider.MessageStartEvent{},
			provider.TextDeltaEvent{Text: "hi"},
		},
		Message: core.NewAssistantMessage(core.TextBlock{Text: "hi"}),
	})
	orch := newOrchestrator(t, client, led, 0)

	turn, err := orch.Begin(context.Background(), Request{UserID: "u1", Message: "hi"})
	require.NoError(t, err)
	events := drain(t, turn)
	require.NoError(t, turn.Err())

	assert.Equal(t, 1, countType(events, "message_stop"))
	stop := events[len(events)-1].(wire.MessageStop)
	assert.Equal(t, "end_turn", stop.StopReason)
}

func TestSystemPromptAndHistoryReachProvider(t *testing.T) {
	led := testutil.NewFakeLedger("s1", "r1")
	led.Grant.SystemPrompt = "you are a coach"
	led.Grant.History = []core.Message{
		core.NewUserMessage("earlier question"),
		core.NewAssistantMessage(core.TextBlock{Text: "earlier answer"}),
	}
	client := testutil.NewScriptedClient(textOnlyStep("hi", "end_turn"))
	orch := newOrchestrator(t, client, led, 0)

	turn, err := orch.Begin(context.Background(), Request{UserID: "u1", Message: "new question"})
	require.NoError(t, err)
	drain(t, turn)
	require.NoError(t, turn.Err())

	reqs := client.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "you are a coach", reqs[0].System)
	require.Len(t, reqs[0].Messages, 3)
	assert.Equal(t, "new question", reqs[0].Messages[2].Text())
	assert.NotEmpty(t, reqs[0].Tools, "tool schema is advertised on every call")

	// History plus the new exchange lands in the record.
	rec := led.Records()[0]
	assert.Len(t, rec.Messages, 4)
}
