// Package provider defines the contract between the orchestrator and a model
// provider: one streaming call per step, a closed set of provider-native
// events, and access to the fully assembled assistant message once the stream
// ends. Implementations live in subpackages (anthropic, openai).
package provider

import (
	"context"
	"errors"

	"github.com/rlcoach/coachd/core"
)

// ErrStreamOpen is returned by Stream.Message when the event channel has not
// been drained yet.
var ErrStreamOpen = errors.New("provider: stream still open")

// Event is a provider-native stream event. Concrete event types implement the
// unexported isEvent marker enabling a closed, exhaustively matchable set.
type Event interface{ isEvent() }

// MessageStartEvent opens an assistant message.
type MessageStartEvent struct{}

func (MessageStartEvent) isEvent() {}

// TextDeltaEvent carries an incremental chunk of assistant text.
type TextDeltaEvent struct {
	Text string
}

func (TextDeltaEvent) isEvent() {}

// ToolUseEvent surfaces a completed tool-use block.
type ToolUseEvent struct {
	Call core.ToolCall
}

func (ToolUseEvent) isEvent() {}

// UsageEvent reports provider-measured token counts. Providers may emit
// several per step (input tokens at message start, output tokens near the
// end); counts are deltas to be accumulated.
type UsageEvent struct {
	Usage core.Usage
}

func (UsageEvent) isEvent() {}

// MessageStopEvent is the provider's end-of-turn signal for one step.
type MessageStopEvent struct {
	StopReason string
}

func (MessageStopEvent) isEvent() {}

// ToolDefinition declaratively exposes a callable tool to the model.
// InputSchema is a JSON Schema object (minimal subset).
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Request captures the normalized input for one provider-stream call.
type Request struct {
	Model     string
	System    string
	Messages  []core.Message
	Tools     []ToolDefinition
	MaxTokens int64
}

// Stream is one in-flight streaming call against the model provider.
//
// Events yields provider-native events in arrival order; the channel is
// closed when the stream ends for any reason. Message returns the fully
// assembled assistant message afterwards, or the terminal stream error.
// Cancellation of the context passed to Client.Stream must tear the call
// down promptly.
type Stream interface {
	Events() <-chan Event
	Message() (core.Message, error)
}

// Client opens one streaming call per orchestration step.
type Client interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}
