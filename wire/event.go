// Package wire defines the client-visible streamed protocol: a closed set of
// tagged JSON events delivered one per line. Every event corresponds to
// exactly one state transition of a turn. A well-formed stream ends with
// either a message_stop or an error event, never both and never neither.
package wire

import (
	"encoding/json"
	"fmt"
)

// Event is the unit of the client-facing streamed protocol. Concrete event
// types implement the unexported isEvent marker enabling a closed set.
type Event interface {
	isEvent()
	// Type returns the wire tag of the event.
	Type() string
}

// Ack is the first event on every non-budget-exhausted stream. It establishes
// the handshake the client can rely on before any model output arrives.
type Ack struct {
	SessionID       string `json:"session_id"`
	BudgetRemaining int    `json:"budget_remaining"`
	IsFreePreview   bool   `json:"is_free_preview"`
}

func (Ack) isEvent()     {}
func (Ack) Type() string { return "ack" }

// Text carries an incremental chunk of assistant text.
type Text struct {
	Text string `json:"text"`
}

func (Text) isEvent()     {}
func (Text) Type() string { return "text" }

// Tool announces a tool call requested by the model.
type Tool struct {
	ToolUseID string          `json:"tool_use_id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

func (Tool) isEvent()     {}
func (Tool) Type() string { return "tool" }

// ToolResult carries a tool's outcome: the success payload or a structured
// error object.
type ToolResult struct {
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
}

func (ToolResult) isEvent()     {}
func (ToolResult) Type() string { return "tool_result" }

// MessageStop is the terminal success marker, at most once per turn.
type MessageStop struct {
	StopReason string `json:"stop_reason"`
}

func (MessageStop) isEvent()     {}
func (MessageStop) Type() string { return "message_stop" }

// Error is the terminal failure marker, mutually exclusive with MessageStop.
type Error struct {
	Message string `json:"message"`
}

func (Error) isEvent()     {}
func (Error) Type() string { return "error" }

// Marshal encodes an event as a tagged JSON object.
func Marshal(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	// Splice the type tag into the object without a second reflection pass.
	tag, _ := json.Marshal(ev.Type())
	if string(body) == "{}" {
		return []byte(fmt.Sprintf(`{"type":%s}`, tag)), nil
	}
	return []byte(fmt.Sprintf(`{"type":%s,%s`, tag, body[1:])), nil
}

// Unmarshal decodes a tagged JSON object back into its concrete event type.
func Unmarshal(data []byte) (Event, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("wire: malformed event: %w", err)
	}
	var (
		ev  Event
		err error
	)
	switch probe.Type {
	case "ack":
		var v Ack
		err = json.Unmarshal(data, &v)
		ev = v
	case "text":
		var v Text
		err = json.Unmarshal(data, &v)
		ev = v
	case "tool":
		var v Tool
		err = json.Unmarshal(data, &v)
		ev = v
	case "tool_result":
		var v ToolResult
		err = json.Unmarshal(data, &v)
		ev = v
	case "message_stop":
		var v MessageStop
		err = json.Unmarshal(data, &v)
		ev = v
	case "error":
		var v Error
		err = json.Unmarshal(data, &v)
		ev = v
	default:
		return nil, fmt.Errorf("wire: unknown event type %q", probe.Type)
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// IsTerminal reports whether the event ends a well-formed stream.
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case MessageStop, Error:
		return true
	default:
		return false
	}
}
