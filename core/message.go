package core

import (
	"encoding/json"
	"strings"
)

// Conversation roles. The transcript only ever contains user and assistant
// messages; tool results travel inside a user-role message, mirroring the
// provider wire format.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message holds a conversation role plus ordered content blocks. Messages are
// append-only transcript entries and should be treated as immutable after
// construction.
type Message struct {
	Role   string
	Blocks []Block
}

// NewUserMessage creates a user message with a single text block.
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Blocks: []Block{TextBlock{Text: text}}}
}

// NewAssistantMessage creates an assistant message with the given blocks.
func NewAssistantMessage(blocks ...Block) Message {
	return Message{Role: RoleAssistant, Blocks: blocks}
}

// NewToolResultMessage wraps ordered tool results in a synthetic user-role
// message, the shape the provider expects on the next step.
func NewToolResultMessage(results ...ToolResultBlock) Message {
	blocks := make([]Block, len(results))
	for i, r := range results {
		blocks[i] = r
	}
	return Message{Role: RoleUser, Blocks: blocks}
}

// Text returns the flattened text content of the message. Empty for pure
// tool-result messages.
func (m Message) Text() string {
	var sb strings.Builder
	for _, b := range m.Blocks {
		if tb, ok := b.(TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns the tool invocations requested by this message in their
// original order.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, b := range m.Blocks {
		if tu, ok := b.(ToolUseBlock); ok {
			calls = append(calls, ToolCall{ID: tu.ID, Name: tu.Name, Input: tu.Input})
		}
	}
	return calls
}

type messageEnvelope struct {
	Role   string          `json:"role"`
	Blocks []blockEnvelope `json:"blocks"`
}

// MarshalJSON encodes the message with tagged blocks for durable storage.
func (m Message) MarshalJSON() ([]byte, error) {
	env := messageEnvelope{Role: m.Role, Blocks: make([]blockEnvelope, len(m.Blocks))}
	for i, b := range m.Blocks {
		env.Blocks[i] = marshalBlock(b)
	}
	return json.Marshal(env)
}

// UnmarshalJSON decodes the tagged block form produced by MarshalJSON.
func (m *Message) UnmarshalJSON(data []byte) error {
	var env messageEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	m.Role = env.Role
	m.Blocks = make([]Block, len(env.Blocks))
	for i, b := range env.Blocks {
		m.Blocks[i] = unmarshalBlock(b)
	}
	return nil
}
