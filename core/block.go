package core

import "encoding/json"

// Block represents a polymorphic segment of message content. Concrete block
// types implement the unexported isBlock marker enabling a closed set.
type Block interface{ isBlock() }

// TextBlock is a plain text content segment.
type TextBlock struct {
	Text string
}

// isBlock implements the Block interface for TextBlock.
func (TextBlock) isBlock() {}

// ToolUseBlock records a tool invocation requested by the assistant.
type ToolUseBlock struct {
	ID    string          // Provider-assigned tool use id
	Name  string          // Tool name
	Input json.RawMessage // Structured input payload
}

// isBlock implements the Block interface for ToolUseBlock.
func (ToolUseBlock) isBlock() {}

// ToolResultBlock carries the outcome of a tool invocation back to the model.
// Content is the serialized result; IsError marks faulted executions.
type ToolResultBlock struct {
	ToolUseID string
	Content   json.RawMessage
	IsError   bool
}

// isBlock implements the Block interface for ToolResultBlock.
func (ToolResultBlock) isBlock() {}

// blockEnvelope is the tagged JSON form used for durable transcripts.
type blockEnvelope struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

func marshalBlock(b Block) blockEnvelope {
	switch v := b.(type) {
	case TextBlock:
		return blockEnvelope{Type: "text", Text: v.Text}
	case ToolUseBlock:
		return blockEnvelope{Type: "tool_use", ID: v.ID, Name: v.Name, Input: v.Input}
	case ToolResultBlock:
		return blockEnvelope{Type: "tool_result", ToolUseID: v.ToolUseID, Content: v.Content, IsError: v.IsError}
	default:
		return blockEnvelope{Type: "text"}
	}
}

func unmarshalBlock(env blockEnvelope) Block {
	switch env.Type {
	case "tool_use":
		return ToolUseBlock{ID: env.ID, Name: env.Name, Input: env.Input}
	case "tool_result":
		return ToolResultBlock{ToolUseID: env.ToolUseID, Content: env.Content, IsError: env.IsError}
	default:
		return TextBlock{Text: env.Text}
	}
}
