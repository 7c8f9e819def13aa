package core

import "encoding/json"

// ToolCall describes a tool invocation request surfaced by the provider.
// Consumed exactly once by the invoker within the same step.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult captures the outcome of a tool call. Content is the serialized
// success payload or a structured error object; IsError marks faults.
type ToolResult struct {
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Block converts the result to its transcript block form.
func (r ToolResult) Block() ToolResultBlock {
	return ToolResultBlock{ToolUseID: r.ToolUseID, Content: r.Content, IsError: r.IsError}
}
