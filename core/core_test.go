package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageJSONRoundTrip(t *testing.T) {
	msg := NewAssistantMessage(
		TextBlock{Text: "checking your games"},
		ToolUseBlock{ID: "tu_1", Name: "get_recent_games", Input: json.RawMessage(`{"limit":3}`)},
	)

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"text"`)
	assert.Contains(t, string(data), `"type":"tool_use"`)

	var got Message
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, RoleAssistant, got.Role)
	require.Len(t, got.Blocks, 2)
	assert.Equal(t, "checking your games", got.Text())

	calls := got.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "tu_1", calls[0].ID)
	assert.Equal(t, "get_recent_games", calls[0].Name)
}

func TestToolResultMessage(t *testing.T) {
	msg := NewToolResultMessage(
		ToolResultBlock{ToolUseID: "tu_1", Content: json.RawMessage(`{"ok":true}`)},
		ToolResultBlock{ToolUseID: "tu_2", Content: json.RawMessage(`{"error":"nope"}`), IsError: true},
	)
	assert.Equal(t, RoleUser, msg.Role)
	assert.Empty(t, msg.Text(), "pure tool-result messages flatten to empty text")
	assert.Empty(t, msg.ToolCalls())

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	var got Message
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got.Blocks, 2)
	res, ok := got.Blocks[1].(ToolResultBlock)
	require.True(t, ok)
	assert.True(t, res.IsError)
}

func TestTranscriptIsAppendOnlyCopy(t *testing.T) {
	tr := NewTranscript(NewUserMessage("earlier"))
	tr.Append(NewAssistantMessage(TextBlock{Text: "reply"}))

	out := tr.Messages()
	require.Len(t, out, 2)

	// Mutating the copy does not touch the transcript.
	out[0] = NewUserMessage("tampered")
	assert.Equal(t, "earlier", tr.Messages()[0].Text())
	assert.Equal(t, 2, tr.Len())
}

func TestStepLimiter(t *testing.T) {
	sl := NewStepLimiter(2)
	assert.NoError(t, sl.Increment())
	assert.NoError(t, sl.Increment())
	assert.Error(t, sl.Increment())
	assert.Equal(t, 3, sl.Count())

	unlimited := NewStepLimiter(0)
	for i := 0; i < 100; i++ {
		assert.NoError(t, unlimited.Increment())
	}
	assert.Equal(t, -1, unlimited.Remaining())
}

func TestUsageAccumulates(t *testing.T) {
	var u Usage
	u.Add(Usage{InputTokens: 10})
	u.Add(Usage{OutputTokens: 5})
	u.Add(Usage{InputTokens: 3, OutputTokens: 2})
	assert.Equal(t, 13, u.InputTokens)
	assert.Equal(t, 7, u.OutputTokens)
	assert.Equal(t, 20, u.Total())
}
