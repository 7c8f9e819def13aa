package orchestrator

import (
	"github.com/rlcoach/coachd/provider"
	"github.com/rlcoach/coachd/wire"
)

// Adapt translates one provider-native event into zero or more wire events.
// It is a pure function with no state and no side effects, so the translation
// can be tested without any network I/O. Usage and message-start events are
// bookkeeping signals for the orchestrator and produce no client output.
func Adapt(ev provider.Event) []wire.Event {
	switch e := ev.(type) {
	case provider.TextDeltaEvent:
		if e.Text == "" {
			return nil
		}
		return []wire.Event{wire.Text{Text: e.Text}}
	case provider.ToolUseEvent:
		return []wire.Event{wire.Tool{
			ToolUseID: e.Call.ID,
			Name:      e.Call.Name,
			Input:     e.Call.Input,
		}}
	case provider.MessageStopEvent:
		return []wire.Event{wire.MessageStop{StopReason: e.StopReason}}
	case provider.MessageStartEvent, provider.UsageEvent:
		return nil
	default:
		return nil
	}
}
