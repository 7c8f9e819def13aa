// Package testutil provides scripted collaborator fakes for exercising the
// orchestrator without network I/O.
package testutil

import (
	"context"
	"sync"

	"github.com/rlcoach/coachd/core"
	"github.com/rlcoach/coachd/provider"
)

// Step scripts one provider-stream invocation.
type Step struct {
	// Events are yielded in order before the stream closes.
	Events []provider.Event
	// Message is the assembled assistant message returned after the stream.
	Message core.Message
	// Err, when set, is returned by Stream.Message as the terminal error.
	Err error
	// OpenErr, when set, fails the Stream call itself.
	OpenErr error
}

// ScriptedClient replays a fixed sequence of steps, one per Stream call. When
// the script runs out, the last step repeats; this makes "provider always
// requests a tool" scenarios trivial to express.
type ScriptedClient struct {
	mu       sync.Mutex
	steps    []Step
	calls    int
	requests []provider.Request
}

// NewScriptedClient scripts the given steps.
func NewScriptedClient(steps ...Step) *ScriptedClient {
	return &ScriptedClient{steps: steps}
}

// Stream implements provider.Client.
func (c *ScriptedClient) Stream(ctx context.Context, req provider.Request) (provider.Stream, error) {
	c.mu.Lock()
	idx := c.calls
	c.calls++
	if idx >= len(c.steps) {
		idx = len(c.steps) - 1
	}
	step := c.steps[idx]
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	if step.OpenErr != nil {
		return nil, step.OpenErr
	}

	s := &scriptedStream{
		events: make(chan provider.Event),
		msg:    step.Message,
		err:    step.Err,
	}
	go func() {
		defer close(s.events)
		for _, ev := range step.Events {
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return s, nil
}

// Calls returns how many times Stream was invoked.
func (c *ScriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Requests returns a copy of the requests seen so far.
func (c *ScriptedClient) Requests() []provider.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]provider.Request, len(c.requests))
	copy(out, c.requests)
	return out
}

type scriptedStream struct {
	events chan provider.Event
	msg    core.Message
	err    error
}

func (s *scriptedStream) Events() <-chan provider.Event { return s.events }

func (s *scriptedStream) Message() (core.Message, error) {
	if s.err != nil {
		return core.Message{}, s.err
	}
	return s.msg, nil
}
