// Package anthropic implements the provider contract over the Anthropic
// Messages API using the official SDK's streaming client.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/rlcoach/coachd/core"
	"github.com/rlcoach/coachd/provider"
)

const defaultMaxTokens = 8192

// DefaultModel is the model used when neither the client options nor the
// request name one.
const DefaultModel = "claude-3-5-sonnet-20241022"

// Options configures the Anthropic client adapter.
type Options struct {
	Model     anthropic.Model
	MaxTokens int64
	APIKey    string
}

// Client wraps the Anthropic Messages API behind the provider.Client interface.
type Client struct {
	client *anthropic.Client
	opts   Options
}

// New creates a new Anthropic client using the official SDK.
func New(optFns ...func(o *Options)) *Client {
	opts := Options{
		Model:     DefaultModel,
		MaxTokens: defaultMaxTokens,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Client{client: &client, opts: opts}
}

// Stream opens one streaming call. The returned stream's event channel is
// closed when the upstream call ends; cancelling ctx tears the call down.
func (c *Client) Stream(ctx context.Context, req provider.Request) (provider.Stream, error) {
	params := anthropic.MessageNewParams{
		Model:     c.opts.Model,
		MaxTokens: c.opts.MaxTokens,
		Messages:  buildMessages(req.Messages),
	}
	if req.Model != "" {
		params.Model = anthropic.Model(req.Model)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = req.MaxTokens
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}

	sdkStream := c.client.Messages.NewStreaming(ctx, params)

	s := &stream{
		events: make(chan provider.Event, 32),
		done:   make(chan struct{}),
	}
	go s.decode(ctx, sdkStream)

	return s, nil
}

type stream struct {
	events chan provider.Event
	done   chan struct{}

	msg core.Message
	err error
}

func (s *stream) Events() <-chan provider.Event { return s.events }

func (s *stream) Message() (core.Message, error) {
	select {
	case <-s.done:
		return s.msg, s.err
	default:
		return core.Message{}, provider.ErrStreamOpen
	}
}

// messageStream is the slice of the SDK stream the decoder consumes.
type messageStream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}

var _ messageStream = (*ssestream.Stream[anthropic.MessageStreamEventUnion])(nil)

// send forwards one event, giving up when ctx is cancelled so an abandoned
// consumer cannot park this goroutine on a full event buffer.
func (s *stream) send(ctx context.Context, ev provider.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		s.err = ctx.Err()
		return false
	}
}

// decode translates SDK stream events into provider events while assembling
// the final assistant message block by block.
func (s *stream) decode(ctx context.Context, sdkStream messageStream) {
	defer close(s.done)
	defer close(s.events)

	var (
		blocks      []core.Block
		textBuilder strings.Builder
		inText      bool
		toolID      string
		toolName    string
		inputBuffer strings.Builder
		stopReason  string
	)

	for sdkStream.Next() {
		event := sdkStream.Current()

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if !s.send(ctx, provider.MessageStartEvent{}) {
				return
			}
			if in := int(start.Message.Usage.InputTokens); in > 0 {
				if !s.send(ctx, provider.UsageEvent{Usage: core.Usage{InputTokens: in}}) {
					return
				}
			}

		case "content_block_start":
			cb := event.AsContentBlockStart()
			switch block := cb.ContentBlock.AsAny().(type) {
			case anthropic.ToolUseBlock:
				toolID = block.ID
				toolName = block.Name
				inputBuffer.Reset()
			case anthropic.TextBlock:
				inText = true
				textBuilder.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta()
			switch d := delta.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				textBuilder.WriteString(d.Text)
				if !s.send(ctx, provider.TextDeltaEvent{Text: d.Text}) {
					return
				}
			case anthropic.InputJSONDelta:
				inputBuffer.WriteString(d.PartialJSON)
			}

		case "content_block_stop":
			if toolID != "" {
				input := inputBuffer.String()
				if input == "" {
					input = "{}"
				}
				call := core.ToolCall{ID: toolID, Name: toolName, Input: json.RawMessage(input)}
				blocks = append(blocks, core.ToolUseBlock{ID: call.ID, Name: call.Name, Input: call.Input})
				if !s.send(ctx, provider.ToolUseEvent{Call: call}) {
					return
				}
				toolID, toolName = "", ""
				inputBuffer.Reset()
			} else if inText {
				blocks = append(blocks, core.TextBlock{Text: textBuilder.String()})
				inText = false
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Delta.StopReason != "" {
				stopReason = string(delta.Delta.StopReason)
			}
			if out := int(delta.Usage.OutputTokens); out > 0 {
				if !s.send(ctx, provider.UsageEvent{Usage: core.Usage{OutputTokens: out}}) {
					return
				}
			}

		case "message_stop":
			if stopReason == "" {
				stopReason = "end_turn"
			}
			if !s.send(ctx, provider.MessageStopEvent{StopReason: stopReason}) {
				return
			}
		}
	}

	if err := sdkStream.Err(); err != nil {
		s.err = fmt.Errorf("anthropic stream: %w", err)
		return
	}
	s.msg = core.Message{Role: core.RoleAssistant, Blocks: blocks}
}

// buildMessages converts transcript messages to the Anthropic wire format.
// Tool results travel inside user messages, matching the transcript shape.
func buildMessages(msgs []core.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam

	for _, msg := range msgs {
		var content []anthropic.ContentBlockParamUnion
		for _, b := range msg.Blocks {
			switch block := b.(type) {
			case core.TextBlock:
				if block.Text != "" {
					content = append(content, anthropic.NewTextBlock(block.Text))
				}
			case core.ToolUseBlock:
				var input any
				if err := json.Unmarshal(block.Input, &input); err != nil {
					input = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(block.ID, input, block.Name))
			case core.ToolResultBlock:
				content = append(content, anthropic.NewToolResultBlock(block.ToolUseID, string(block.Content), block.IsError))
			}
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == core.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}

	return out
}

// buildTools converts tool definitions to the Anthropic tool format.
func buildTools(tools []provider.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		toolParam := anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: t.InputSchema["properties"],
			},
		}
		if required, ok := t.InputSchema["required"].([]string); ok {
			toolParam.InputSchema.Required = required
		} else if required, ok := t.InputSchema["required"].([]any); ok {
			reqStrings := make([]string, 0, len(required))
			for _, r := range required {
				if s, ok := r.(string); ok {
					reqStrings = append(reqStrings, s)
				}
			}
			toolParam.InputSchema.Required = reqStrings
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return out
}
