// Package openai implements the provider contract over the OpenAI Chat
// Completions API (streaming + tool calling). It adapts the SDK's chunked
// deltas into the provider event vocabulary.
package openai

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/rlcoach/coachd/core"
	"github.com/rlcoach/coachd/provider"
)

// aggCall aggregates partial tool call streaming deltas (id, name, arguments)
// allowing reconstruction of complete tool calls when the finish reason is
// emitted.
type aggCall struct{ id, name, args string }

// Options configures the OpenAI client adapter.
type Options struct {
	Model               string
	MaxCompletionTokens int64
	APIKey              string
}

// Client wraps the OpenAI Chat Completions API behind provider.Client.
type Client struct {
	client *openai.Client
	opts   Options
}

// New creates a new OpenAI client using the official SDK.
func New(optFns ...func(o *Options)) *Client {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		MaxCompletionTokens: 8192,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := openai.NewClient(clientOpts...)

	return &Client{client: &client, opts: opts}
}

// Stream opens one streaming call against the Chat Completions API.
func (c *Client) Stream(ctx context.Context, req provider.Request) (provider.Stream, error) {
	params := openai.ChatCompletionNewParams{
		Model:               c.opts.Model,
		Messages:            buildMessages(req),
		MaxCompletionTokens: openai.Int(c.opts.MaxCompletionTokens),
		StreamOptions:       openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)},
	}
	if req.Model != "" {
		params.Model = req.Model
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}

	sdkStream := c.client.Chat.Completions.NewStreaming(ctx, params)

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

type completionStream interface {
	Next() bool
	Current() openai.ChatCompletionChunk
	Err() error
}

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

func (s *stream) decode(ctx context.Context, sdkStream completionStream) {
	defer close(s.done)
	defer close(s.events)

	var (
		textBuilder strings.Builder
		started     bool
		finished    bool
	)
	toolAgg := map[int64]*aggCall{}

	for sdkStream.Next() {
		chunk := sdkStream.Current()

		if !started {
			started = true
			if !s.send(ctx, provider.MessageStartEvent{}) {
				return
			}
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				textBuilder.WriteString(choice.Delta.Content)
				if !s.send(ctx, provider.TextDeltaEvent{Text: choice.Delta.Content}) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				ac, ok := toolAgg[tc.Index]
				if !ok {
					ac = &aggCall{}
					toolAgg[tc.Index] = ac
				}
				if tc.ID != "" {
					ac.id = tc.ID
				}
				if tc.Function.Name != "" {
					ac.name = tc.Function.Name
				}
				ac.args += tc.Function.Arguments
			}
			if choice.FinishReason != "" && !finished {
				finished = true
				for _, call := range s.finishToolCalls(toolAgg) {
					if !s.send(ctx, provider.ToolUseEvent{Call: call}) {
						return
					}
				}
				if !s.send(ctx, provider.MessageStopEvent{StopReason: choice.FinishReason}) {
					return
				}
			}
		}

		if chunk.Usage.TotalTokens > 0 {
			ok := s.send(ctx, provider.UsageEvent{Usage: core.Usage{
				InputTokens:  int(chunk.Usage.PromptTokens),
				OutputTokens: int(chunk.Usage.CompletionTokens),
			}})
			if !ok {
				return
			}
		}
	}

	if err := sdkStream.Err(); err != nil {
		s.err = fmt.Errorf("openai stream: %w", err)
		return
	}

	var blocks []core.Block
	if textBuilder.Len() > 0 {
		blocks = append(blocks, core.TextBlock{Text: textBuilder.String()})
	}
	for _, call := range s.finishToolCalls(toolAgg) {
		blocks = append(blocks, core.ToolUseBlock{ID: call.ID, Name: call.Name, Input: call.Input})
	}
	s.msg = core.Message{Role: core.RoleAssistant, Blocks: blocks}
}

// finishToolCalls returns aggregated tool calls in stream index order.
func (s *stream) finishToolCalls(agg map[int64]*aggCall) []core.ToolCall {
	indexes := make([]int64, 0, len(agg))
	for idx := range agg {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	calls := make([]core.ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		ac := agg[idx]
		args := ac.args
		if args == "" {
			args = "{}"
		}
		calls = append(calls, core.ToolCall{ID: ac.id, Name: ac.name, Input: []byte(args)})
	}
	return calls
}

// buildMessages converts transcript messages into OpenAI chat messages. Tool
// results become dedicated tool-role messages immediately after the assistant
// message that requested them.
func buildMessages(req provider.Request) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}

	for _, msg := range req.Messages {
		var (
			text      strings.Builder
			toolCalls []openai.ChatCompletionMessageToolCallParam
			results   []core.ToolResultBlock
		)
		for _, b := range msg.Blocks {
			switch block := b.(type) {
			case core.TextBlock:
				text.WriteString(block.Text)
			case core.ToolUseBlock:
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
					ID:   block.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      block.Name,
						Arguments: string(block.Input),
					},
				})
			case core.ToolResultBlock:
				results = append(results, block)
			}
		}

		switch {
		case msg.Role == core.RoleAssistant && len(toolCalls) > 0:
			assistant := openai.ChatCompletionAssistantMessageParam{
				Role:      "assistant",
				ToolCalls: toolCalls,
			}
			// Text preceding the tool calls stays in the replayed history.
			if text.Len() > 0 {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(text.String()),
				}
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case msg.Role == core.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(text.String()))
		case len(results) > 0:
			for _, r := range results {
				messages = append(messages, openai.ToolMessage(string(r.Content), r.ToolUseID))
			}
		default:
			if text.Len() > 0 {
				messages = append(messages, openai.UserMessage(text.String()))
			}
		}
	}

	return messages
}

// buildTools converts tool definitions to the OpenAI function-tool format.
func buildTools(tools []provider.ToolDefinition) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, len(tools))
	for i, t := range tools {
		out[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  t.InputSchema,
			},
		}
	}
	return out
}
