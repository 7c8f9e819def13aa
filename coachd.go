// Package coachd provides a high-level façade over the turn orchestrator and
// its collaborators (budget ledger, tool registry, model providers). Most
// applications interact with this package by:
//  1. Creating a Coach via New() (optionally overriding the default in-memory
//     ledger and registering extra tools)
//  2. Starting turns with Chat() and draining the returned event stream
//
// The façade delegates orchestration to orchestrator.Orchestrator while
// keeping setup and usage ergonomics concise. All defaults are safe for local
// development and testing; production deployments supply a durable ledger
// store, real provider credentials and a structured logger.
package coachd

import (
	"context"
	"errors"
	"strings"

	"github.com/rlcoach/coachd/coachtools"
	"github.com/rlcoach/coachd/core"
	"github.com/rlcoach/coachd/internal/util"
	"github.com/rlcoach/coachd/ledger"
	"github.com/rlcoach/coachd/logging"
	"github.com/rlcoach/coachd/orchestrator"
	"github.com/rlcoach/coachd/provider"
	"github.com/rlcoach/coachd/provider/anthropic"
	"github.com/rlcoach/coachd/provider/openai"
	"github.com/rlcoach/coachd/tool"
)

// Options configures the Coach instance.
type Options struct {
	// Store is the budget ledger and persistence surface. Defaults to an
	// in-memory store.
	Store ledger.Store

	// Anthropic and OpenAI are the provider clients. Chat routes to one of
	// them by model identifier prefix. At least one must be set unless every
	// request names a model the other provider serves.
	Anthropic provider.Client
	OpenAI    provider.Client

	// Model is the default model identifier when a request names none.
	Model string
	// MaxTokens caps output tokens per provider call.
	MaxTokens int64
	// MaxSteps caps provider-stream invocations per turn.
	MaxSteps int
	// MaxParallelTools bounds concurrent tool executions within one step.
	MaxParallelTools int

	// GameStore backs the replay-data tools. When nil the data tools are not
	// registered.
	GameStore coachtools.GameStore

	// Logger defaults to NoOp if nil.
	Logger logging.Logger
}

// Coach is the high-level façade aggregating the orchestrator and services.
type Coach struct {
	opts      Options
	store     ledger.Store
	registry  *tool.Registry
	anthropic *orchestrator.Orchestrator
	openai    *orchestrator.Orchestrator
}

// New creates a Coach with optional overrides. Any unset service is
// initialized with an in-memory implementation; provider clients default to
// real API clients reading credentials from the environment.
func New(optFns ...func(o *Options)) (*Coach, error) {
	opts := Options{
		Model:            anthropic.DefaultModel,
		MaxTokens:        8192,
		MaxSteps:         orchestrator.DefaultMaxSteps,
		MaxParallelTools: 4,
		Logger:           logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	store := opts.Store
	if store == nil {
		store = ledger.NewInMemoryStore(
			ledger.WithSystemPromptBuilder(func(notes []string) string {
				return coachtools.BuildSystemPrompt(notes, coachtools.PromptContext{})
			}),
		)
	}

	if opts.Anthropic == nil {
		opts.Anthropic = anthropic.New()
	}
	if opts.OpenAI == nil {
		opts.OpenAI = openai.New()
	}

	registry := tool.NewRegistry()
	if opts.GameStore != nil {
		coachtools.RegisterAll(registry, opts.GameStore, store)
	}
	invoker := tool.NewInvoker(registry, tool.InvokerConfig{
		MaxParallel: opts.MaxParallelTools,
		Logger:      opts.Logger,
	})

	build := func(client provider.Client) (*orchestrator.Orchestrator, error) {
		return orchestrator.New(orchestrator.Config{
			Provider:  client,
			Ledger:    store,
			Registry:  registry,
			Invoker:   invoker,
			Model:     opts.Model,
			MaxTokens: opts.MaxTokens,
			MaxSteps:  opts.MaxSteps,
			Logger:    opts.Logger,
		})
	}

	anthOrch, err := build(opts.Anthropic)
	if err != nil {
		return nil, err
	}
	oaiOrch, err := build(opts.OpenAI)
	if err != nil {
		return nil, err
	}

	return &Coach{
		opts:      opts,
		store:     store,
		registry:  registry,
		anthropic: anthOrch,
		openai:    oaiOrch,
	}, nil
}

// RegisterTool adds a tool to the registry shared by all turns.
func (c *Coach) RegisterTool(t tool.Tool) { c.registry.Register(t) }

// Store exposes the persistence surface for the HTTP layer.
func (c *Coach) Store() ledger.Store { return c.store }

// ChatRequest starts one coaching turn.
type ChatRequest struct {
	UserID    string
	Message   string
	SessionID string
	ScopeID   string
	// Model overrides the configured default when set.
	Model string
}

// Chat preflights and starts a turn, routing to the provider that serves the
// requested model. The context should carry the client's cancellation signal;
// the returned turn streams wire events until a terminal event.
func (c *Coach) Chat(ctx context.Context, req ChatRequest) (*orchestrator.Turn, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, errors.New("coachd: message is required")
	}
	req.Message = util.TruncateString(req.Message, coachtools.MaxMessageLength)

	model := req.Model
	if model == "" {
		model = c.opts.Model
	}

	ctx = coachtools.WithUserID(ctx, req.UserID)
	return c.orchestratorFor(model).Begin(ctx, orchestrator.Request{
		UserID:    req.UserID,
		Message:   req.Message,
		SessionID: req.SessionID,
		ScopeID:   req.ScopeID,
		Model:     model,
	})
}

// ChatSync is a synchronous helper that drains the turn's event stream and
// returns the collected events. Useful for tests and CLI usage.
func (c *Coach) ChatSync(ctx context.Context, req ChatRequest) ([]core.Message, error) {
	turn, err := c.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	for range turn.Events() {
	}
	if err := turn.Err(); err != nil {
		return nil, err
	}
	return c.store.SessionMessages(ctx, req.UserID, turn.SessionID())
}

// orchestratorFor routes by model identifier prefix: gpt-* and o* family
// names go to OpenAI, everything else to Anthropic.
func (c *Coach) orchestratorFor(model string) *orchestrator.Orchestrator {
	m := strings.ToLower(model)
	if strings.HasPrefix(m, "gpt-") || strings.HasPrefix(m, "o1") || strings.HasPrefix(m, "o3") || strings.HasPrefix(m, "o4") {
		return c.openai
	}
	return c.anthropic
}
