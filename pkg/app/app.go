// Package app wires configuration into a ready page controller.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/barekit/iris/pkg/assistant"
	"github.com/barekit/iris/pkg/config"
	"github.com/barekit/iris/pkg/fetch"
	"github.com/barekit/iris/pkg/imaging"
	"github.com/barekit/iris/pkg/knowledge"
	kbfactory "github.com/barekit/iris/pkg/knowledge/factory"
	kbopenai "github.com/barekit/iris/pkg/knowledge/openai"
	"github.com/barekit/iris/pkg/llm"
	llmopenai "github.com/barekit/iris/pkg/llm/openai"
	"github.com/barekit/iris/pkg/memory"
	memfactory "github.com/barekit/iris/pkg/memory/factory"
	"github.com/barekit/iris/pkg/page"
	"github.com/barekit/iris/pkg/session"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"
)

// AssistantName is the name the image assistant logs under.
const AssistantName = "image-assistant"

// ErrNoKnowledge is returned when recall is needed but disabled.
var ErrNoKnowledge = errors.New("knowledge store is not configured; set KNOWLEDGE_STORE")

// App holds the wired components.
type App struct {
	Controller *page.Controller
	Sessions   *session.Store
	Memory     memory.Memory
	Knowledge  *knowledge.KnowledgeBase
	Provider   llm.Provider
}

type options struct {
	provider llm.Provider
	embedder knowledge.Embedder
}

// Option overrides a component built from config.
type Option func(*options)

// WithProvider replaces the OpenAI chat provider.
func WithProvider(p llm.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithEmbedder replaces the OpenAI embedder.
func WithEmbedder(e knowledge.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// New builds the controller and everything behind it.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var reqOpts []option.RequestOption
	if cfg.OpenAI.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(cfg.OpenAI.APIKey))
	}
	if cfg.OpenAI.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.OpenAI.BaseURL))
	}

	if o.provider == nil {
		p := llmopenai.New(reqOpts...)
		p.SetModel(cfg.OpenAI.Model)
		o.provider = p
	}
	if o.embedder == nil {
		o.embedder = kbopenai.NewEmbedder(reqOpts...)
	}

	mem, err := memfactory.New(ctx, cfg.MemoryFactoryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open memory: %w", err)
	}
	logger.Info("memory ready", zap.String("type", cfg.Memory.Type))

	kb, err := kbfactory.New(ctx, cfg.KnowledgeFactoryConfig(), o.embedder)
	if err != nil {
		return nil, fmt.Errorf("failed to open knowledge: %w", err)
	}
	if kb != nil {
		logger.Info("recall enabled", zap.String("store", cfg.Knowledge.Store))
	}

	assistantLogger := logger.Named("assistant")
	factory := func(userID, runID string) (session.Assistant, error) {
		return assistant.New(o.provider,
			assistant.WithName(AssistantName),
			assistant.WithUser(userID),
			assistant.WithRun(runID),
			assistant.WithMemory(mem),
			assistant.WithInstructions(cfg.OpenAI.Instructions),
			assistant.WithKnowledge(kb, cfg.Knowledge.RecallLimit),
			assistant.WithLogger(assistantLogger),
		), nil
	}

	normalizer := imaging.NewNormalizer(cfg.Image.Quality)
	fetcher := fetch.New(cfg.FetcherConfig(), normalizer, fetch.WithLogger(logger.Named("fetch")))
	sessions := session.NewStore(logger.Named("session"))
	ctrl := page.NewController(sessions, factory, fetcher, normalizer, logger.Named("page"))

	return &App{Controller: ctrl, Sessions: sessions, Memory: mem, Knowledge: kb, Provider: o.provider}, nil
}

// Close releases backends that hold connections.
func (a *App) Close(ctx context.Context) error {
	if c, ok := a.Memory.(interface{ Close(context.Context) error }); ok {
		return c.Close(ctx)
	}
	return nil
}
