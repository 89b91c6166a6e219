// Package assistant is the vision assistant a session talks to. It keeps one
// run's history in a memory backend, optionally recalls earlier answers for
// the same user, and streams replies from an llm.Provider.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/barekit/iris/pkg/knowledge"
	"github.com/barekit/iris/pkg/llm"
	"github.com/barekit/iris/pkg/memory"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultRecallLimit is how many earlier answers are added to a prompt.
const DefaultRecallLimit = 3

// ErrNoUser is returned when an assistant backed by memory has no user id.
var ErrNoUser = errors.New("assistant: user id is required")

// Assistant represents a vision assistant bound to one user and run.
type Assistant struct {
	Name         string
	Instructions string
	LLM          llm.Provider
	Memory       memory.Memory
	Knowledge    *knowledge.KnowledgeBase
	RecallLimit  int
	UserID       string
	RunID        string

	mu      sync.Mutex
	created bool
	history []llm.Message // used when Memory is nil
	logger  *zap.Logger
}

// Option is a function that configures an Assistant.
type Option func(*Assistant)

// New creates a new Assistant.
func New(provider llm.Provider, opts ...Option) *Assistant {
	a := &Assistant{
		Name:        "Assistant",
		LLM:         provider,
		RecallLimit: DefaultRecallLimit,
		logger:      zap.NewNop(),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// WithName sets the assistant's name.
func WithName(name string) Option {
	return func(a *Assistant) {
		a.Name = name
	}
}

// WithInstructions sets the system instructions seeded into a new run.
func WithInstructions(instructions string) Option {
	return func(a *Assistant) {
		a.Instructions = instructions
	}
}

// WithUser sets the user the assistant acts for.
func WithUser(userID string) Option {
	return func(a *Assistant) {
		a.UserID = userID
	}
}

// WithRun resumes an existing run. Without it CreateRun starts a new one.
func WithRun(runID string) Option {
	return func(a *Assistant) {
		a.RunID = runID
	}
}

// WithMemory sets the run storage.
func WithMemory(mem memory.Memory) Option {
	return func(a *Assistant) {
		a.Memory = mem
	}
}

// WithKnowledge enables recall of earlier answers.
func WithKnowledge(kb *knowledge.KnowledgeBase, limit int) Option {
	return func(a *Assistant) {
		a.Knowledge = kb
		if limit > 0 {
			a.RecallLimit = limit
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Assistant) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// CreateRun returns the run id, registering the run on first call.
func (a *Assistant) CreateRun(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.createRunLocked(ctx)
}

func (a *Assistant) createRunLocked(ctx context.Context) (string, error) {
	if a.created {
		return a.RunID, nil
	}
	if a.RunID == "" {
		a.RunID = uuid.NewString()
	}
	if a.Memory != nil {
		if a.UserID == "" {
			return "", ErrNoUser
		}
		if err := a.Memory.CreateRun(ctx, a.key()); err != nil {
			return "", fmt.Errorf("failed to create run: %w", err)
		}
	}
	a.created = true
	a.logger.Debug("run ready", zap.String("assistant", a.Name), zap.String("user_id", a.UserID), zap.String("run_id", a.RunID))
	return a.RunID, nil
}

// ChatHistory returns the run's stored messages in arrival order.
func (a *Assistant) ChatHistory(ctx context.Context) ([]llm.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loadLocked(ctx)
}

// RunIDs lists the user's runs, newest first.
func (a *Assistant) RunIDs(ctx context.Context) ([]string, error) {
	if a.Memory == nil {
		a.mu.Lock()
		defer a.mu.Unlock()
		if !a.created {
			return nil, nil
		}
		return []string{a.RunID}, nil
	}
	if a.UserID == "" {
		return nil, ErrNoUser
	}
	return a.Memory.RunIDs(ctx, a.UserID)
}

// Run sends user content and returns the reply as a stream of deltas. The
// reply is saved to the run when the stream ends, even if it ends in error.
func (a *Assistant) Run(ctx context.Context, content llm.Content) (llm.Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.createRunLocked(ctx); err != nil {
		return nil, err
	}

	history, err := a.loadLocked(ctx)
	if err != nil {
		return nil, err
	}

	if len(history) == 0 && a.Instructions != "" {
		sysMsg := llm.Message{Role: llm.RoleSystem, Content: llm.TextContent(a.Instructions)}
		if err := a.saveLocked(ctx, sysMsg); err != nil {
			return nil, fmt.Errorf("failed to save instructions: %w", err)
		}
		history = append(history, sysMsg)
	}

	prompt := content.PlainText()
	request := content
	if a.Knowledge != nil {
		notes, err := a.Knowledge.Recall(ctx, a.UserID, prompt, a.RecallLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to recall notes: %w", err)
		}
		request = withContext(content, knowledge.FormatContext(notes))
	}

	history = append(history, llm.Message{Role: llm.RoleUser, Content: request})

	a.logger.Debug("run started", zap.String("run_id", a.RunID), zap.Int("history", len(history)))
	stream, err := a.LLM.Stream(ctx, history)
	if err != nil {
		return nil, fmt.Errorf("LLM error: %w", err)
	}

	// The turn is stored only once generation has started, so a retried
	// prompt is not duplicated.
	if err := a.saveLocked(ctx, llm.Message{Role: llm.RoleUser, Content: content}); err != nil {
		stream.Close()
		return nil, fmt.Errorf("failed to save user message: %w", err)
	}

	return &replyStream{
		inner:     stream,
		assistant: a,
		ctx:       context.WithoutCancel(ctx),
		prompt:    prompt,
	}, nil
}

func (a *Assistant) key() memory.RunKey {
	return memory.RunKey{UserID: a.UserID, RunID: a.RunID}
}

func (a *Assistant) loadLocked(ctx context.Context) ([]llm.Message, error) {
	if a.Memory == nil {
		out := make([]llm.Message, len(a.history))
		copy(out, a.history)
		return out, nil
	}
	if !a.created {
		return nil, nil
	}
	history, err := a.Memory.Load(ctx, a.key())
	if err != nil {
		return nil, fmt.Errorf("failed to load memory: %w", err)
	}
	return history, nil
}

func (a *Assistant) saveLocked(ctx context.Context, msg llm.Message) error {
	if a.Memory == nil {
		a.history = append(a.history, msg)
		return nil
	}
	return a.Memory.Save(ctx, a.key(), msg)
}

// finish stores a completed reply and remembers it for later recall.
func (a *Assistant) finish(ctx context.Context, prompt, reply string, streamErr error) {
	a.mu.Lock()
	err := a.saveLocked(ctx, llm.Message{Role: llm.RoleAssistant, Content: llm.TextContent(reply)})
	a.mu.Unlock()
	if err != nil {
		a.logger.Error("failed to save assistant message", zap.String("run_id", a.RunID), zap.Error(err))
	}

	if streamErr != nil {
		a.logger.Warn("reply ended early", zap.String("run_id", a.RunID), zap.Int("reply_len", len(reply)), zap.Error(streamErr))
		return
	}
	a.logger.Debug("run completed", zap.String("run_id", a.RunID), zap.Int("reply_len", len(reply)))

	if a.Knowledge == nil || reply == "" || a.UserID == "" {
		return
	}
	note := knowledge.Note{UserID: a.UserID, RunID: a.RunID, Prompt: prompt, Reply: reply}
	if err := a.Knowledge.Remember(ctx, note); err != nil {
		a.logger.Warn("failed to remember reply", zap.String("run_id", a.RunID), zap.Error(err))
	}
}

// withContext appends text to the first text part of content, or adds one.
func withContext(content llm.Content, extra string) llm.Content {
	if extra == "" {
		return content
	}
	if content.Kind == llm.KindText {
		return llm.TextContent(content.Text + extra)
	}

	parts := make([]llm.Part, len(content.Parts))
	copy(parts, content.Parts)
	for i := range parts {
		if parts[i].Type == llm.PartText {
			parts[i].Text += extra
			return llm.PartsContent(parts...)
		}
	}
	return llm.PartsContent(append([]llm.Part{llm.TextPart(strings.TrimPrefix(extra, "\n"))}, parts...)...)
}

// replyStream forwards deltas and records the reply once the stream ends.
type replyStream struct {
	inner     llm.Stream
	assistant *Assistant
	ctx       context.Context
	prompt    string

	reply strings.Builder
	once  sync.Once
}

func (s *replyStream) Next() bool {
	if s.inner.Next() {
		s.reply.WriteString(s.inner.Current())
		return true
	}
	s.end()
	return false
}

func (s *replyStream) Current() string { return s.inner.Current() }

func (s *replyStream) Err() error { return s.inner.Err() }

func (s *replyStream) Close() error {
	s.end()
	return s.inner.Close()
}

func (s *replyStream) end() {
	s.once.Do(func() {
		s.assistant.finish(s.ctx, s.prompt, s.reply.String(), s.inner.Err())
	})
}
