// Package session holds the per-browser state of the image assistant:
// who the user is, which run is active, the bound image and the message log.
//
// A Session is not safe for concurrent use on its own. Callers hold Lock for
// the duration of one interaction; Store hands out one Session per id.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/barekit/iris/pkg/llm"
	"go.uber.org/zap"
)

// Greeting seeds the log of a run with no history.
const Greeting = "Ask me about the image..."

// Assistant is the external assistant handle a Session owns.
type Assistant interface {
	// CreateRun returns the assistant's run id, creating the run on first call.
	CreateRun(ctx context.Context) (string, error)
	// ChatHistory returns the persisted messages of the run.
	ChatHistory(ctx context.Context) ([]llm.Message, error)
	// Run sends user content and returns the reply as a delta stream.
	Run(ctx context.Context, content llm.Content) (llm.Stream, error)
	// RunIDs lists the user's runs, newest first.
	RunIDs(ctx context.Context) ([]string, error)
}

// Factory creates an assistant for a user. An empty runID asks for a new run.
type Factory func(userID, runID string) (Assistant, error)

// SourceKind says where a bound image came from.
type SourceKind string

const (
	SourceUpload  SourceKind = "upload"
	SourceURL     SourceKind = "url"
	SourceHistory SourceKind = "history"
)

// ImageSource identifies the origin of a bound image.
type ImageSource struct {
	Kind SourceKind
	Key  string // upload file name, URL, or run id
}

// Session is the state of one logical browser session.
type Session struct {
	mu sync.Mutex

	ID          string
	UserID      string
	RunID       string
	Messages    []llm.Message
	BoundImage  string
	ImageSource ImageSource
	UploadSlot  int

	assistant Assistant
	encoded   map[string]bool
	logger    *zap.Logger
	lastUsed  atomic.Int64 // unix nanos
}

// New creates an empty session.
func New(id string, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		ID:      id,
		encoded: make(map[string]bool),
		logger:  logger.With(zap.String("session_id", id)),
	}
	s.touch()
	return s
}

// Lock acquires the session for one interaction.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session.
func (s *Session) Unlock() {
	s.touch()
	s.mu.Unlock()
}

// LastUsed returns when the session was last handed out or released.
func (s *Session) LastUsed() time.Time { return time.Unix(0, s.lastUsed.Load()) }

func (s *Session) touch() { s.lastUsed.Store(time.Now().UnixNano()) }

// Assistant returns the current handle, or nil.
func (s *Session) Assistant() Assistant { return s.assistant }

// GetOrCreateAssistant returns the session's assistant when it belongs to
// userID and runID is empty or the active run. Otherwise the old handle is
// torn down, factory builds a new one, its run is created and its history
// hydrated into the session.
func (s *Session) GetOrCreateAssistant(ctx context.Context, factory Factory, userID, runID string) (Assistant, error) {
	if s.assistant != nil && s.UserID == userID && (runID == "" || runID == s.RunID) {
		return s.assistant, nil
	}

	switch {
	case s.assistant == nil:
	case s.UserID != userID:
		s.logger.Info("user switched", zap.String("from", s.UserID), zap.String("to", userID))
		s.teardown()
	default:
		s.logger.Info("run switched", zap.String("from", s.RunID), zap.String("to", runID))
		s.teardown()
	}

	s.logger.Info("creating assistant", zap.String("user_id", userID), zap.String("run_id", runID))
	a, err := factory(userID, runID)
	if err != nil {
		return nil, fmt.Errorf("create assistant: %w", err)
	}
	id, err := a.CreateRun(ctx)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	// The handle is committed only after its history loads, so a failed load
	// is retried on the next interaction.
	history, err := a.ChatHistory(ctx)
	if err != nil {
		return nil, fmt.Errorf("load chat history: %w", err)
	}

	s.assistant = a
	s.UserID = userID
	s.RunID = id
	s.hydrate(history)
	return a, nil
}

// Restart discards the assistant, run, bound image and log, and bumps the
// upload slot so a stale upload is not picked up again.
func (s *Session) Restart() {
	s.logger.Info("restarting run", zap.String("run_id", s.RunID))
	s.teardown()
	s.UploadSlot++
}

// BindImage binds dataURI when no image is bound. It reports whether the
// session changed.
func (s *Session) BindImage(src ImageSource, dataURI string) bool {
	if s.BoundImage != "" || dataURI == "" {
		return false
	}
	s.BoundImage = dataURI
	s.ImageSource = src
	s.logger.Debug("image bound", zap.String("source", string(src.Kind)), zap.String("key", src.Key))
	return true
}

// IsEncoded reports whether an upload with this name was already normalized
// for the current run.
func (s *Session) IsEncoded(name string) bool { return s.encoded[name] }

// MarkEncoded records that an upload was normalized.
func (s *Session) MarkEncoded(name string) { s.encoded[name] = true }

// Append adds a message to the log.
func (s *Session) Append(msg llm.Message) {
	s.Messages = append(s.Messages, msg)
}

func (s *Session) teardown() {
	s.assistant = nil
	s.RunID = ""
	s.BoundImage = ""
	s.ImageSource = ImageSource{}
	s.Messages = nil
	s.encoded = make(map[string]bool)
}

// hydrate replaces the log with the run's stored history and, when no image
// is bound, recovers the first image a user sent in that history.
func (s *Session) hydrate(history []llm.Message) {
	if len(history) == 0 {
		s.logger.Debug("no chat history found")
		s.Messages = []llm.Message{{Role: llm.RoleAssistant, Content: llm.TextContent(Greeting)}}
		return
	}

	s.logger.Debug("loading chat history", zap.Int("messages", len(history)))
	s.Messages = history
	if s.BoundImage != "" {
		return
	}
	if url, ok := FirstUserImage(history); ok {
		s.BindImage(ImageSource{Kind: SourceHistory, Key: s.RunID}, url)
	}
}

// FirstUserImage scans user messages in order and returns the first image URL.
func FirstUserImage(history []llm.Message) (string, bool) {
	for _, m := range history {
		if m.Role != llm.RoleUser {
			continue
		}
		if url, ok := m.Content.FirstImage(); ok {
			return url, true
		}
	}
	return "", false
}
