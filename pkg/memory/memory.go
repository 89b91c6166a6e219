package memory

import (
	"context"
	"errors"

	"github.com/barekit/iris/pkg/llm"
)

// ErrInvalidKey is returned when a run key lacks a user or run id.
var ErrInvalidKey = errors.New("memory: run key requires user id and run id")

// RunKey identifies one persisted conversation thread.
type RunKey struct {
	UserID string
	RunID  string
}

// Validate reports whether both halves of the key are set.
func (k RunKey) Validate() error {
	if k.UserID == "" || k.RunID == "" {
		return ErrInvalidKey
	}
	return nil
}

// Memory stores runs and their chat history.
type Memory interface {
	// CreateRun registers a run for a user. Registering an existing run is a no-op.
	CreateRun(ctx context.Context, key RunKey) error
	// Save appends a message to a run.
	Save(ctx context.Context, key RunKey, msg llm.Message) error
	// Load returns a run's messages in arrival order.
	Load(ctx context.Context, key RunKey) ([]llm.Message, error)
	// RunIDs lists a user's runs, newest first.
	RunIDs(ctx context.Context, userID string) ([]string, error)
}
