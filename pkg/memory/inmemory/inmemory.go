package inmemory

import (
	"context"
	"sync"

	"github.com/barekit/iris/pkg/llm"
	"github.com/barekit/iris/pkg/memory"
)

// InMemory implements memory.Memory using maps.
type InMemory struct {
	mu       sync.RWMutex
	messages map[memory.RunKey][]llm.Message
	runs     map[string][]string // user id -> run ids, oldest first
}

// New creates a new InMemory adapter.
func New() *InMemory {
	return &InMemory{
		messages: make(map[memory.RunKey][]llm.Message),
		runs:     make(map[string][]string),
	}
}

func (m *InMemory) CreateRun(ctx context.Context, key memory.RunKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registerLocked(key)
	return nil
}

// Save appends a message, registering the run if needed.
func (m *InMemory) Save(ctx context.Context, key memory.RunKey, msg llm.Message) error {
	if err := key.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.registerLocked(key)
	m.messages[key] = append(m.messages[key], msg)
	return nil
}

func (m *InMemory) Load(ctx context.Context, key memory.RunKey) ([]llm.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Return a copy to avoid race conditions if the caller modifies the slice
	msgs := m.messages[key]
	result := make([]llm.Message, len(msgs))
	copy(result, msgs)

	return result, nil
}

func (m *InMemory) RunIDs(ctx context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := m.runs[userID]
	result := make([]string, len(runs))
	for i, id := range runs {
		result[len(runs)-1-i] = id
	}
	return result, nil
}

func (m *InMemory) registerLocked(key memory.RunKey) {
	for _, id := range m.runs[key.UserID] {
		if id == key.RunID {
			return
		}
	}
	m.runs[key.UserID] = append(m.runs[key.UserID], key.RunID)
}
