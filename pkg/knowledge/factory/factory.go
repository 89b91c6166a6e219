// Package factory builds a recall knowledge base from configuration.
package factory

import (
	"context"
	"fmt"

	"github.com/barekit/iris/pkg/knowledge"
	"github.com/barekit/iris/pkg/knowledge/inmemory"
	kbopenai "github.com/barekit/iris/pkg/knowledge/openai"
	"github.com/barekit/iris/pkg/knowledge/postgres"
	"github.com/barekit/iris/pkg/knowledge/qdrant"
)

type Type string

const (
	TypeNone     Type = ""
	TypeInMemory Type = "inmemory"
	TypeQdrant   Type = "qdrant"
	TypePostgres Type = "postgres"
)

// Config holds configuration for the recall store.
type Config struct {
	Type        Type
	QdrantHost  string
	QdrantPort  int
	Collection  string
	PostgresDSN string
}

// New builds a knowledge base over embedder. It returns nil when recall is
// disabled.
func New(ctx context.Context, cfg Config, embedder knowledge.Embedder) (*knowledge.KnowledgeBase, error) {
	var store knowledge.VectorStore
	switch cfg.Type {
	case TypeNone:
		return nil, nil

	case TypeInMemory:
		store = inmemory.New()

	case TypeQdrant:
		s, err := qdrant.New(ctx, cfg.QdrantHost, cfg.QdrantPort, cfg.Collection, kbopenai.Dimensions)
		if err != nil {
			return nil, fmt.Errorf("failed to open qdrant store: %w", err)
		}
		store = s

	case TypePostgres:
		s, err := postgres.New(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		store = s

	default:
		return nil, fmt.Errorf("unsupported knowledge store: %s", cfg.Type)
	}
	return knowledge.NewKnowledgeBase(embedder, store), nil
}
