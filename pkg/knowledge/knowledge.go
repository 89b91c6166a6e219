package knowledge

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Note is one remembered exchange about an image.
type Note struct {
	ID     string  `json:"id"`
	UserID string  `json:"user_id"`
	RunID  string  `json:"run_id"`
	Prompt string  `json:"prompt"`
	Reply  string  `json:"reply"`
	Score  float32 `json:"score,omitempty"` // Similarity score
}

// Text is the string that gets embedded for a note.
func (n Note) Text() string {
	return "Q: " + n.Prompt + "\nA: " + n.Reply
}

// Embedder is the interface for generating embeddings.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorStore is the interface for storing and retrieving note vectors.
type VectorStore interface {
	// Upsert inserts or updates notes and their vectors.
	Upsert(ctx context.Context, vectors [][]float32, notes []Note) error
	// Search returns the user's notes closest to the query vector.
	Search(ctx context.Context, userID string, query []float32, limit int) ([]Note, error)
}

// KnowledgeBase combines an Embedder and a VectorStore.
type KnowledgeBase struct {
	Embedder    Embedder
	VectorStore VectorStore
}

// NewKnowledgeBase creates a new KnowledgeBase.
func NewKnowledgeBase(embedder Embedder, store VectorStore) *KnowledgeBase {
	return &KnowledgeBase{
		Embedder:    embedder,
		VectorStore: store,
	}
}

// Remember embeds and stores notes. Notes without an ID get a random one.
func (kb *KnowledgeBase) Remember(ctx context.Context, notes ...Note) error {
	if len(notes) == 0 {
		return nil
	}
	texts := make([]string, len(notes))
	for i := range notes {
		if notes[i].UserID == "" {
			return fmt.Errorf("note %d has no user id", i)
		}
		if notes[i].ID == "" {
			notes[i].ID = uuid.NewString()
		}
		texts[i] = notes[i].Text()
	}

	vectors, err := kb.Embedder.Embed(ctx, texts)
	if err != nil {
		return err
	}

	return kb.VectorStore.Upsert(ctx, vectors, notes)
}

// Recall finds the user's notes most relevant to a query.
func (kb *KnowledgeBase) Recall(ctx context.Context, userID, query string, limit int) ([]Note, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	vectors, err := kb.Embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}

	if len(vectors) == 0 {
		return nil, nil
	}

	return kb.VectorStore.Search(ctx, userID, vectors[0], limit)
}

// FormatContext renders recalled notes as a prompt suffix.
func FormatContext(notes []Note) string {
	if len(notes) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\nRelevant earlier answers:\n")
	for _, n := range notes {
		fmt.Fprintf(&b, "- %s => %s\n", n.Prompt, n.Reply)
	}
	return b.String()
}
