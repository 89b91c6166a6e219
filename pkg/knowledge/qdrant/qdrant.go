package qdrant

import (
	"context"
	"fmt"

	"github.com/barekit/iris/pkg/knowledge"
	"github.com/qdrant/go-client/qdrant"
)

const (
	fieldUserID = "user_id"
	fieldRunID  = "run_id"
	fieldPrompt = "prompt"
	fieldReply  = "reply"
)

// QdrantStore implements knowledge.VectorStore using Qdrant.
// Notes are filtered by a keyword index on user_id.
type QdrantStore struct {
	client         *qdrant.Client
	collectionName string
	vectorSize     uint64
}

// New creates a new QdrantStore.
func New(ctx context.Context, host string, port int, collectionName string, vectorSize uint64) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	store := &QdrantStore{
		client:         client,
		collectionName: collectionName,
		vectorSize:     vectorSize,
	}

	if err := store.initCollection(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *QdrantStore) initCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collectionName,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.vectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	_, err = s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: s.collectionName,
		FieldName:      fieldUserID,
		FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
	})
	if err != nil {
		return fmt.Errorf("failed to index %s: %w", fieldUserID, err)
	}
	return nil
}

func (s *QdrantStore) Upsert(ctx context.Context, vectors [][]float32, notes []knowledge.Note) error {
	if len(vectors) != len(notes) {
		return fmt.Errorf("number of vectors and notes must match")
	}

	points := make([]*qdrant.PointStruct, len(vectors))
	for i, n := range notes {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(n.ID),
			Vectors: qdrant.NewVectors(vectors[i]...),
			Payload: qdrant.NewValueMap(map[string]any{
				fieldUserID: n.UserID,
				fieldRunID:  n.RunID,
				fieldPrompt: n.Prompt,
				fieldReply:  n.Reply,
			}),
		}
	}

	wait := true
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collectionName,
		Points:         points,
		Wait:           &wait,
	})
	return err
}

func (s *QdrantStore) Search(ctx context.Context, userID string, query []float32, limit int) ([]knowledge.Note, error) {
	limit64 := uint64(limit)
	res, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collectionName,
		Query:          qdrant.NewQuery(query...),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(fieldUserID, userID)},
		},
		Limit:       &limit64,
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, err
	}

	notes := make([]knowledge.Note, len(res))
	for i, hit := range res {
		notes[i] = knowledge.Note{
			ID:     hit.Id.GetUuid(),
			UserID: hit.Payload[fieldUserID].GetStringValue(),
			RunID:  hit.Payload[fieldRunID].GetStringValue(),
			Prompt: hit.Payload[fieldPrompt].GetStringValue(),
			Reply:  hit.Payload[fieldReply].GetStringValue(),
			Score:  hit.Score,
		}
	}

	return notes, nil
}
