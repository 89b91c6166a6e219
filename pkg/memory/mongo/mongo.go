package mongo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/barekit/iris/pkg/llm"
	"github.com/barekit/iris/pkg/memory"
	"github.com/barekit/iris/pkg/memory/consts"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoMemory struct {
	client   *mongo.Client
	runs     *mongo.Collection
	messages *mongo.Collection
}

type RunDoc struct {
	UserID    string    `bson:"user_id"`
	RunID     string    `bson:"run_id"`
	CreatedAt time.Time `bson:"created_at"`
}

type MessageDoc struct {
	UserID    string    `bson:"user_id"`
	RunID     string    `bson:"run_id"`
	Role      string    `bson:"role"`
	Content   string    `bson:"content"` // JSON encoded llm.Content
	CreatedAt time.Time `bson:"created_at"`
}

// New creates a MongoMemory adapter and ensures its indexes.
func New(ctx context.Context, client *mongo.Client, dbName string) (*MongoMemory, error) {
	db := client.Database(dbName)
	m := &MongoMemory{
		client:   client,
		runs:     db.Collection(consts.TableNameRuns),
		messages: db.Collection(consts.TableNameMessages),
	}

	_, err := m.runs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: consts.ColUserID, Value: 1}, {Key: consts.ColRunID, Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to index runs: %w", err)
	}
	_, err = m.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: consts.ColUserID, Value: 1}, {Key: consts.ColRunID, Value: 1}, {Key: "_id", Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to index messages: %w", err)
	}
	return m, nil
}

func (m *MongoMemory) CreateRun(ctx context.Context, key memory.RunKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	filter := bson.M{consts.ColUserID: key.UserID, consts.ColRunID: key.RunID}
	update := bson.M{"$setOnInsert": RunDoc{UserID: key.UserID, RunID: key.RunID, CreatedAt: time.Now()}}
	_, err := m.runs.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (m *MongoMemory) Save(ctx context.Context, key memory.RunKey, msg llm.Message) error {
	if err := m.CreateRun(ctx, key); err != nil {
		return err
	}
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal content: %w", err)
	}

	_, err = m.messages.InsertOne(ctx, MessageDoc{
		UserID:    key.UserID,
		RunID:     key.RunID,
		Role:      string(msg.Role),
		Content:   string(content),
		CreatedAt: time.Now(),
	})
	return err
}

func (m *MongoMemory) Load(ctx context.Context, key memory.RunKey) ([]llm.Message, error) {
	filter := bson.M{consts.ColUserID: key.UserID, consts.ColRunID: key.RunID}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})

	cursor, err := m.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var messages []llm.Message
	for cursor.Next(ctx) {
		var doc MessageDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}

		msg := llm.Message{Role: llm.Role(doc.Role)}
		if err := json.Unmarshal([]byte(doc.Content), &msg.Content); err != nil {
			return nil, fmt.Errorf("failed to unmarshal content: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := cursor.Err(); err != nil {
		return nil, err
	}

	return messages, nil
}

func (m *MongoMemory) RunIDs(ctx context.Context, userID string) ([]string, error) {
	opts := options.Find().SetSort(bson.D{{Key: consts.ColCreatedAt, Value: -1}, {Key: "_id", Value: -1}})
	cursor, err := m.runs.Find(ctx, bson.M{consts.ColUserID: userID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var ids []string
	for cursor.Next(ctx) {
		var doc RunDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		ids = append(ids, doc.RunID)
	}
	return ids, cursor.Err()
}

// Close disconnects the underlying client.
func (m *MongoMemory) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
