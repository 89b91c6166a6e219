package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/barekit/iris/pkg/llm"
	"github.com/barekit/iris/pkg/memory"
	"github.com/barekit/iris/pkg/memory/consts"
	"github.com/redis/go-redis/v9"
)

// RedisMemory implements memory.Memory using Redis.
//
// Messages of a run are a JSON list under "run:{user}:{run}"; a user's runs
// are a sorted set under "user_runs:{user}" scored by creation time.
type RedisMemory struct {
	client redis.UniversalClient
	now    func() time.Time
}

// New creates a new RedisMemory.
func New(client redis.UniversalClient) *RedisMemory {
	return &RedisMemory{client: client, now: time.Now}
}

func (m *RedisMemory) CreateRun(ctx context.Context, key memory.RunKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	return m.register(ctx, m.client, key)
}

func (m *RedisMemory) Save(ctx context.Context, key memory.RunKey, msg llm.Message) error {
	if err := key.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := m.register(ctx, pipe, key); err != nil {
			return err
		}
		return pipe.RPush(ctx, messagesKey(key), b).Err()
	})
	return err
}

func (m *RedisMemory) Load(ctx context.Context, key memory.RunKey) ([]llm.Message, error) {
	result, err := m.client.LRange(ctx, messagesKey(key), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	messages := make([]llm.Message, len(result))
	for i, item := range result {
		var msg llm.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message at index %d: %w", i, err)
		}
		messages[i] = msg
	}

	return messages, nil
}

func (m *RedisMemory) RunIDs(ctx context.Context, userID string) ([]string, error) {
	return m.client.ZRevRange(ctx, runsKey(userID), 0, -1).Result()
}

// register adds the run to the user's set only if absent, keeping its first score.
func (m *RedisMemory) register(ctx context.Context, c redis.Cmdable, key memory.RunKey) error {
	return c.ZAddNX(ctx, runsKey(key.UserID), redis.Z{
		Score:  float64(m.now().UnixMicro()),
		Member: key.RunID,
	}).Err()
}

func messagesKey(key memory.RunKey) string {
	return fmt.Sprintf("%s:%s:%s", consts.KeyRunMessages, key.UserID, key.RunID)
}

func runsKey(userID string) string {
	return fmt.Sprintf("%s:%s", consts.KeyUserRuns, userID)
}
