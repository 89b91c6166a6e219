package gorm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/barekit/iris/pkg/llm"
	"github.com/barekit/iris/pkg/memory"
	"github.com/barekit/iris/pkg/memory/consts"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Memory implements memory.Memory using GORM.
type Memory struct {
	db *gorm.DB
}

// RunModel represents the database schema for a run.
type RunModel struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    string `gorm:"size:191;uniqueIndex:idx_user_run"`
	RunID     string `gorm:"size:191;uniqueIndex:idx_user_run"`
	CreatedAt time.Time
}

// TableName overrides the table name.
func (RunModel) TableName() string {
	return consts.TableNameRuns
}

// MessageModel represents the database schema for a message.
type MessageModel struct {
	gorm.Model
	UserID  string `gorm:"size:191;index:idx_message_run"`
	RunID   string `gorm:"size:191;index:idx_message_run"`
	Role    string
	Content string // JSON encoded llm.Content
}

// TableName overrides the table name.
func (MessageModel) TableName() string {
	return consts.TableNameMessages
}

// New creates a new Memory.
func New(db *gorm.DB) (*Memory, error) {
	if err := db.AutoMigrate(&RunModel{}, &MessageModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Memory{db: db}, nil
}

func (m *Memory) CreateRun(ctx context.Context, key memory.RunKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	return m.register(m.db.WithContext(ctx), key)
}

// Save saves a message to the database.
func (m *Memory) Save(ctx context.Context, key memory.RunKey, msg llm.Message) error {
	if err := key.Validate(); err != nil {
		return err
	}
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal content: %w", err)
	}

	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := m.register(tx, key); err != nil {
			return err
		}
		return tx.Create(&MessageModel{
			UserID:  key.UserID,
			RunID:   key.RunID,
			Role:    string(msg.Role),
			Content: string(content),
		}).Error
	})
}

// Load loads messages from the database.
func (m *Memory) Load(ctx context.Context, key memory.RunKey) ([]llm.Message, error) {
	var models []MessageModel
	if err := m.db.WithContext(ctx).
		Where(consts.ColUserID+" = ? AND "+consts.ColRunID+" = ?", key.UserID, key.RunID).
		Order("id asc").
		Find(&models).Error; err != nil {
		return nil, err
	}

	messages := make([]llm.Message, len(models))
	for i, model := range models {
		msg := llm.Message{Role: llm.Role(model.Role)}
		if err := json.Unmarshal([]byte(model.Content), &msg.Content); err != nil {
			return nil, fmt.Errorf("failed to unmarshal content for msg %d: %w", model.ID, err)
		}
		messages[i] = msg
	}

	return messages, nil
}

func (m *Memory) RunIDs(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := m.db.WithContext(ctx).
		Model(&RunModel{}).
		Where(consts.ColUserID+" = ?", userID).
		Order("id desc").
		Pluck(consts.ColRunID, &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (m *Memory) register(db *gorm.DB, key memory.RunKey) error {
	err := db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&RunModel{UserID: key.UserID, RunID: key.RunID}).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	return err
}

// Config returns the gorm configuration shared by every SQL backend.
// Duplicate key errors are translated so run registration stays idempotent
// on dialects without ON CONFLICT support.
func Config() *gorm.Config {
	return &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	}
}
