package postgres

import (
	"context"
	"fmt"

	"github.com/barekit/iris/pkg/knowledge"
	"github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PostgresStore implements knowledge.VectorStore using pgvector.
type PostgresStore struct {
	db *gorm.DB
}

// NoteModel represents the database schema for a note.
type NoteModel struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"index"`
	RunID     string
	Prompt    string
	Reply     string
	Embedding pgvector.Vector `gorm:"type:vector(1536)"`
}

// TableName overrides the table name.
func (NoteModel) TableName() string {
	return "recall_notes"
}

// New creates a new PostgresStore.
func New(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return nil, fmt.Errorf("failed to enable pgvector extension: %w", err)
	}

	if err := db.AutoMigrate(&NoteModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, vectors [][]float32, notes []knowledge.Note) error {
	if len(vectors) != len(notes) {
		return fmt.Errorf("number of vectors and notes must match")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, n := range notes {
			model := NoteModel{
				ID:        n.ID,
				UserID:    n.UserID,
				RunID:     n.RunID,
				Prompt:    n.Prompt,
				Reply:     n.Reply,
				Embedding: pgvector.NewVector(vectors[i]),
			}

			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"prompt", "reply", "embedding"}),
			}).Create(&model).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Search orders the user's notes by cosine distance (pgvector's <=> operator).
func (s *PostgresStore) Search(ctx context.Context, userID string, query []float32, limit int) ([]knowledge.Note, error) {
	type row struct {
		NoteModel
		Distance float64
	}
	var rows []row

	vec := pgvector.NewVector(query)
	err := s.db.WithContext(ctx).
		Model(&NoteModel{}).
		Select("*, embedding <=> ? AS distance", vec).
		Where("user_id = ?", userID).
		Order("distance").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	notes := make([]knowledge.Note, len(rows))
	for i, r := range rows {
		notes[i] = knowledge.Note{
			ID:     r.ID,
			UserID: r.UserID,
			RunID:  r.RunID,
			Prompt: r.Prompt,
			Reply:  r.Reply,
			Score:  float32(1 - r.Distance),
		}
	}

	return notes, nil
}
