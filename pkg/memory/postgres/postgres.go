package postgres

import (
	"fmt"

	gormmem "github.com/barekit/iris/pkg/memory/gorm"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// New creates a Postgres backed run store.
func New(dsn string) (*gormmem.Memory, error) {
	db, err := gorm.Open(postgres.Open(dsn), gormmem.Config())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	return gormmem.New(db)
}
