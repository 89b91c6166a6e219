package sqlite

import (
	"fmt"

	gormmem "github.com/barekit/iris/pkg/memory/gorm"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// New creates a SQLite backed run store. The pool is pinned to one
// connection so ":memory:" databases are shared across calls.
func New(dsn string) (*gormmem.Memory, error) {
	db, err := gorm.Open(sqlite.Open(dsn), gormmem.Config())
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %q: %w", dsn, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sqlite pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return gormmem.New(db)
}
