package mysql

import (
	"fmt"

	gormmem "github.com/barekit/iris/pkg/memory/gorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// New creates a MySQL backed run store.
func New(dsn string) (*gormmem.Memory, error) {
	db, err := gorm.Open(mysql.Open(dsn), gormmem.Config())
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql: %w", err)
	}
	return gormmem.New(db)
}
