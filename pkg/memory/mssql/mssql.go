package mssql

import (
	"fmt"

	gormmem "github.com/barekit/iris/pkg/memory/gorm"
	"gorm.io/driver/sqlserver"
	"gorm.io/gorm"
)

// New creates a SQL Server backed run store.
func New(dsn string) (*gormmem.Memory, error) {
	db, err := gorm.Open(sqlserver.Open(dsn), gormmem.Config())
	if err != nil {
		return nil, fmt.Errorf("failed to open mssql: %w", err)
	}
	return gormmem.New(db)
}
