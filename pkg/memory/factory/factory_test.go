package factory

import (
	"context"
	"testing"

	"github.com/barekit/iris/pkg/memory/inmemory"
	gormmem "github.com/barekit/iris/pkg/memory/gorm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	ctx := context.Background()

	mem, err := New(ctx, Config{Type: TypeInMemory})
	require.NoError(t, err)
	assert.IsType(t, &inmemory.InMemory{}, mem)

	mem, err = New(ctx, Config{Type: TypeSQLite, ConnectionString: ":memory:"})
	require.NoError(t, err)
	assert.IsType(t, &gormmem.Memory{}, mem)

	_, err = New(ctx, Config{Type: "cassandra"})
	assert.Error(t, err)

	_, err = New(ctx, Config{Type: TypeRedis, ConnectionString: "not a url"})
	assert.Error(t, err)
}
