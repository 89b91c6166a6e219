package sqlite

import (
	"testing"

	"github.com/barekit/iris/pkg/memory/memorytest"
	"github.com/stretchr/testify/require"
)

func TestSQLite_Contract(t *testing.T) {
	mem, err := New(":memory:")
	require.NoError(t, err)
	memorytest.Run(t, mem)
}
