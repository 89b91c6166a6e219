package inmemory

import (
	"testing"

	"github.com/barekit/iris/pkg/memory/memorytest"
)

func TestInMemory_Contract(t *testing.T) {
	memorytest.Run(t, New())
}
