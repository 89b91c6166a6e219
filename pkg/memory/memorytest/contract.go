// Package memorytest holds the behavioral contract every memory backend must satisfy.
package memorytest

import (
	"context"
	"testing"
	"time"

	"github.com/barekit/iris/pkg/llm"
	"github.com/barekit/iris/pkg/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises mem against the memory.Memory contract. Run ids are
// registered a few milliseconds apart so time-ordered backends can rank them.
func Run(t *testing.T, mem memory.Memory) {
	t.Helper()
	ctx := context.Background()

	alice1 := memory.RunKey{UserID: "alice", RunID: "run-1"}
	alice2 := memory.RunKey{UserID: "alice", RunID: "run-2"}
	bob1 := memory.RunKey{UserID: "bob", RunID: "run-1"}

	t.Run("create run is idempotent and newest first", func(t *testing.T) {
		require.NoError(t, mem.CreateRun(ctx, alice1))
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, mem.CreateRun(ctx, alice2))
		require.NoError(t, mem.CreateRun(ctx, alice1))

		ids, err := mem.RunIDs(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, []string{"run-2", "run-1"}, ids)
	})

	t.Run("save and load keep arrival order per run", func(t *testing.T) {
		first := llm.Message{Role: llm.RoleSystem, Content: llm.TextContent("sys")}
		second := llm.Message{Role: llm.RoleUser, Content: llm.PartsContent(
			llm.TextPart("what is this"),
			llm.ImagePart("data:image/jpeg;base64,AAAA", llm.DetailLow),
		)}
		third := llm.Message{Role: llm.RoleAssistant, Content: llm.TextContent("a cat")}

		for _, m := range []llm.Message{first, second, third} {
			require.NoError(t, mem.Save(ctx, alice1, m))
		}
		require.NoError(t, mem.Save(ctx, bob1, llm.Message{Role: llm.RoleUser, Content: llm.TextContent("other user")}))

		got, err := mem.Load(ctx, alice1)
		require.NoError(t, err)
		assert.Equal(t, []llm.Message{first, second, third}, got)

		got, err = mem.Load(ctx, bob1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "other user", got[0].Content.Text)
	})

	t.Run("save registers unknown run", func(t *testing.T) {
		ids, err := mem.RunIDs(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, []string{"run-1"}, ids)
	})

	t.Run("unknown run loads empty", func(t *testing.T) {
		got, err := mem.Load(ctx, memory.RunKey{UserID: "alice", RunID: "missing"})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("invalid key rejected", func(t *testing.T) {
		err := mem.Save(ctx, memory.RunKey{UserID: "alice"}, llm.Message{Role: llm.RoleUser})
		assert.ErrorIs(t, err, memory.ErrInvalidKey)
	})
}
