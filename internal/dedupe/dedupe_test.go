package dedupe

import (
	"context"
	"testing"

	"github.com/coreim/messaging-core/pkg/cache/adapters/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine() *Engine {
	return New(memory.New(), memory.New())
}

func TestEngine_IsDuplicate_NegativeByDefault(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	dup, err := e.IsDuplicate(ctx, "u1", 10)
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestEngine_MarkProcessed_ThenDuplicate(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	require.NoError(t, e.MarkProcessed(ctx, "u1", 10))

	dup, err := e.IsDuplicate(ctx, "u1", 10)
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestEngine_Transaction_CommitKeepsConfirmation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	require.NoError(t, e.MarkProcessedTx(ctx, "u1", 10, "tx1"))
	require.NoError(t, e.CommitTx(ctx, "tx1"))

	dup, err := e.IsDuplicate(ctx, "u1", 10)
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestEngine_Transaction_RollbackRemovesConfirmation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	require.NoError(t, e.MarkProcessedTx(ctx, "u1", 10, "tx1"))
	require.NoError(t, e.RollbackTx(ctx, "tx1"))

	dup, err := e.IsDuplicate(ctx, "u1", 10)
	require.NoError(t, err)
	assert.False(t, dup, "rollback must remove the authoritative confirmation even though filter bits remain set")
}

func TestEngine_IsDuplicateBatch(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()
	require.NoError(t, e.MarkProcessed(ctx, "u1", 1))

	results, err := e.IsDuplicateBatch(ctx, "u1", []int64{1, 2, 3})
	require.NoError(t, err)
	assert.True(t, results[1])
	assert.False(t, results[2])
	assert.False(t, results[3])
}

func TestEngine_Rebuild_PrunesStaleKeys(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	require.NoError(t, e.MarkProcessedTx(ctx, "u1", 10, "tx1"))
	require.NoError(t, e.RollbackTx(ctx, "tx1"))
	require.NoError(t, e.MarkProcessed(ctx, "u2", 20))

	require.NoError(t, e.Rebuild(ctx))

	stats := e.Stats()
	assert.Equal(t, 1, stats.ConfirmedCount)

	dup, err := e.IsDuplicate(ctx, "u2", 20)
	require.NoError(t, err)
	assert.True(t, dup)
}
