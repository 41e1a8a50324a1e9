package permission

import (
	"context"
	"testing"
	"time"

	"github.com/coreim/messaging-core/internal/membership"
	"github.com/coreim/messaging-core/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFilter(cfg Config) (*Filter, *membership.MemoryStore, *membership.MemoryFriendshipStore) {
	ms := membership.NewMemoryStore()
	fs := membership.NewMemoryFriendshipStore()
	return New(cfg, ms, fs), ms, fs
}

func TestFilter_CheckSingle_Blocked(t *testing.T) {
	ctx := context.Background()
	f, _, fs := newFilter(Config{})
	fs.Put("u2", "u1", model.FriendshipBlocked)

	res, err := f.CheckSingle(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "block")
}

func TestFilter_CheckSingle_Allowed(t *testing.T) {
	ctx := context.Background()
	f, _, _ := newFilter(Config{})

	res, err := f.CheckSingle(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestFilter_CheckSingle_RequireMutualFriendship(t *testing.T) {
	ctx := context.Background()
	f, _, fs := newFilter(Config{RequireMutualFriendship: true})

	res, err := f.CheckSingle(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	fs.Put("u1", "u2", model.FriendshipAccepted)
	res, err = f.CheckSingle(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestFilter_CheckGroup_NotMember(t *testing.T) {
	ctx := context.Background()
	f, _, _ := newFilter(Config{})

	res, err := f.CheckGroup(ctx, "u1", "g1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestFilter_CheckGroup_Muted(t *testing.T) {
	ctx := context.Background()
	f, ms, _ := newFilter(Config{})
	future := time.Now().Add(time.Hour)
	ms.Put(model.GroupMember{GroupID: "g1", UserID: "u1", Status: model.MemberStatusJoined, MuteUntil: &future})

	res, err := f.CheckGroup(ctx, "u1", "g1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "muted")
}

func TestFilter_CheckGroup_Joined(t *testing.T) {
	ctx := context.Background()
	f, ms, _ := newFilter(Config{})
	ms.Put(model.GroupMember{GroupID: "g1", UserID: "u1", Status: model.MemberStatusJoined})

	res, err := f.CheckGroup(ctx, "u1", "g1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestFilter_BatchCheckBlocked(t *testing.T) {
	ctx := context.Background()
	f, _, fs := newFilter(Config{})
	fs.Put("u1", "u2", model.FriendshipBlocked)

	result, err := f.BatchCheckBlocked(ctx, "u1", []string{"u2", "u3"})
	require.NoError(t, err)
	assert.True(t, result["u2"])
	assert.False(t, result["u3"])
}
