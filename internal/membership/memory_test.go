package membership

import (
	"context"
	"testing"

	"github.com/coreim/messaging-core/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_JoinedMembers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Put(model.GroupMember{GroupID: "g1", UserID: "u1", Status: model.MemberStatusJoined})
	s.Put(model.GroupMember{GroupID: "g1", UserID: "u2", Status: model.MemberStatusJoined})
	s.Put(model.GroupMember{GroupID: "g1", UserID: "u3", Status: model.MemberStatusLeft})

	members, err := s.JoinedMembers(ctx, "g1")
	require.NoError(t, err)
	assert.Len(t, members, 2)

	m, err := s.Member(ctx, "g1", "u3")
	require.NoError(t, err)
	assert.Equal(t, model.MemberStatusLeft, m.Status)

	m, err = s.Member(ctx, "g1", "nobody")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestMemoryFriendshipStore_IsBlocked_Asymmetric(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryFriendshipStore()
	s.Put("u2", "u1", model.FriendshipBlocked)

	blocked, err := s.IsBlocked(ctx, "u2", "u1")
	require.NoError(t, err)
	assert.True(t, blocked)

	blocked, err = s.IsBlocked(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.False(t, blocked)
}
