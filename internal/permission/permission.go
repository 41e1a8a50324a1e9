// Package permission implements the send-time policy filter: blacklist,
// group membership, and mute rules.
package permission

import (
	"context"
	"time"

	"github.com/coreim/messaging-core/internal/membership"
	"github.com/coreim/messaging-core/internal/model"
	"github.com/coreim/messaging-core/pkg/datastructures/lru"
)

// Config gates the optional mutual-friendship requirement for single chats;
// it defaults off.
type Config struct {
	RequireMutualFriendship bool
}

// Result carries the verdict plus a client-displayable denial reason.
type Result struct {
	Allowed bool
	Reason  string
}

const lruCapacity = 10_000

// Filter checks single/group send permission. The in-process LRUs in front
// of the membership/friendship stores are strictly read-through; the stores
// stay authoritative.
type Filter struct {
	cfg        Config
	members    membership.Store
	friendship membership.FriendshipStore

	memberCache *lru.Cache[string, *model.GroupMember]
	blockCache  *lru.Cache[string, bool]
}

func New(cfg Config, members membership.Store, friendship membership.FriendshipStore) *Filter {
	return &Filter{
		cfg:         cfg,
		members:     members,
		friendship:  friendship,
		memberCache: lru.New[string, *model.GroupMember](lruCapacity),
		blockCache:  lru.New[string, bool](lruCapacity),
	}
}

func memberCacheKey(groupID, userID string) string { return groupID + "\x00" + userID }
func blockCacheKey(from, to string) string          { return from + "\x00" + to }

func (f *Filter) isBlocked(ctx context.Context, from, to string) (bool, error) {
	key := blockCacheKey(from, to)
	if v, ok := f.blockCache.Get(key); ok {
		return v, nil
	}
	blocked, err := f.friendship.IsBlocked(ctx, from, to)
	if err != nil {
		return false, err
	}
	f.blockCache.Set(key, blocked)
	return blocked, nil
}

func (f *Filter) member(ctx context.Context, groupID, userID string) (*model.GroupMember, error) {
	key := memberCacheKey(groupID, userID)
	if v, ok := f.memberCache.Get(key); ok {
		return v, nil
	}
	m, err := f.members.Member(ctx, groupID, userID)
	if err != nil {
		return nil, err
	}
	f.memberCache.Set(key, m)
	return m, nil
}

// CheckSingle applies the single-chat rules: deny if either side has
// blocked the other, optionally deny absent a mutual-accept friendship.
func (f *Filter) CheckSingle(ctx context.Context, from, to string) (Result, error) {
	blocked, err := f.isBlocked(ctx, to, from)
	if err != nil {
		return Result{}, err
	}
	if blocked {
		return Result{Allowed: false, Reason: "recipient has blocked sender"}, nil
	}

	blockedReverse, err := f.isBlocked(ctx, from, to)
	if err != nil {
		return Result{}, err
	}
	if blockedReverse {
		return Result{Allowed: false, Reason: "sender has blocked recipient"}, nil
	}

	if f.cfg.RequireMutualFriendship {
		status, err := f.friendship.Status(ctx, from, to)
		if err != nil {
			return Result{}, err
		}
		if status != model.FriendshipAccepted {
			return Result{Allowed: false, Reason: "mutual friendship required"}, nil
		}
	}

	return Result{Allowed: true}, nil
}

// CheckGroup applies the group rules: deny if not a joined member, deny if
// currently muted.
func (f *Filter) CheckGroup(ctx context.Context, from, groupID string) (Result, error) {
	m, err := f.member(ctx, groupID, from)
	if err != nil {
		return Result{}, err
	}
	if m == nil || m.Status != model.MemberStatusJoined {
		return Result{Allowed: false, Reason: "sender is not a joined member of the group"}, nil
	}
	if m.Muted(time.Now()) {
		return Result{Allowed: false, Reason: "sender is muted in this group"}, nil
	}
	return Result{Allowed: true}, nil
}

// BatchCheckBlocked reports, for ownerId, which of targetIds it has blocked.
func (f *Filter) BatchCheckBlocked(ctx context.Context, ownerID string, targetIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(targetIDs))
	for _, target := range targetIDs {
		blocked, err := f.isBlocked(ctx, ownerID, target)
		if err != nil {
			return nil, err
		}
		out[target] = blocked
	}
	return out, nil
}
