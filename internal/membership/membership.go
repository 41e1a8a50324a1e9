// Package membership defines the read-only collaborators the send-permission
// filter and history/search services depend on: group membership and friendship
// state. These rows are owned and mutated by their respective services;
// this package only reads them.
package membership

import (
	"context"

	"github.com/coreim/messaging-core/internal/model"
)

// Store answers group-membership questions.
type Store interface {
	// Member returns the membership row for (groupId, userId), or nil if none exists.
	Member(ctx context.Context, groupID, userID string) (*model.GroupMember, error)
	// JoinedMembers returns every member currently joined to groupId.
	JoinedMembers(ctx context.Context, groupID string) ([]model.GroupMember, error)
}

// FriendshipStore answers blocking/friendship questions.
type FriendshipStore interface {
	// IsBlocked reports whether userID has blocked targetID.
	IsBlocked(ctx context.Context, userID, targetID string) (bool, error)
	// Status returns the edge status for (userID, targetID), or "" if no row exists.
	Status(ctx context.Context, userID, targetID string) (model.FriendshipStatus, error)
}
