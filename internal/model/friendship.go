package model

// FriendshipStatus is the state of a directed (userId -> targetId) edge.
type FriendshipStatus string

const (
	FriendshipRequested FriendshipStatus = "requested"
	FriendshipAccepted  FriendshipStatus = "accepted"
	FriendshipBlocked   FriendshipStatus = "blocked"
	FriendshipRemoved   FriendshipStatus = "removed"
)

// Friendship is a directed edge; blocking is asymmetric, so A blocking B
// does not imply a row exists for B -> A.
type Friendship struct {
	ID       string           `gorm:"primaryKey;size:36" json:"id"`
	UserID   string           `gorm:"size:64;uniqueIndex:idx_user_target" json:"userId"`
	TargetID string           `gorm:"size:64;uniqueIndex:idx_user_target" json:"targetId"`
	Status   FriendshipStatus `gorm:"size:16;index" json:"status"`
}
