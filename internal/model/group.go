package model

import "time"

// GroupMemberRole is a member's privilege level within a Group.
type GroupMemberRole string

const (
	RoleOwner  GroupMemberRole = "owner"
	RoleAdmin  GroupMemberRole = "admin"
	RoleMember GroupMemberRole = "member"
)

// GroupMemberStatus tracks whether a membership row is currently active.
type GroupMemberStatus string

const (
	MemberStatusJoined  GroupMemberStatus = "joined"
	MemberStatusLeft    GroupMemberStatus = "left"
	MemberStatusKicked  GroupMemberStatus = "kicked"
	MemberStatusPending GroupMemberStatus = "pending"
)

// Group is a chat room with a membership cap.
type Group struct {
	ID          string `gorm:"primaryKey;size:64" json:"id"`
	OwnerUID    string `gorm:"size:64" json:"ownerUid"`
	MemberCount int    `json:"memberCount"`
	MaxMembers  int    `json:"maxMembers"`
	Notice      string `json:"notice,omitempty"`
}

// GroupMember is one user's membership row in a Group.
type GroupMember struct {
	ID        string            `gorm:"primaryKey;size:36" json:"id"`
	GroupID   string            `gorm:"size:64;uniqueIndex:idx_group_user" json:"groupId"`
	UserID    string            `gorm:"size:64;uniqueIndex:idx_group_user" json:"userId"`
	Role      GroupMemberRole   `gorm:"size:16" json:"role"`
	Status    GroupMemberStatus `gorm:"size:16;index" json:"status"`
	JoinedAt  time.Time         `json:"joinedAt"`
	MuteUntil *time.Time        `json:"muteUntil,omitempty"`
}

// Muted reports whether the member is currently muted.
func (m *GroupMember) Muted(now time.Time) bool {
	return m.MuteUntil != nil && m.MuteUntil.After(now)
}
