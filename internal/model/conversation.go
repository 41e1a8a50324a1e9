package model

import "time"

// ConversationKind distinguishes a single-peer chat from a group chat or an
// agent/customer-service channel.
type ConversationKind string

const (
	KindSingle         ConversationKind = "single"
	KindGroup          ConversationKind = "group"
	KindAgentCustomer  ConversationKind = "agent_customer"
)

// Conversation is a per-owner projection of the message stream with a peer
// (a user id for single/agent chats, a group id for group chats). It carries
// no back-edge to Message beyond lastMessageId, which keeps the
// Message<->Conversation relationship acyclic: the projection points at the
// stream, never the other way around.
type Conversation struct {
	ID                 string           `gorm:"primaryKey;size:36" json:"id"`
	OwnerUserID        string           `gorm:"size:64;uniqueIndex:idx_owner_peer_kind" json:"ownerUserId"`
	PeerID             string           `gorm:"size:64;uniqueIndex:idx_owner_peer_kind" json:"peerId"`
	Kind               ConversationKind `gorm:"size:16;uniqueIndex:idx_owner_peer_kind" json:"kind"`
	LastMessageID      string           `gorm:"size:36" json:"lastMessageId,omitempty"`
	LastMessageSnippet string           `gorm:"size:256" json:"lastMessageSnippet,omitempty"`
	LastMessageSeq     int64            `json:"lastMessageSeq"`
	LastMessageAt      time.Time        `json:"lastMessageAt"`
	UnreadCount        int64            `json:"unreadCount"`
	IsPinned           bool             `json:"isPinned"`
	IsMuted            bool             `json:"isMuted"`
	Draft              string           `json:"draft,omitempty"`
}

// ApplyIncomingMessage updates the derived fields for a newly-sent message,
// but only if the message is newer than what this row already reflects,
// the staleness guard that keeps concurrent fan-outs ordered.
func (c *Conversation) ApplyIncomingMessage(messageID string, seq int64, at time.Time, snippet string, incrementUnread bool) bool {
	if seq <= c.LastMessageSeq && !c.LastMessageAt.IsZero() {
		return false
	}
	c.LastMessageID = messageID
	c.LastMessageSeq = seq
	c.LastMessageSnippet = snippet
	c.LastMessageAt = at
	if incrementUnread {
		c.UnreadCount++
	}
	return true
}

// DecrementUnread clamps at zero; a negative unread count is never valid.
func (c *Conversation) DecrementUnread(n int64) {
	c.UnreadCount -= n
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
}
