// Package model defines the persistent entities and value types shared
// across the ingest pipeline: Message, Conversation, Group/GroupMember,
// Friendship, and the polymorphic message content union.
package model

import (
	"time"

	"github.com/coreim/messaging-core/pkg/errors"
)

// MessageType is the discriminant of the Content union.
type MessageType string

const (
	MessageTypeText      MessageType = "text"
	MessageTypeImage     MessageType = "image"
	MessageTypeAudio     MessageType = "audio"
	MessageTypeVideo     MessageType = "video"
	MessageTypeFile      MessageType = "file"
	MessageTypeLocation  MessageType = "location"
	MessageTypeCard      MessageType = "card"
	MessageTypeMusic     MessageType = "music"
	MessageTypeDocument  MessageType = "document"
	MessageTypeCode      MessageType = "code"
	MessageTypePPT       MessageType = "ppt"
	MessageTypeCharacter MessageType = "character"
	MessageTypeModel3D   MessageType = "model3d"
	MessageTypeSystem    MessageType = "system"
	MessageTypeCustom    MessageType = "custom"
)

var validMessageTypes = map[MessageType]bool{
	MessageTypeText: true, MessageTypeImage: true, MessageTypeAudio: true,
	MessageTypeVideo: true, MessageTypeFile: true, MessageTypeLocation: true,
	MessageTypeCard: true, MessageTypeMusic: true, MessageTypeDocument: true,
	MessageTypeCode: true, MessageTypePPT: true, MessageTypeCharacter: true,
	MessageTypeModel3D: true, MessageTypeSystem: true, MessageTypeCustom: true,
}

func (t MessageType) Valid() bool { return validMessageTypes[t] }

// MessageStatus is the lattice position of a Message; see StatusTransitionAllowed
// for the monotonicity rule enforced around every status write.
type MessageStatus string

const (
	StatusSending  MessageStatus = "sending"
	StatusSent     MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead     MessageStatus = "read"
	StatusFailed   MessageStatus = "failed"
	StatusRecalled MessageStatus = "recalled"
)

// statusRank gives the lattice position of sending < sent < delivered < read,
// with failed/recalled treated as terminal branches rather than ranked steps.
var statusRank = map[MessageStatus]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// StatusTransitionAllowed reports whether from -> to respects the status
// lattice: sending -> sent -> delivered -> read, monotone; failed only from
// sending; recalled from any of {sent, delivered, read}.
func StatusTransitionAllowed(from, to MessageStatus) bool {
	if from == to {
		return true
	}
	switch to {
	case StatusFailed:
		return from == StatusSending
	case StatusRecalled:
		return from == StatusSent || from == StatusDelivered || from == StatusRead
	default:
		fromRank, fromOK := statusRank[from]
		toRank, toOK := statusRank[to]
		return fromOK && toOK && toRank > fromRank
	}
}

// Content is the polymorphic, tagged-union message payload. Every field set
// is fully determined by Type; callers should exhaustively switch on Type
// rather than treat this as an untyped bag.
type Content struct {
	Type MessageType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image/audio/video/file/document/ppt/model3d/music
	URL      string `json:"url,omitempty"`
	Name     string `json:"name,omitempty"`
	SizeByte int64  `json:"size_byte,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Duration int    `json:"duration,omitempty"` // seconds, for audio/video/music

	// location
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	Address   string  `json:"address,omitempty"`

	// card / custom / character / system
	Title   string         `json:"title,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
	Code    string         `json:"code,omitempty"`    // code
	Lang    string         `json:"lang,omitempty"`    // code
	Payload map[string]any `json:"payload,omitempty"` // custom/system/character
}

// Snippet renders the short preview used by Conversation.lastMessageSnippet.
func (c Content) Snippet(maxRunes int) string {
	switch c.Type {
	case MessageTypeText:
		r := []rune(c.Text)
		if len(r) > maxRunes {
			return string(r[:maxRunes])
		}
		return string(r)
	case MessageTypeImage:
		return "[Image]"
	case MessageTypeAudio:
		return "[Audio]"
	case MessageTypeVideo:
		return "[Video]"
	case MessageTypeFile:
		return "[File]"
	case MessageTypeLocation:
		return "[Location]"
	case MessageTypeCard:
		return "[Card]"
	case MessageTypeMusic:
		return "[Music]"
	case MessageTypeDocument:
		return "[Document]"
	case MessageTypeCode:
		return "[Code]"
	case MessageTypePPT:
		return "[Slides]"
	case MessageTypeCharacter:
		return "[Character]"
	case MessageTypeModel3D:
		return "[3D Model]"
	case MessageTypeSystem:
		return "[System]"
	default:
		return "[Custom]"
	}
}

// Message is the atomic durable unit of the message stream.
type Message struct {
	ID            string        `gorm:"primaryKey;size:36" json:"id"`
	ClientSeq     *int64        `gorm:"index:idx_sender_clientseq" json:"clientSeq,omitempty"`
	Seq           int64         `gorm:"index" json:"seq"`
	Type          MessageType   `gorm:"size:32;index" json:"type"`
	Content       Content       `gorm:"type:jsonb;serializer:json" json:"content"`
	SenderID      string        `gorm:"size:64;index:idx_sender_clientseq;index:idx_sender_recipient" json:"senderId"`
	RecipientID   string        `gorm:"size:64;index:idx_sender_recipient;index:idx_recipient_sender" json:"recipientId,omitempty"`
	GroupID       string        `gorm:"size:64;index:idx_group_created" json:"groupId,omitempty"`
	ReplyToID     string        `gorm:"size:36" json:"replyToId,omitempty"`
	ForwardFromID string        `gorm:"size:36" json:"forwardFromId,omitempty"`
	Status        MessageStatus `gorm:"size:16;index" json:"status"`
	RetryCount    int           `json:"retryCount"`
	NeedReadReceipt bool        `json:"needReadReceipt"`
	RecalledAt    *time.Time    `json:"recalledAt,omitempty"`
	EditedAt      *time.Time    `json:"editedAt,omitempty"`
	CreatedAt     time.Time     `gorm:"index:idx_sender_recipient;index:idx_recipient_sender;index:idx_group_created" json:"createdAt"`
	Extra         map[string]any `gorm:"type:jsonb;serializer:json" json:"extra,omitempty"`
}

// TargetKind reports whether this message addresses a single recipient or a group.
func (m *Message) TargetKind() ConversationKind {
	if m.GroupID != "" {
		return KindGroup
	}
	return KindSingle
}

// ApplyStatus advances the status, refusing any transition that violates
// the lattice.
func (m *Message) ApplyStatus(to MessageStatus) error {
	if !StatusTransitionAllowed(m.Status, to) {
		return errors.New(errors.CodeConflict, "illegal message status transition: "+string(m.Status)+" -> "+string(to), nil)
	}
	m.Status = to
	if to == StatusRecalled {
		now := time.Now()
		m.RecalledAt = &now
	}
	return nil
}
