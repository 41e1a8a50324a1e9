package store

import (
	"time"

	"github.com/coreim/messaging-core/internal/model"
	"github.com/coreim/messaging-core/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConversationStore persists the per-owner projection the fan-out maintains.
type ConversationStore struct {
	db *gorm.DB
}

func NewConversationStore(db *gorm.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

func (s *ConversationStore) Transaction(fn func(tx *ConversationStore) error) error {
	return s.db.Transaction(func(gtx *gorm.DB) error {
		return fn(&ConversationStore{db: gtx})
	})
}

// Get returns the conversation for (ownerUserId, peerId, kind), or nil.
func (s *ConversationStore) Get(ownerUserID, peerID string, kind model.ConversationKind) (*model.Conversation, error) {
	var c model.Conversation
	err := s.db.Where("owner_user_id = ? AND peer_id = ? AND kind = ?", ownerUserID, peerID, kind).First(&c).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get conversation")
	}
	return &c, nil
}

// Upsert inserts the conversation if it doesn't exist, otherwise updates the
// derived fields. The caller is responsible for the staleness guard
// (model.Conversation.ApplyIncomingMessage) before calling this.
func (s *ConversationStore) Upsert(c *model.Conversation) error {
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "owner_user_id"}, {Name: "peer_id"}, {Name: "kind"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"last_message_id", "last_message_snippet", "last_message_seq",
			"last_message_at", "unread_count",
		}),
	}).Create(c).Error
	if err != nil {
		return errors.Wrap(err, "failed to upsert conversation")
	}
	return nil
}

// IncrementUnread adds delta (possibly negative, clamped at 0) to a
// conversation's unreadCount without a full row read, for the markRead path.
func (s *ConversationStore) IncrementUnread(ownerUserID, peerID string, kind model.ConversationKind, delta int64) error {
	res := s.db.Model(&model.Conversation{}).
		Where("owner_user_id = ? AND peer_id = ? AND kind = ?", ownerUserID, peerID, kind).
		Update("unread_count", gorm.Expr("CASE WHEN unread_count + ? < 0 THEN 0 ELSE unread_count + ? END", delta, delta))
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to adjust unread count")
	}
	return nil
}

// ListByOwner returns every conversation owned by userID.
func (s *ConversationStore) ListByOwner(ownerUserID string) ([]model.Conversation, error) {
	var out []model.Conversation
	if err := s.db.Where("owner_user_id = ?", ownerUserID).Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list conversations")
	}
	return out, nil
}

// ListStale returns conversations whose lastMessageAt is older than before,
// candidates for the periodic repair scan.
func (s *ConversationStore) ListStale(before time.Time, limit int) ([]model.Conversation, error) {
	var out []model.Conversation
	err := s.db.Where("last_message_at < ?", before).Limit(limit).Find(&out).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stale conversations")
	}
	return out, nil
}

// UpdateSnippet is used to rewrite the snippet to a recalled placeholder
// when the recalled message was the conversation's last one.
func (s *ConversationStore) UpdateSnippet(id, snippet string) error {
	if err := s.db.Model(&model.Conversation{}).Where("id = ?", id).Update("last_message_snippet", snippet).Error; err != nil {
		return errors.Wrap(err, "failed to update conversation snippet")
	}
	return nil
}

// FindByLastMessage returns every conversation row currently pointing at
// messageID as its last message, used to propagate a recall's snippet
// placeholder to every participant's view.
func (s *ConversationStore) FindByLastMessage(messageID string) ([]model.Conversation, error) {
	var out []model.Conversation
	if err := s.db.Where("last_message_id = ?", messageID).Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "failed to find conversations by last message")
	}
	return out, nil
}
