package store

import (
	"time"

	"github.com/coreim/messaging-core/internal/model"
	"github.com/coreim/messaging-core/pkg/errors"
	"gorm.io/gorm"
)

// MessageStore is the durable persistence layer for messages.
type MessageStore struct {
	db *gorm.DB
}

func NewMessageStore(db *gorm.DB) *MessageStore {
	return &MessageStore{db: db}
}

// Transaction runs fn against a Store bound to a single database
// transaction, so the orchestrator can couple the insert with its dedupe
// mark and commit or roll back both together.
func (s *MessageStore) Transaction(fn func(tx *MessageStore) error) error {
	return s.db.Transaction(func(gtx *gorm.DB) error {
		return fn(&MessageStore{db: gtx})
	})
}

func (s *MessageStore) Insert(m *model.Message) error {
	if err := s.db.Create(m).Error; err != nil {
		return errors.Wrap(err, "failed to insert message")
	}
	return nil
}

func (s *MessageStore) Get(id string) (*model.Message, error) {
	var m model.Message
	err := s.db.Where("id = ?", id).First(&m).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.New(errors.CodeNotFound, "message not found", nil)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get message")
	}
	return &m, nil
}

func (s *MessageStore) Delete(id string) error {
	if err := s.db.Where("id = ?", id).Delete(&model.Message{}).Error; err != nil {
		return errors.Wrap(err, "failed to delete message")
	}
	return nil
}

// UpdateStatus performs a compare-and-set: the write only applies if the
// row's current status matches expectedFrom, enforcing lattice monotonicity
// at the storage layer in addition to the in-memory check.
func (s *MessageStore) UpdateStatus(id string, expectedFrom, to model.MessageStatus, recalledAt *time.Time) error {
	updates := map[string]interface{}{"status": to}
	if recalledAt != nil {
		updates["recalled_at"] = *recalledAt
	}
	res := s.db.Model(&model.Message{}).
		Where("id = ? AND status = ?", id, expectedFrom).
		Updates(updates)
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to update message status")
	}
	if res.RowsAffected == 0 {
		return errors.New(errors.CodeConflict, "message status changed concurrently", nil)
	}
	return nil
}

func (s *MessageStore) FindBySenderClientSeq(senderID string, clientSeq int64) (*model.Message, error) {
	var m model.Message
	err := s.db.Where("sender_id = ? AND client_seq = ?", senderID, clientSeq).First(&m).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to look up message by sender/clientSeq")
	}
	return &m, nil
}

func (s *MessageStore) ListBySender(senderID string, limit, offset int) ([]model.Message, error) {
	var out []model.Message
	err := s.db.Where("sender_id = ?", senderID).
		Order("created_at desc").Limit(limit).Offset(offset).Find(&out).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list messages by sender")
	}
	return out, nil
}

func (s *MessageStore) ListByRecipient(recipientID string, limit, offset int) ([]model.Message, error) {
	var out []model.Message
	err := s.db.Where("recipient_id = ?", recipientID).
		Order("created_at desc").Limit(limit).Offset(offset).Find(&out).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list messages by recipient")
	}
	return out, nil
}

func (s *MessageStore) ListByGroup(groupID string, limit, offset int) ([]model.Message, error) {
	var out []model.Message
	err := s.db.Where("group_id = ?", groupID).
		Order("created_at desc").Limit(limit).Offset(offset).Find(&out).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list messages by group")
	}
	return out, nil
}

// HistoryDirection selects which side of the cursor boundary to return.
type HistoryDirection string

const (
	DirectionBefore HistoryDirection = "before"
	DirectionAfter  HistoryDirection = "after"
)

// History implements the cursor-paginated conversation query. cursor is
// the boundary row's createdAt, encoded by the caller; a zero cursor means
// "from the most recent" for Before, or "from the oldest" for After.
func (s *MessageStore) History(userID, peerID string, kind model.ConversationKind, cursor time.Time, direction HistoryDirection, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	q := s.db.Model(&model.Message{})
	switch kind {
	case model.KindGroup:
		q = q.Where("group_id = ?", peerID)
	default:
		q = q.Where(
			"(sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)",
			userID, peerID, peerID, userID,
		)
	}

	if direction == DirectionAfter {
		if !cursor.IsZero() {
			q = q.Where("created_at > ?", cursor)
		}
		q = q.Order("created_at asc")
	} else {
		if !cursor.IsZero() {
			q = q.Where("created_at < ?", cursor)
		}
		q = q.Order("created_at desc")
	}

	var out []model.Message
	if err := q.Limit(limit).Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "failed to load history")
	}
	return out, nil
}

// SearchKeyword scans the serialized content column for a substring, scoped
// to conversations the caller participates in. This matches against the raw
// JSON blob rather than a specific field so it works the same way across
// every relational adapter the content serializer targets; a driver with a
// native FTS/tsvector index can replace this with a ranked equivalent.
func (s *MessageStore) SearchKeyword(userID string, groupIDs []string, keyword string, limit int) ([]model.Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	like := "%" + keyword + "%"

	q := s.db.Model(&model.Message{}).Where("content LIKE ?", like)
	if len(groupIDs) > 0 {
		q = q.Where("(sender_id = ? OR recipient_id = ? OR group_id IN ?)", userID, userID, groupIDs)
	} else {
		q = q.Where("(sender_id = ? OR recipient_id = ?)", userID, userID)
	}

	var out []model.Message
	if err := q.Order("created_at desc").Limit(limit).Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "failed to search messages")
	}
	return out, nil
}

// StatBucket is one row of the per-user/type aggregate.
type StatBucket struct {
	Type      model.MessageType
	Direction string // "sent" or "received"
	Count     int64
}

func (s *MessageStore) Stats(userID string, from, to time.Time) ([]StatBucket, error) {
	var out []StatBucket
	err := s.db.Model(&model.Message{}).
		Select("type, 'sent' as direction, count(*) as count").
		Where("sender_id = ? AND created_at BETWEEN ? AND ?", userID, from, to).
		Group("type").
		Scan(&out).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to aggregate sent stats")
	}

	var received []StatBucket
	err = s.db.Model(&model.Message{}).
		Select("type, 'received' as direction, count(*) as count").
		Where("recipient_id = ? AND created_at BETWEEN ? AND ?", userID, from, to).
		Group("type").
		Scan(&received).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to aggregate received stats")
	}

	return append(out, received...), nil
}

// MaxSeq returns the highest-seq message of a conversation among those that
// reached the broker (sent, delivered, read or recalled), used by the repair
// scan to reconcile Conversation.lastMessageId.
func (s *MessageStore) MaxSeq(ownerID, peerID string, kind model.ConversationKind) (*model.Message, error) {
	q := s.db.Model(&model.Message{})
	if kind == model.KindGroup {
		q = q.Where("group_id = ?", peerID)
	} else {
		q = q.Where("(sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)", ownerID, peerID, peerID, ownerID)
	}

	var m model.Message
	err := q.Where("status IN ?", []model.MessageStatus{model.StatusSent, model.StatusDelivered, model.StatusRead, model.StatusRecalled}).
		Order("seq desc").First(&m).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find max-seq message")
	}
	return &m, nil
}

// IncrementRetryCount bumps the retry counter ahead of a re-entry into the
// broker-send path.
func (s *MessageStore) IncrementRetryCount(id string) error {
	err := s.db.Model(&model.Message{}).
		Where("id = ?", id).
		Update("retry_count", gorm.Expr("retry_count + 1")).Error
	if err != nil {
		return errors.Wrap(err, "failed to increment retry count")
	}
	return nil
}

// ListFailed supports the outbox scan over the status index.
func (s *MessageStore) ListFailed(limit int) ([]model.Message, error) {
	var out []model.Message
	err := s.db.Where("status = ?", model.StatusFailed).Order("created_at asc").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list failed messages")
	}
	return out, nil
}
