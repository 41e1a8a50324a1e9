package store

import (
	"context"
	"testing"
	"time"

	"github.com/coreim/messaging-core/internal/model"
	"github.com/coreim/messaging-core/pkg/database"
	sqlcfg "github.com/coreim/messaging-core/pkg/database/sql"
	"github.com/coreim/messaging-core/pkg/database/sql/adapters/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	adapter, err := sqlite.New(sqlcfg.Config{Driver: database.DriverSQLite, Name: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close() })
	db := adapter.Get(context.Background())
	require.NoError(t, AutoMigrate(context.Background(), db))
	return db
}

func TestMessageStore_InsertAndGet(t *testing.T) {
	db := newTestDB(t)
	ms := NewMessageStore(db)

	msg := &model.Message{
		ID: "m1", Type: model.MessageTypeText,
		Content:  model.Content{Type: model.MessageTypeText, Text: "hello"},
		SenderID: "u1", RecipientID: "u2",
		Status: model.StatusSending, CreatedAt: time.Now(),
	}
	require.NoError(t, ms.Insert(msg))

	got, err := ms.Get("m1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.SenderID)
	assert.Equal(t, "hello", got.Content.Text)
}

func TestMessageStore_UpdateStatus_CompareAndSet(t *testing.T) {
	db := newTestDB(t)
	ms := NewMessageStore(db)

	msg := &model.Message{ID: "m1", SenderID: "u1", Status: model.StatusSending, CreatedAt: time.Now()}
	require.NoError(t, ms.Insert(msg))

	require.NoError(t, ms.UpdateStatus("m1", model.StatusSending, model.StatusSent, nil))

	err := ms.UpdateStatus("m1", model.StatusSending, model.StatusFailed, nil)
	assert.Error(t, err, "stale expectedFrom must be rejected")

	got, err := ms.Get("m1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, got.Status)
}

func TestMessageStore_FindBySenderClientSeq(t *testing.T) {
	db := newTestDB(t)
	ms := NewMessageStore(db)
	cs := int64(10)
	require.NoError(t, ms.Insert(&model.Message{ID: "m1", SenderID: "u1", ClientSeq: &cs, CreatedAt: time.Now()}))

	got, err := ms.FindBySenderClientSeq("u1", 10)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "m1", got.ID)

	missing, err := ms.FindBySenderClientSeq("u1", 999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMessageStore_History_Pagination(t *testing.T) {
	db := newTestDB(t)
	ms := NewMessageStore(db)
	base := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, ms.Insert(&model.Message{
			ID: "m" + string(rune('0'+i)), SenderID: "u1", RecipientID: "u2",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	page, err := ms.History("u1", "u2", model.KindSingle, time.Time{}, DirectionBefore, 3)
	require.NoError(t, err)
	assert.Len(t, page, 3)
	assert.True(t, page[0].CreatedAt.After(page[1].CreatedAt))
}

func TestConversationStore_UpsertAndIncrement(t *testing.T) {
	db := newTestDB(t)
	cs := NewConversationStore(db)

	c := &model.Conversation{
		ID: "c1", OwnerUserID: "u2", PeerID: "u1", Kind: model.KindSingle,
		LastMessageID: "m1", LastMessageAt: time.Now(), UnreadCount: 1,
	}
	require.NoError(t, cs.Upsert(c))

	got, err := cs.Get("u2", "u1", model.KindSingle)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.UnreadCount)

	require.NoError(t, cs.IncrementUnread("u2", "u1", model.KindSingle, -5))
	got, err = cs.Get("u2", "u1", model.KindSingle)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.UnreadCount, "unread count must clamp at zero")
}
