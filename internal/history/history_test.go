package history

import (
	"context"
	"testing"
	"time"

	"github.com/coreim/messaging-core/internal/membership"
	"github.com/coreim/messaging-core/internal/model"
	"github.com/coreim/messaging-core/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *store.MessageStore, *membership.MemoryStore) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(context.Background(), db))

	messages := store.NewMessageStore(db)
	members := membership.NewMemoryStore()
	return New(messages, members), messages, members
}

func seedMessage(t *testing.T, messages *store.MessageStore, id, sender, recipient, group string, seq int64, at time.Time, text string) {
	t.Helper()
	require.NoError(t, messages.Insert(&model.Message{
		ID: id, SenderID: sender, RecipientID: recipient, GroupID: group, Seq: seq,
		Type: model.MessageTypeText, Content: model.Content{Type: model.MessageTypeText, Text: text},
		Status: model.StatusSent, CreatedAt: at,
	}))
}

func TestHistory_PaginatesBeforeCursor(t *testing.T) {
	svc, messages, _ := newTestService(t)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		seedMessage(t, messages, idFor(i), "u1", "u2", "", int64(i+1), base.Add(time.Duration(i)*time.Minute), "msg")
	}

	page, err := svc.History(context.Background(), "u1", "u2", model.KindSingle, "", store.DirectionBefore, 2)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.NotEmpty(t, page.NextCursor, "more rows remain, cursor must be set")

	next, err := svc.History(context.Background(), "u1", "u2", model.KindSingle, page.NextCursor, store.DirectionBefore, 2)
	require.NoError(t, err)
	require.Len(t, next.Messages, 2)
	assert.NotEqual(t, page.Messages[0].ID, next.Messages[0].ID)
}

func TestHistory_LastPageHasNoCursor(t *testing.T) {
	svc, messages, _ := newTestService(t)
	seedMessage(t, messages, "m1", "u1", "u2", "", 1, time.Now(), "hi")

	page, err := svc.History(context.Background(), "u1", "u2", model.KindSingle, "", store.DirectionBefore, 50)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Empty(t, page.NextCursor)
}

func TestHistory_GroupRequiresJoinedMembership(t *testing.T) {
	svc, messages, members := newTestService(t)
	seedMessage(t, messages, "m1", "u1", "", "g1", 1, time.Now(), "hi group")

	_, err := svc.History(context.Background(), "u2", "g1", model.KindGroup, "", store.DirectionBefore, 10)
	require.Error(t, err)

	members.Put(model.GroupMember{GroupID: "g1", UserID: "u2", Status: model.MemberStatusJoined})
	page, err := svc.History(context.Background(), "u2", "g1", model.KindGroup, "", store.DirectionBefore, 10)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 1)
}

func TestHistory_LimitIsCappedAndDefaulted(t *testing.T) {
	svc, messages, _ := newTestService(t)
	for i := 0; i < 3; i++ {
		seedMessage(t, messages, idFor(i), "u1", "u2", "", int64(i+1), time.Now().Add(time.Duration(i)*time.Second), "hi")
	}

	page, err := svc.History(context.Background(), "u1", "u2", model.KindSingle, "", store.DirectionBefore, 0)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 3, "a non-positive limit falls back to the default, which still covers 3 rows")
}

func TestSearch_ScopesToOwnChatsAndJoinedGroups(t *testing.T) {
	svc, messages, members := newTestService(t)
	members.Put(model.GroupMember{GroupID: "g1", UserID: "u1", Status: model.MemberStatusJoined})

	seedMessage(t, messages, "m1", "u1", "u2", "", 1, time.Now(), "find the needle here")
	seedMessage(t, messages, "m2", "u1", "", "g1", 1, time.Now(), "another needle in group")
	seedMessage(t, messages, "m3", "u3", "u4", "", 1, time.Now(), "needle in someone else's chat")

	result, err := svc.Search(context.Background(), "u1", []string{"g1"}, "needle", 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(result.Messages))
	for _, m := range result.Messages {
		ids = append(ids, m.ID)
	}
	assert.Contains(t, ids, "m1")
	assert.Contains(t, ids, "m2")
	assert.NotContains(t, ids, "m3")
}

func TestSearch_DropsGroupsCallerHasNotJoined(t *testing.T) {
	svc, messages, _ := newTestService(t)
	seedMessage(t, messages, "m1", "other", "", "g-not-mine", 1, time.Now(), "needle")

	result, err := svc.Search(context.Background(), "u1", []string{"g-not-mine"}, "needle", 10)
	require.NoError(t, err)
	assert.Empty(t, result.Messages)
}

func TestStats_AggregatesSentAndReceivedByType(t *testing.T) {
	svc, messages, _ := newTestService(t)
	now := time.Now()
	seedMessage(t, messages, "m1", "u1", "u2", "", 1, now, "hi")
	seedMessage(t, messages, "m2", "u2", "u1", "", 1, now, "hey")

	buckets, err := svc.Stats(context.Background(), "u1", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)

	var sent, received int64
	for _, b := range buckets {
		if b.Direction == "sent" {
			sent += b.Count
		} else {
			received += b.Count
		}
	}
	assert.Equal(t, int64(1), sent)
	assert.Equal(t, int64(1), received)
}

func TestEncodeDecodeCursor_RoundTrip(t *testing.T) {
	now := time.Now()
	encoded := EncodeCursor(now)
	require.NotEmpty(t, encoded)

	decoded, err := DecodeCursor(encoded)
	require.NoError(t, err)
	assert.Equal(t, now.UnixNano(), decoded.UnixNano())
}

func TestDecodeCursor_MalformedRejected(t *testing.T) {
	_, err := DecodeCursor("not-valid-base64!!")
	assert.Error(t, err)
}

func idFor(i int) string {
	return "m" + string(rune('a'+i))
}
