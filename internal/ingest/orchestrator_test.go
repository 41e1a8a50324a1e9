package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coreim/messaging-core/internal/broker"
	"github.com/coreim/messaging-core/internal/dedupe"
	"github.com/coreim/messaging-core/internal/fanout"
	"github.com/coreim/messaging-core/internal/membership"
	"github.com/coreim/messaging-core/internal/model"
	"github.com/coreim/messaging-core/internal/permission"
	"github.com/coreim/messaging-core/internal/sequence"
	"github.com/coreim/messaging-core/internal/store"
	"github.com/coreim/messaging-core/internal/webhook"
	"github.com/coreim/messaging-core/pkg/cache/adapters/memory"
	"github.com/coreim/messaging-core/pkg/client/rest"
	"github.com/coreim/messaging-core/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// syncBus is a synchronous events.Bus stub so tests can assert on a
// fan-out's effects without racing the orchestrator's async Publish.
type syncBus struct {
	handlers map[string][]events.Handler
}

func newSyncBus() *syncBus { return &syncBus{handlers: make(map[string][]events.Handler)} }

func (b *syncBus) Subscribe(ctx context.Context, topic string, h events.Handler) error {
	b.handlers[topic] = append(b.handlers[topic], h)
	return nil
}

func (b *syncBus) Publish(ctx context.Context, topic string, evt events.Event) error {
	for _, h := range b.handlers[topic] {
		if err := h(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (b *syncBus) Close() error { return nil }

type testHarness struct {
	orch     *Orchestrator
	messages *store.MessageStore
	convs    *store.ConversationStore
	members  *membership.MemoryStore
	friends  *membership.MemoryFriendshipStore
	closeSrv func()
}

func newHarness(t *testing.T, handler http.HandlerFunc) *testHarness {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(context.Background(), db))

	messages := store.NewMessageStore(db)
	convs := store.NewConversationStore(db)
	members := membership.NewMemoryStore()
	friends := membership.NewMemoryFriendshipStore()

	seqSvc := sequence.New(memory.New())
	dedupeEngine := dedupe.New(memory.New(), memory.New())
	permFilter := permission.New(permission.Config{}, members, friends)
	fanoutSvc := fanout.New(convs, members, "node1")
	reconciler := webhook.New(webhook.Config{}, messages, convs)
	bus := newSyncBus()

	srv := httptest.NewServer(handler)
	brokerAdapter := broker.New(broker.Config{BaseURL: srv.URL, Config: rest.Config{CircuitBreakerEnabled: false, Retries: 0}})

	cfg := DefaultConfig()
	cfg.RetryInitialBackoff = time.Millisecond
	orch := New(cfg, seqSvc, dedupeEngine, permFilter, messages, fanoutSvc, brokerAdapter, reconciler, bus)

	return &testHarness{
		orch: orch, messages: messages, convs: convs, members: members, friends: friends,
		closeSrv: srv.Close,
	}
}

func okBrokerHandler(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(broker.SendResult{BrokerMessageID: "bm1", BrokerSeq: 1})
}

func TestSendMessage_HappyPath(t *testing.T) {
	h := newHarness(t, okBrokerHandler)
	defer h.closeSrv()

	cs := int64(1)
	result := h.orch.SendMessage(context.Background(), SendRequest{
		Type: model.MessageTypeText, Content: model.Content{Type: model.MessageTypeText, Text: "hello"},
		FromUserID: "u1", ToUserID: "u2", ClientSeq: &cs,
	})

	require.True(t, result.Success)
	require.NotNil(t, result.Message)
	assert.Equal(t, model.StatusSent, result.Message.Status)
	assert.False(t, result.IsDuplicate)

	conv, err := h.convs.Get("u2", "u1", model.KindSingle)
	require.NoError(t, err)
	require.NotNil(t, conv, "fan-out must have created the recipient's conversation row")
	assert.Equal(t, int64(1), conv.UnreadCount)
}

func TestSendMessage_DuplicateClientSeqReturnsExistingMessage(t *testing.T) {
	h := newHarness(t, okBrokerHandler)
	defer h.closeSrv()

	cs := int64(7)
	req := SendRequest{
		Type: model.MessageTypeText, Content: model.Content{Type: model.MessageTypeText, Text: "hi"},
		FromUserID: "u1", ToUserID: "u2", ClientSeq: &cs,
	}
	first := h.orch.SendMessage(context.Background(), req)
	require.True(t, first.Success)

	second := h.orch.SendMessage(context.Background(), req)
	require.True(t, second.Success)
	assert.True(t, second.IsDuplicate)
	assert.Equal(t, first.Message.ID, second.Message.ID)
}

func TestSendMessage_BlockedSenderIsDenied(t *testing.T) {
	h := newHarness(t, okBrokerHandler)
	defer h.closeSrv()

	h.friends.Put("u2", "u1", model.FriendshipBlocked)

	result := h.orch.SendMessage(context.Background(), SendRequest{
		Type: model.MessageTypeText, Content: model.Content{Type: model.MessageTypeText, Text: "hi"},
		FromUserID: "u1", ToUserID: "u2",
	})

	require.False(t, result.Success)
	assert.Contains(t, result.Error, "blocked")
}

func TestSendMessage_GroupFanOutReachesAllMembers(t *testing.T) {
	h := newHarness(t, okBrokerHandler)
	defer h.closeSrv()

	for _, uid := range []string{"u1", "u2", "u3"} {
		h.members.Put(model.GroupMember{GroupID: "g1", UserID: uid, Status: model.MemberStatusJoined})
	}

	result := h.orch.SendMessage(context.Background(), SendRequest{
		Type: model.MessageTypeText, Content: model.Content{Type: model.MessageTypeText, Text: "hi all"},
		FromUserID: "u1", GroupID: "g1",
	})
	require.True(t, result.Success)

	for _, uid := range []string{"u2", "u3"} {
		conv, err := h.convs.Get(uid, "g1", model.KindGroup)
		require.NoError(t, err)
		require.NotNil(t, conv)
		assert.Equal(t, int64(1), conv.UnreadCount)
	}
}

func TestSendMessage_GroupNonMemberDenied(t *testing.T) {
	h := newHarness(t, okBrokerHandler)
	defer h.closeSrv()

	result := h.orch.SendMessage(context.Background(), SendRequest{
		Type: model.MessageTypeText, Content: model.Content{Type: model.MessageTypeText, Text: "hi"},
		FromUserID: "u1", GroupID: "g1",
	})
	require.False(t, result.Success)
	assert.Contains(t, result.Error, "not a joined member")
}

func TestSendMessage_InvalidRequestRejected(t *testing.T) {
	h := newHarness(t, okBrokerHandler)
	defer h.closeSrv()

	result := h.orch.SendMessage(context.Background(), SendRequest{Type: model.MessageTypeText, FromUserID: "u1"})
	require.False(t, result.Success)
	assert.Contains(t, result.Error, "exactly one of")
}

func TestSendMessage_BrokerPermanentFailureMarksFailedWithoutRetry(t *testing.T) {
	attempts := 0
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	})
	defer h.closeSrv()

	result := h.orch.SendMessage(context.Background(), SendRequest{
		Type: model.MessageTypeText, Content: model.Content{Type: model.MessageTypeText, Text: "hi"},
		FromUserID: "u1", ToUserID: "u2",
	})
	require.False(t, result.Success)
	require.NotNil(t, result.Message)
	assert.Equal(t, model.StatusFailed, result.Message.Status)
	assert.Equal(t, 1, attempts, "a 4xx broker response must not be retried")
}

func TestRecall_WithinWindowBySenderSucceeds(t *testing.T) {
	h := newHarness(t, okBrokerHandler)
	defer h.closeSrv()

	sent := h.orch.SendMessage(context.Background(), SendRequest{
		Type: model.MessageTypeText, Content: model.Content{Type: model.MessageTypeText, Text: "oops"},
		FromUserID: "u1", ToUserID: "u2",
	})
	require.True(t, sent.Success)

	result := h.orch.Recall(context.Background(), sent.Message.ID, "u1")
	require.True(t, result.Success)
	assert.Equal(t, model.StatusRecalled, result.Message.Status)

	conv, err := h.convs.Get("u2", "u1", model.KindSingle)
	require.NoError(t, err)
	assert.Equal(t, "[This message has been recalled]", conv.LastMessageSnippet)
}

func TestRecall_NotifiesChannelWithSystemMessage(t *testing.T) {
	var sends []broker.SendRequest
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/message/send" {
			var req broker.SendRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			sends = append(sends, req)
		}
		_ = json.NewEncoder(w).Encode(broker.SendResult{BrokerMessageID: "bm1", BrokerSeq: 1})
	})
	defer h.closeSrv()

	sent := h.orch.SendMessage(context.Background(), SendRequest{
		Type: model.MessageTypeText, Content: model.Content{Type: model.MessageTypeText, Text: "oops"},
		FromUserID: "u1", ToUserID: "u2",
	})
	require.True(t, sent.Success)

	result := h.orch.Recall(context.Background(), sent.Message.ID, "u1")
	require.True(t, result.Success)

	require.Len(t, sends, 2, "the recall must push a follow-up system message into the channel")
	var notice model.Content
	require.NoError(t, broker.DecodePayload(sends[1].Payload, &notice))
	assert.Equal(t, model.MessageTypeSystem, notice.Type)
	assert.Equal(t, sent.Message.ID, notice.Payload["message_id"])
}

func TestRecall_ByNonSenderDenied(t *testing.T) {
	h := newHarness(t, okBrokerHandler)
	defer h.closeSrv()

	sent := h.orch.SendMessage(context.Background(), SendRequest{
		Type: model.MessageTypeText, Content: model.Content{Type: model.MessageTypeText, Text: "oops"},
		FromUserID: "u1", ToUserID: "u2",
	})
	require.True(t, sent.Success)

	result := h.orch.Recall(context.Background(), sent.Message.ID, "u2")
	require.False(t, result.Success)
	assert.Contains(t, result.Error, "only the sender")
}

func TestRecall_OutsideWindowRejected(t *testing.T) {
	h := newHarness(t, okBrokerHandler)
	defer h.closeSrv()

	msg := &model.Message{
		ID: "old-msg", SenderID: "u1", RecipientID: "u2", Seq: 1, Type: model.MessageTypeText,
		Content: model.Content{Type: model.MessageTypeText, Text: "ancient"},
		Status:  model.StatusSent, CreatedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, h.messages.Insert(msg))

	result := h.orch.Recall(context.Background(), msg.ID, "u1")
	require.False(t, result.Success)
	assert.Contains(t, result.Error, "recall")
}

func TestBatchSend_MixedAdmissionAndDuplicates(t *testing.T) {
	h := newHarness(t, okBrokerHandler)
	defer h.closeSrv()

	h.friends.Put("u2", "u1", model.FriendshipBlocked)
	cs := int64(1)

	reqs := []SendRequest{
		{Type: model.MessageTypeText, Content: model.Content{Type: model.MessageTypeText, Text: "a"}, FromUserID: "u1", ToUserID: "u3"},
		{Type: model.MessageTypeText, Content: model.Content{Type: model.MessageTypeText, Text: "b"}, FromUserID: "u1", ToUserID: "u2"},
		{Type: model.MessageTypeText, Content: model.Content{Type: model.MessageTypeText, Text: "c"}, FromUserID: "u4", ToUserID: "u5", ClientSeq: &cs},
	}
	results := h.orch.BatchSend(context.Background(), reqs)
	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success, "recipient has blocked sender")
	assert.True(t, results[2].Success)

	dupe := h.orch.BatchSend(context.Background(), []SendRequest{reqs[2]})
	require.Len(t, dupe, 1)
	assert.True(t, dupe[0].IsDuplicate)
}

func TestRetryFailed_RejectsMessageNotInFailedState(t *testing.T) {
	h := newHarness(t, okBrokerHandler)
	defer h.closeSrv()

	sent := h.orch.SendMessage(context.Background(), SendRequest{
		Type: model.MessageTypeText, Content: model.Content{Type: model.MessageTypeText, Text: "x"},
		FromUserID: "u1", ToUserID: "u2",
	})
	require.True(t, sent.Success)

	retried := h.orch.RetryFailed(context.Background(), sent.Message.ID)
	assert.False(t, retried.Success)
	assert.Contains(t, retried.Error, "not in failed state")
}

func TestRetryFailed_StaysFailedWhileBrokerKeepsFailing(t *testing.T) {
	calls := 0
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	defer h.closeSrv()
	h.orch.cfg.RetryMaxAttempts = 1

	sent := h.orch.SendMessage(context.Background(), SendRequest{
		Type: model.MessageTypeText, Content: model.Content{Type: model.MessageTypeText, Text: "x"},
		FromUserID: "u1", ToUserID: "u2",
	})
	require.False(t, sent.Success)
	require.Equal(t, model.StatusFailed, sent.Message.Status)

	retried := h.orch.RetryFailed(context.Background(), sent.Message.ID)
	assert.False(t, retried.Success, "broker is still failing in this harness")
	assert.Equal(t, model.StatusFailed, retried.Message.Status)
}

func TestForward_CreatesNewMessagesPerTarget(t *testing.T) {
	h := newHarness(t, okBrokerHandler)
	defer h.closeSrv()

	sent := h.orch.SendMessage(context.Background(), SendRequest{
		Type: model.MessageTypeText, Content: model.Content{Type: model.MessageTypeText, Text: "original"},
		FromUserID: "u1", ToUserID: "u2",
	})
	require.True(t, sent.Success)

	results := h.orch.Forward(context.Background(), sent.Message.ID, "u3", []string{"u4"}, nil)
	require.Len(t, results, 1)
	require.True(t, results[0].Success)
	assert.Equal(t, sent.Message.ID, results[0].Message.ForwardFromID)
	assert.NotEqual(t, sent.Message.ID, results[0].Message.ID)
}
