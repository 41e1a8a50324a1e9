package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/coreim/messaging-core/internal/model"
	"github.com/coreim/messaging-core/internal/store"
	jwtadapter "github.com/coreim/messaging-core/pkg/auth/adapters/jwt"
	appErrors "github.com/coreim/messaging-core/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func jwtAdapterFor(cfg Config) *jwtadapter.Adapter {
	return jwtadapter.New(jwtadapter.Config{Secret: cfg.BearerSecret, Issuer: cfg.BearerIssuer})
}

func jwtAdapterWithIssuer(cfg Config, issuer string) *jwtadapter.Adapter {
	return jwtadapter.New(jwtadapter.Config{Secret: cfg.BearerSecret, Issuer: issuer})
}

func newTestReconciler(t *testing.T, cfg Config) (*Reconciler, *store.MessageStore, *store.ConversationStore) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(context.Background(), db))

	messages := store.NewMessageStore(db)
	conversations := store.NewConversationStore(db)
	return New(cfg, messages, conversations), messages, conversations
}

func seedSentMessage(t *testing.T, messages *store.MessageStore, id, sender, recipient string) *model.Message {
	t.Helper()
	msg := &model.Message{
		ID: id, SenderID: sender, RecipientID: recipient, Seq: 1, Type: model.MessageTypeText,
		Content: model.Content{Type: model.MessageTypeText, Text: "hi"},
		Status:  model.StatusSent, CreatedAt: time.Now(),
	}
	require.NoError(t, messages.Insert(msg))
	return msg
}

func TestApply_AckTransitionsSentToDelivered(t *testing.T) {
	r, messages, _ := newTestReconciler(t, Config{})
	msg := seedSentMessage(t, messages, "m1", "u1", "u2")

	require.NoError(t, r.Apply(context.Background(), Event{Type: EventMessageAck, MessageID: msg.ID}))

	got, err := messages.Get(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, got.Status)
}

func TestApply_AckOnUnknownMessageIsNoOp(t *testing.T) {
	r, _, _ := newTestReconciler(t, Config{})
	err := r.Apply(context.Background(), Event{Type: EventMessageAck, MessageID: "does-not-exist"})
	assert.NoError(t, err)
}

func TestApply_AckIsIdempotentOnReplay(t *testing.T) {
	r, messages, _ := newTestReconciler(t, Config{})
	msg := seedSentMessage(t, messages, "m1", "u1", "u2")

	require.NoError(t, r.Apply(context.Background(), Event{Type: EventMessageAck, MessageID: msg.ID}))
	require.NoError(t, r.Apply(context.Background(), Event{Type: EventMessageAck, MessageID: msg.ID}))

	got, err := messages.Get(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, got.Status)
}

func TestApplyRead_TransitionsAndDecrementsUnread(t *testing.T) {
	r, messages, conversations := newTestReconciler(t, Config{})
	msg := seedSentMessage(t, messages, "m1", "u1", "u2")

	require.NoError(t, conversations.Upsert(&model.Conversation{
		ID: "c1", OwnerUserID: "u2", PeerID: "u1", Kind: model.KindSingle, UnreadCount: 3,
	}))

	require.NoError(t, r.ApplyRead(context.Background(), "u2", []string{msg.ID}))

	got, err := messages.Get(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRead, got.Status)

	conv, err := conversations.Get("u2", "u1", model.KindSingle)
	require.NoError(t, err)
	assert.Equal(t, int64(2), conv.UnreadCount)
}

func TestApplyRead_AlreadyReadMessageIsNoOp(t *testing.T) {
	r, messages, conversations := newTestReconciler(t, Config{})
	msg := seedSentMessage(t, messages, "m1", "u1", "u2")
	require.NoError(t, conversations.Upsert(&model.Conversation{
		ID: "c1", OwnerUserID: "u2", PeerID: "u1", Kind: model.KindSingle, UnreadCount: 1,
	}))

	require.NoError(t, r.ApplyRead(context.Background(), "u2", []string{msg.ID}))
	require.NoError(t, r.ApplyRead(context.Background(), "u2", []string{msg.ID}))

	conv, err := conversations.Get("u2", "u1", model.KindSingle)
	require.NoError(t, err)
	assert.Equal(t, int64(0), conv.UnreadCount, "replaying the same read event must not double-decrement")
}

func TestApplyRead_GroupMessageUsesGroupIDAsConversationPeer(t *testing.T) {
	r, messages, conversations := newTestReconciler(t, Config{})
	msg := &model.Message{
		ID: "m1", SenderID: "u1", GroupID: "g1", Seq: 1, Type: model.MessageTypeText,
		Content: model.Content{Type: model.MessageTypeText, Text: "hi"},
		Status:  model.StatusSent, CreatedAt: time.Now(),
	}
	require.NoError(t, messages.Insert(msg))
	require.NoError(t, conversations.Upsert(&model.Conversation{
		ID: "c1", OwnerUserID: "u2", PeerID: "g1", Kind: model.KindGroup, UnreadCount: 1,
	}))

	require.NoError(t, r.ApplyRead(context.Background(), "u2", []string{msg.ID}))

	conv, err := conversations.Get("u2", "g1", model.KindGroup)
	require.NoError(t, err)
	assert.Equal(t, int64(0), conv.UnreadCount)
}

func TestApply_UnknownEventTypeErrors(t *testing.T) {
	r, _, _ := newTestReconciler(t, Config{})
	err := r.Apply(context.Background(), Event{Type: "bogus"})
	assert.True(t, appErrors.Is(err, CodeUnknownEvent))
}

func TestVerifySignature_NoSecretConfiguredAcceptsAnything(t *testing.T) {
	r, _, _ := newTestReconciler(t, Config{})
	assert.NoError(t, r.VerifySignature([]byte("body"), ""))
}

func TestVerifySignature_MissingHeaderRejectedWhenSecretSet(t *testing.T) {
	r, _, _ := newTestReconciler(t, Config{Secret: "s3cr3t"})
	err := r.VerifySignature([]byte("body"), "")
	assert.True(t, appErrors.Is(err, appErrors.CodeUnauthenticated))
}

func TestVerifySignature_ValidSignatureAccepted(t *testing.T) {
	secret := "s3cr3t"
	r, _, _ := newTestReconciler(t, Config{Secret: secret})
	body := []byte(`{"type":"message_ack"}`)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	assert.NoError(t, r.VerifySignature(body, sig))
}

func TestVerifySignature_MismatchedSignatureRejected(t *testing.T) {
	r, _, _ := newTestReconciler(t, Config{Secret: "s3cr3t"})
	err := r.VerifySignature([]byte("body"), "deadbeef")
	assert.True(t, appErrors.Is(err, appErrors.CodeUnauthenticated))
}

func TestVerifyBearerToken_DisabledIsNoOp(t *testing.T) {
	r, _, _ := newTestReconciler(t, Config{})
	assert.NoError(t, r.VerifyBearerToken(context.Background(), ""))
}

func TestVerifyBearerToken_ValidTokenAccepted(t *testing.T) {
	cfg := Config{BearerEnabled: true, BearerSecret: "b3arer", BearerIssuer: "broker-x"}
	r := New(cfg, nil, nil)
	issuer := jwtAdapterFor(cfg)
	token, err := issuer.Generate("broker-x", nil)
	require.NoError(t, err)

	assert.NoError(t, r.VerifyBearerToken(context.Background(), token))
}

func TestVerifyBearerToken_WrongIssuerRejected(t *testing.T) {
	cfg := Config{BearerEnabled: true, BearerSecret: "b3arer", BearerIssuer: "broker-x"}
	r := New(cfg, nil, nil)
	issuer := jwtAdapterWithIssuer(cfg, "someone-else")
	token, err := issuer.Generate("svc", nil)
	require.NoError(t, err)

	err = r.VerifyBearerToken(context.Background(), token)
	assert.True(t, appErrors.Is(err, appErrors.CodeUnauthenticated))
}

func TestVerifyBearerToken_MissingTokenRejectedWhenEnabled(t *testing.T) {
	r := New(Config{BearerEnabled: true, BearerSecret: "b3arer"}, nil, nil)
	err := r.VerifyBearerToken(context.Background(), "")
	assert.True(t, appErrors.Is(err, appErrors.CodeUnauthenticated))
}
