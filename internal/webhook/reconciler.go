// Package webhook applies broker-emitted delivery/read/presence events to
// the message store and conversation state, tolerating replay by
// construction (status writes are idempotent by lattice monotonicity;
// unread decrements only ever apply to messages not already read).
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/coreim/messaging-core/internal/model"
	"github.com/coreim/messaging-core/internal/store"
	jwtadapter "github.com/coreim/messaging-core/pkg/auth/adapters/jwt"
	appErrors "github.com/coreim/messaging-core/pkg/errors"
	"github.com/coreim/messaging-core/pkg/logger"
)

// EventType enumerates the broker-originated events the reconciler consumes.
type EventType string

const (
	EventMessageAck  EventType = "message_ack"
	EventMessageRead EventType = "message_read"
	EventConnect     EventType = "connect"
	EventDisconnect  EventType = "disconnect"
)

// Event is the decoded inbound webhook payload; a concrete HTTP+JSON
// binding unmarshals into this before calling Apply.
type Event struct {
	Type       EventType
	UID        string
	MessageID  string
	MessageIDs []string
}

// Config gates the optional HMAC authenticity check, plus an
// alternative bearer-token mode for brokers that prefer a signed JWT over an
// HMAC body signature.
type Config struct {
	Secret  string `env:"WEBHOOK_SECRET"`
	Enabled bool   `env:"WEBHOOK_ENABLE" env-default:"true"`

	BearerEnabled bool   `env:"WEBHOOK_BEARER_ENABLE" env-default:"false"`
	BearerSecret  string `env:"WEBHOOK_BEARER_SECRET"`
	BearerIssuer  string `env:"WEBHOOK_BEARER_ISSUER" env-default:"messaging-core"`
}

// Reconciler applies broker-emitted events to the Message Store and
// Conversation projections.
type Reconciler struct {
	cfg           Config
	messages      *store.MessageStore
	conversations *store.ConversationStore
	bearer        *jwtadapter.Adapter
}

func New(cfg Config, messages *store.MessageStore, conversations *store.ConversationStore) *Reconciler {
	r := &Reconciler{cfg: cfg, messages: messages, conversations: conversations}
	if cfg.BearerEnabled {
		r.bearer = jwtadapter.New(jwtadapter.Config{Secret: cfg.BearerSecret, Issuer: cfg.BearerIssuer})
	}
	return r
}

// VerifySignature checks the HMAC-SHA256 signature carried in the inbound
// request header against rawBody: if a secret is configured and the header
// is missing or mismatches, reject; if no secret is configured, accept
// unconditionally.
func (r *Reconciler) VerifySignature(rawBody []byte, signature string) error {
	if r.cfg.Secret == "" {
		return nil
	}
	if signature == "" {
		return appErrors.New(appErrors.CodeUnauthenticated, "missing webhook signature", nil)
	}
	mac := hmac.New(sha256.New, []byte(r.cfg.Secret))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return appErrors.New(appErrors.CodeUnauthenticated, "webhook signature mismatch", nil)
	}
	return nil
}

// VerifyBearerToken checks an inbound "Authorization: Bearer <token>" value
// against the configured issuer when bearer-mode is enabled; brokers that
// cannot attach an HMAC body signature (e.g. a webhook proxy that strips the
// raw body) can authenticate this way instead.
func (r *Reconciler) VerifyBearerToken(ctx context.Context, token string) error {
	if !r.cfg.BearerEnabled {
		return nil
	}
	if token == "" {
		return appErrors.New(appErrors.CodeUnauthenticated, "missing webhook bearer token", nil)
	}
	claims, err := r.bearer.Verify(ctx, token)
	if err != nil {
		return appErrors.New(appErrors.CodeUnauthenticated, "invalid webhook bearer token", err)
	}
	if r.cfg.BearerIssuer != "" && claims.Issuer != r.cfg.BearerIssuer {
		return appErrors.New(appErrors.CodeUnauthenticated, "unexpected webhook bearer token issuer", nil)
	}
	return nil
}

// Apply dispatches a decoded event to its handler. Handler errors are
// logged by the caller, not propagated as broker-visible failures: replays
// must never storm a transient store failure.
func (r *Reconciler) Apply(ctx context.Context, evt Event) error {
	switch evt.Type {
	case EventMessageAck:
		return r.applyAck(ctx, evt.MessageID)
	case EventMessageRead:
		return r.ApplyRead(ctx, evt.UID, evt.MessageIDs)
	case EventConnect, EventDisconnect:
		return nil
	default:
		return appErrors.New(CodeUnknownEvent, "unrecognized webhook event type: "+string(evt.Type), nil)
	}
}

// applyAck sets status := delivered if currently sent.
func (r *Reconciler) applyAck(ctx context.Context, messageID string) error {
	msg, err := r.messages.Get(messageID)
	if err != nil {
		if appErrors.Is(err, appErrors.CodeNotFound) {
			return nil
		}
		return err
	}
	if msg.Status != model.StatusSent {
		return nil
	}
	if err := r.messages.UpdateStatus(messageID, model.StatusSent, model.StatusDelivered, nil); err != nil {
		if appErrors.Is(err, appErrors.CodeConflict) {
			return nil // lost the race to a concurrent transition; idempotent
		}
		return err
	}
	return nil
}

// ApplyRead transitions each message addressed to uid to read if currently
// sent or delivered, and decrements the owning Conversation's unreadCount by
// exactly the number of messages newly transitioning to read, clamped at
// zero.
func (r *Reconciler) ApplyRead(ctx context.Context, uid string, messageIDs []string) error {
	type convKey struct {
		peer string
		kind model.ConversationKind
	}
	decrements := make(map[convKey]int64)

	for _, id := range messageIDs {
		msg, err := r.messages.Get(id)
		if err != nil {
			if appErrors.Is(err, appErrors.CodeNotFound) {
				continue
			}
			return err
		}
		if msg.SenderID == uid || (msg.GroupID == "" && msg.RecipientID != uid) {
			continue // not addressed to uid
		}
		if msg.Status != model.StatusSent && msg.Status != model.StatusDelivered {
			continue // already read (or not yet delivered): idempotent no-op
		}

		var key convKey
		if msg.GroupID != "" {
			key = convKey{peer: msg.GroupID, kind: model.KindGroup}
		} else {
			key = convKey{peer: msg.SenderID, kind: model.KindSingle}
		}

		if err := r.messages.UpdateStatus(id, msg.Status, model.StatusRead, nil); err != nil {
			if appErrors.Is(err, appErrors.CodeConflict) {
				continue // a concurrent reconciliation already applied this read
			}
			return err
		}
		decrements[key]++
	}

	for key, n := range decrements {
		if err := r.conversations.IncrementUnread(uid, key.peer, key.kind, -n); err != nil {
			logger.L().ErrorContext(ctx, "failed to decrement unread count after read reconciliation",
				"owner_id", uid, "peer_id", key.peer, "error", err)
		}
	}
	return nil
}

// CodeUnknownEvent is returned for an event type this reconciler does not recognize.
const CodeUnknownEvent = "WEBHOOK_UNKNOWN_EVENT"
