// Package ingest composes the sequence, dedupe, permission, store, broker
// and fan-out services into the single-message and batch send pipelines,
// including outbox retry, recall, forward and the collapsed error taxonomy.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreim/messaging-core/internal/broker"
	"github.com/coreim/messaging-core/internal/dedupe"
	"github.com/coreim/messaging-core/internal/fanout"
	"github.com/coreim/messaging-core/internal/model"
	"github.com/coreim/messaging-core/internal/permission"
	"github.com/coreim/messaging-core/internal/sequence"
	"github.com/coreim/messaging-core/internal/store"
	"github.com/coreim/messaging-core/internal/webhook"
	"github.com/coreim/messaging-core/pkg/concurrency"
	appErrors "github.com/coreim/messaging-core/pkg/errors"
	"github.com/coreim/messaging-core/pkg/events"
	"github.com/coreim/messaging-core/pkg/logger"
	"github.com/coreim/messaging-core/pkg/resilience"
	"github.com/coreim/messaging-core/pkg/validator"
	"github.com/google/uuid"
)

// structValidator runs the struct-tag pass (required fields, enum/uuid
// shape) ahead of the semantic checks in validateSendRequest.
var structValidator = validator.New()

const (
	messageSentTopic = "ingest.message.sent"
	messageRecalled  = "ingest.message.recalled"
	recallWindow     = 2 * time.Minute
	maxMicroBatch    = 20
)

// Config tunes the orchestrator's retry policy and back-pressure limits.
type Config struct {
	// RetryMaxAttempts is the number of broker-send tries before a message
	// is marked failed.
	RetryMaxAttempts int
	RetryInitialBackoff time.Duration
	RetryMultiplier     float64
	RetryJitter         float64

	// MaxInFlightSends + MaxQueueDepth bound broker-send concurrency;
	// beyond this sum, sends are rejected with backpressure.
	MaxInFlightSends int
	MaxQueueDepth    int
}

// DefaultConfig carries the broker-send retry budget: initial = 1s, 4
// attempts, full jitter. The three backoffs are 1s, 2s and 4s before jitter
// (~7s in total on average); each is drawn over (0, 2x), so ~14s worst case.
func DefaultConfig() Config {
	return Config{
		RetryMaxAttempts:    4,
		RetryInitialBackoff: 1 * time.Second,
		RetryMultiplier:     2,
		RetryJitter:         1.0,
		MaxInFlightSends:    64,
		MaxQueueDepth:       256,
	}
}

// Orchestrator composes the sequence, dedupe, permission, store, broker and
// fan-out services into the send state machine. It never lets an error
// escape the request boundary; every outcome collapses into a SendResult.
type Orchestrator struct {
	cfg      Config
	sequence *sequence.Service
	dedupe   *dedupe.Engine
	perm     *permission.Filter
	messages *store.MessageStore
	fanout   *fanout.Fanout
	broker   *broker.Adapter
	reconciler *webhook.Reconciler
	bus      events.Bus
	sendGate *concurrency.Semaphore
}

// New wires the orchestrator's collaborators and subscribes its background
// fan-out and recall handlers on bus, so fan-out runs fire-and-forget under
// the bus's supervision rather than on the request path.
func New(
	cfg Config,
	seq *sequence.Service,
	dd *dedupe.Engine,
	perm *permission.Filter,
	messages *store.MessageStore,
	fo *fanout.Fanout,
	brk *broker.Adapter,
	reconciler *webhook.Reconciler,
	bus events.Bus,
) *Orchestrator {
	o := &Orchestrator{
		cfg: cfg, sequence: seq, dedupe: dd, perm: perm,
		messages: messages, fanout: fo, broker: brk, reconciler: reconciler, bus: bus,
		sendGate: concurrency.NewSemaphore(int64(cfg.MaxInFlightSends + cfg.MaxQueueDepth)),
	}
	_ = bus.Subscribe(context.Background(), messageSentTopic, o.handleMessageSent)
	_ = bus.Subscribe(context.Background(), messageRecalled, o.handleMessageRecalled)
	return o
}

func (o *Orchestrator) handleMessageSent(ctx context.Context, evt events.Event) error {
	msg, ok := evt.Payload.(*model.Message)
	if !ok {
		return nil
	}
	if err := o.fanout.ApplyMessage(ctx, msg); err != nil {
		logger.L().ErrorContext(ctx, "fan-out failed; message remains source of truth, repair scan will reconcile",
			"message_id", msg.ID, "error", err)
		return err
	}
	return nil
}

func (o *Orchestrator) handleMessageRecalled(ctx context.Context, evt events.Event) error {
	msg, ok := evt.Payload.(*model.Message)
	if !ok {
		return nil
	}
	if err := o.fanout.ApplyRecall(ctx, msg); err != nil {
		logger.L().ErrorContext(ctx, "recall snippet propagation failed", "message_id", msg.ID, "error", err)
		return err
	}
	return nil
}

// conversationID derives the sequence/channel key for a request: the
// lexicographic per-pair id for single chats (shared with the broker's
// channel id), or the group id directly.
func conversationID(groupID, fromUserID, toUserID string) string {
	if groupID != "" {
		return groupID
	}
	return broker.PersonChannelID(fromUserID, toUserID)
}

func validateSendRequest(req SendRequest) error {
	if err := structValidator.ValidateStruct(req); err != nil {
		return validationError(err.Error())
	}
	if req.FromUserID == "" {
		return validationError("fromUserId is required")
	}
	if !req.Type.Valid() {
		return validationError("unknown message type: " + string(req.Type))
	}
	if req.Type != model.MessageTypeSystem {
		hasUser := req.ToUserID != ""
		hasGroup := req.GroupID != ""
		if hasUser == hasGroup {
			return validationError("exactly one of toUserId or groupId is required")
		}
	}
	if req.Content.Name != "" && validator.DetectPathTraversal(req.Content.Name) {
		return validationError("attachment name must not contain path traversal sequences")
	}
	return nil
}

// checkPermission applies the send-permission filter; system messages
// bypass it.
func (o *Orchestrator) checkPermission(ctx context.Context, req SendRequest) (permission.Result, error) {
	if req.Type == model.MessageTypeSystem {
		return permission.Result{Allowed: true}, nil
	}
	if req.GroupID != "" {
		return o.perm.CheckGroup(ctx, req.FromUserID, req.GroupID)
	}
	return o.perm.CheckSingle(ctx, req.FromUserID, req.ToUserID)
}

// resolveDuplicate returns a non-nil SendResult when (fromUserId, clientSeq)
// has already been processed: the existing row is returned, never a second
// insert.
func (o *Orchestrator) resolveDuplicate(ctx context.Context, req SendRequest) (*SendResult, error) {
	if req.ClientSeq == nil {
		return nil, nil
	}
	dup, err := o.dedupe.IsDuplicate(ctx, req.FromUserID, *req.ClientSeq)
	if err != nil {
		return nil, err
	}
	if !dup {
		return nil, nil
	}
	existing, err := o.messages.FindBySenderClientSeq(req.FromUserID, *req.ClientSeq)
	if err != nil {
		return nil, err
	}
	return &SendResult{Success: true, IsDuplicate: true, Message: existing}, nil
}

func newMessage(req SendRequest, seq int64) *model.Message {
	return &model.Message{
		ID: uuid.NewString(), ClientSeq: req.ClientSeq, Seq: seq, Type: req.Type,
		Content: req.Content, SenderID: req.FromUserID, RecipientID: req.ToUserID,
		GroupID: req.GroupID, ReplyToID: req.ReplyToID, ForwardFromID: req.ForwardFromID,
		Status: model.StatusSending, NeedReadReceipt: req.NeedReadReceipt,
		CreatedAt: time.Now(), Extra: req.Extra,
	}
}

// SendMessage runs the single-message state machine:
// PERMISSION_CHECK -> DEDUP_CHECK -> OPEN_TX(STORE_INSERT, DEDUP_MARK_TX) ->
// COMMIT -> BROKER_SEND -> FANOUT(async). It never returns an error; every
// outcome collapses into the returned SendResult.
func (o *Orchestrator) SendMessage(ctx context.Context, req SendRequest) *SendResult {
	if err := validateSendRequest(req); err != nil {
		return &SendResult{Success: false, Error: err.Error()}
	}

	result, err := o.checkPermission(ctx, req)
	if err != nil {
		return &SendResult{Success: false, Error: storeError(err).Error()}
	}
	if !result.Allowed {
		return &SendResult{Success: false, Error: permissionError(result.Reason).Error()}
	}

	if dupResult, err := o.resolveDuplicate(ctx, req); err != nil {
		return &SendResult{Success: false, Error: storeError(err).Error()}
	} else if dupResult != nil {
		return dupResult
	}

	convID := conversationID(req.GroupID, req.FromUserID, req.ToUserID)
	seq, err := o.sequence.NextSeq(ctx, convID)
	if err != nil {
		return &SendResult{Success: false, Error: sequenceUnavailableError(err).Error()}
	}

	msg := newMessage(req, seq)
	if err := o.storeAndMark(ctx, msg, req.ClientSeq); err != nil {
		return &SendResult{Success: false, Error: storeError(err).Error()}
	}

	return o.sendAndFanout(ctx, msg, convID)
}

// storeAndMark performs OPEN_TX(STORE_INSERT, DEDUP_MARK_TX) -> COMMIT,
// rolling back both the transaction and the dedupe mark on any failure.
func (o *Orchestrator) storeAndMark(ctx context.Context, msg *model.Message, clientSeq *int64) error {
	txID := uuid.NewString()
	err := o.messages.Transaction(func(tx *store.MessageStore) error {
		if err := tx.Insert(msg); err != nil {
			return err
		}
		if clientSeq != nil {
			return o.dedupe.MarkProcessedTx(ctx, msg.SenderID, *clientSeq, txID)
		}
		return nil
	})
	if err != nil {
		if clientSeq != nil {
			_ = o.dedupe.RollbackTx(ctx, txID)
		}
		return err
	}
	if clientSeq != nil {
		_ = o.dedupe.CommitTx(ctx, txID)
	}
	return nil
}

// sendAndFanout performs BROKER_SEND with retry, the status transition, and
// schedules fan-out as a fire-and-forget background activity that must not
// block the send acknowledgement.
func (o *Orchestrator) sendAndFanout(ctx context.Context, msg *model.Message, convID string) *SendResult {
	if err := o.sendWithRetry(ctx, msg, convID); err != nil {
		_ = o.messages.UpdateStatus(msg.ID, model.StatusSending, model.StatusFailed, nil)
		msg.Status = model.StatusFailed
		return &SendResult{Success: false, Message: msg, Error: err.Error()}
	}

	if err := o.messages.UpdateStatus(msg.ID, model.StatusSending, model.StatusSent, nil); err != nil {
		return &SendResult{Success: false, Message: msg, Error: storeError(err).Error()}
	}
	msg.Status = model.StatusSent

	_ = o.bus.Publish(ctx, messageSentTopic, events.Event{
		ID: uuid.NewString(), Type: messageSentTopic, Source: "ingest.orchestrator",
		Timestamp: time.Now(), Payload: msg,
	})

	return &SendResult{Success: true, Message: msg}
}

// sendWithRetry performs the broker send with exponential backoff and full
// jitter, skipping retries on 4xx-shaped rejections, behind the
// back-pressure gate.
func (o *Orchestrator) sendWithRetry(ctx context.Context, msg *model.Message, convID string) error {
	if !o.sendGate.TryAcquire(1) {
		return backpressureError()
	}
	defer o.sendGate.Release(1)

	channelKind := broker.ChannelPerson
	if msg.GroupID != "" {
		channelKind = broker.ChannelGroup
	}
	clientMsgNo := msg.ID
	if msg.ClientSeq != nil {
		clientMsgNo = fmt.Sprintf("%d", *msg.ClientSeq)
	}

	retryCfg := resilience.RetryConfig{
		MaxAttempts:    o.cfg.RetryMaxAttempts,
		InitialBackoff: o.cfg.RetryInitialBackoff,
		Multiplier:     o.cfg.RetryMultiplier,
		Jitter:         o.cfg.RetryJitter,
		RetryIf:        func(err error) bool { return appErrors.Code(err) != CodeBrokerPermanent },
	}

	return resilience.Retry(ctx, retryCfg, func(ctx context.Context) error {
		_, sendErr := o.broker.SendMessage(ctx, convID, channelKind, msg.SenderID, msg.Content, clientMsgNo)
		if sendErr == nil {
			return nil
		}
		if isBrokerPermanent(sendErr) {
			return brokerPermanentError(sendErr)
		}
		return brokerTransientError(sendErr)
	})
}

// BatchSend runs the batch pipeline in micro-batches of up to 20: parallel permission/dedupe checks, one insert
// transaction for admitted items, then parallel broker sends.
func (o *Orchestrator) BatchSend(ctx context.Context, reqs []SendRequest) []*SendResult {
	out := make([]*SendResult, len(reqs))
	for start := 0; start < len(reqs); start += maxMicroBatch {
		end := start + maxMicroBatch
		if end > len(reqs) {
			end = len(reqs)
		}
		o.sendMicroBatch(ctx, reqs[start:end], out[start:end])
	}
	return out
}

func (o *Orchestrator) sendMicroBatch(ctx context.Context, reqs []SendRequest, out []*SendResult) {
	o.admitMicroBatch(ctx, reqs, out)

	var admittedIdx []int
	var admittedMsgs []*model.Message
	var admittedConvIDs []string
	for i, req := range reqs {
		if out[i] != nil {
			continue
		}
		convID := conversationID(req.GroupID, req.FromUserID, req.ToUserID)
		seq, err := o.sequence.NextSeq(ctx, convID)
		if err != nil {
			out[i] = &SendResult{Success: false, Error: sequenceUnavailableError(err).Error()}
			continue
		}
		admittedIdx = append(admittedIdx, i)
		admittedMsgs = append(admittedMsgs, newMessage(req, seq))
		admittedConvIDs = append(admittedConvIDs, convID)
	}
	if len(admittedMsgs) == 0 {
		return
	}

	if err := o.insertBatch(ctx, reqs, admittedIdx, admittedMsgs); err != nil {
		for _, i := range admittedIdx {
			out[i] = &SendResult{Success: false, Error: storeError(err).Error()}
		}
		return
	}

	var wg sync.WaitGroup
	for j, msg := range admittedMsgs {
		j, msg, convID := j, msg, admittedConvIDs[j]
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[admittedIdx[j]] = o.sendAndFanout(ctx, msg, convID)
		}()
	}
	wg.Wait()
}

// admitMicroBatch runs parallel permission and dedupe checks, writing a
// terminal SendResult into out for every denied/duplicate/invalid item and
// leaving out[i] nil for admitted items.
func (o *Orchestrator) admitMicroBatch(ctx context.Context, reqs []SendRequest, out []*SendResult) {
	var wg sync.WaitGroup
	for i, req := range reqs {
		i, req := i, req
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := validateSendRequest(req); err != nil {
				out[i] = &SendResult{Success: false, Error: err.Error()}
				return
			}
			result, err := o.checkPermission(ctx, req)
			if err != nil {
				out[i] = &SendResult{Success: false, Error: storeError(err).Error()}
				return
			}
			if !result.Allowed {
				out[i] = &SendResult{Success: false, Error: permissionError(result.Reason).Error()}
				return
			}
			dupResult, err := o.resolveDuplicate(ctx, req)
			if err != nil {
				out[i] = &SendResult{Success: false, Error: storeError(err).Error()}
				return
			}
			if dupResult != nil {
				out[i] = dupResult
			}
		}()
	}
	wg.Wait()
}

// insertBatch inserts every admitted item of a micro-batch inside one store
// transaction, marking each item's clientSeq under a shared dedupe txID as it
// goes. Rows are inserted one at a time and the dedupe marks run one after
// another; neither step is a multi-row or parallel operation.
func (o *Orchestrator) insertBatch(ctx context.Context, reqs []SendRequest, admittedIdx []int, admittedMsgs []*model.Message) error {
	txID := uuid.NewString()
	err := o.messages.Transaction(func(tx *store.MessageStore) error {
		for j, msg := range admittedMsgs {
			if err := tx.Insert(msg); err != nil {
				return err
			}
			cs := reqs[admittedIdx[j]].ClientSeq
			if cs != nil {
				if err := o.dedupe.MarkProcessedTx(ctx, msg.SenderID, *cs, txID); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		_ = o.dedupe.RollbackTx(ctx, txID)
		return err
	}
	_ = o.dedupe.CommitTx(ctx, txID)
	return nil
}

// Recall retracts a message within the 2-minute recall window; only the
// sender may recall. A system message notifies the
// channel and, asynchronously, conversation snippets referencing the
// recalled message as their last are updated to a placeholder.
func (o *Orchestrator) Recall(ctx context.Context, messageID, operatorID string) *SendResult {
	msg, err := o.messages.Get(messageID)
	if err != nil {
		return &SendResult{Success: false, Error: storeError(err).Error()}
	}
	if msg.SenderID != operatorID {
		return &SendResult{Success: false, Error: permissionError("only the sender may recall a message").Error()}
	}
	if time.Since(msg.CreatedAt) > recallWindow {
		return &SendResult{Success: false, Error: recallWindowError().Error()}
	}

	from := msg.Status
	if err := msg.ApplyStatus(model.StatusRecalled); err != nil {
		return &SendResult{Success: false, Error: err.Error()}
	}
	if err := o.messages.UpdateStatus(messageID, from, model.StatusRecalled, msg.RecalledAt); err != nil {
		return &SendResult{Success: false, Error: storeError(err).Error()}
	}

	o.notifyRecall(ctx, msg)

	_ = o.bus.Publish(ctx, messageRecalled, events.Event{
		ID: uuid.NewString(), Type: messageRecalled, Source: "ingest.orchestrator",
		Timestamp: time.Now(), Payload: msg,
	})

	return &SendResult{Success: true, Message: msg}
}

// notifyRecall pushes a system message into the recalled message's channel so
// connected clients can drop it from view immediately. The recall itself is
// already durable; a broker failure here is logged, not surfaced, and
// clients reconcile on their next sync.
func (o *Orchestrator) notifyRecall(ctx context.Context, msg *model.Message) {
	convID := conversationID(msg.GroupID, msg.SenderID, msg.RecipientID)
	channelKind := broker.ChannelPerson
	if msg.GroupID != "" {
		channelKind = broker.ChannelGroup
	}
	notice := model.Content{
		Type:    model.MessageTypeSystem,
		Payload: map[string]any{"event": "message_recalled", "message_id": msg.ID},
	}
	if _, err := o.broker.SendMessage(ctx, convID, channelKind, msg.SenderID, notice, "recall-"+msg.ID); err != nil {
		logger.L().WarnContext(ctx, "failed to notify channel of recall", "message_id", msg.ID, "error", err)
	}
}

// Forward re-sends an existing message's content under a new (from, to)
// pair, producing a new Message per target.
func (o *Orchestrator) Forward(ctx context.Context, messageID, fromUserID string, toUserIDs, toGroupIDs []string) []*SendResult {
	src, err := o.messages.Get(messageID)
	if err != nil {
		return []*SendResult{{Success: false, Error: storeError(err).Error()}}
	}

	reqs := make([]SendRequest, 0, len(toUserIDs)+len(toGroupIDs))
	for _, to := range toUserIDs {
		reqs = append(reqs, SendRequest{
			Type: src.Type, Content: src.Content, FromUserID: fromUserID,
			ToUserID: to, ForwardFromID: src.ID,
		})
	}
	for _, group := range toGroupIDs {
		reqs = append(reqs, SendRequest{
			Type: src.Type, Content: src.Content, FromUserID: fromUserID,
			GroupID: group, ForwardFromID: src.ID,
		})
	}

	out := make([]*SendResult, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		i, req := i, req
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = o.SendMessage(ctx, req)
		}()
	}
	wg.Wait()
	return out
}

// RetryFailed transitions a failed message back to sending and re-enters
// broker send with the same retry policy. The Conversation row is not
// re-updated on success, since it is already linked from the original send.
func (o *Orchestrator) RetryFailed(ctx context.Context, messageID string) *SendResult {
	msg, err := o.messages.Get(messageID)
	if err != nil {
		return &SendResult{Success: false, Error: storeError(err).Error()}
	}
	if msg.Status != model.StatusFailed {
		return &SendResult{Success: false, Error: validationError("message is not in failed state").Error()}
	}
	if err := o.messages.UpdateStatus(messageID, model.StatusFailed, model.StatusSending, nil); err != nil {
		return &SendResult{Success: false, Error: storeError(err).Error()}
	}
	msg.Status = model.StatusSending
	if err := o.messages.IncrementRetryCount(messageID); err != nil {
		logger.L().WarnContext(ctx, "failed to bump retry count", "message_id", messageID, "error", err)
	}
	msg.RetryCount++

	convID := conversationID(msg.GroupID, msg.SenderID, msg.RecipientID)
	if err := o.sendWithRetry(ctx, msg, convID); err != nil {
		_ = o.messages.UpdateStatus(messageID, model.StatusSending, model.StatusFailed, nil)
		msg.Status = model.StatusFailed
		return &SendResult{Success: false, Message: msg, Error: err.Error()}
	}

	if err := o.messages.UpdateStatus(messageID, model.StatusSending, model.StatusSent, nil); err != nil {
		return &SendResult{Success: false, Message: msg, Error: storeError(err).Error()}
	}
	msg.Status = model.StatusSent
	return &SendResult{Success: true, Message: msg}
}

// MarkRead delegates to the webhook reconciler's read-reconciliation path,
// since an explicit client markRead call and a broker-originated
// message_read event apply the identical state transition.
func (o *Orchestrator) MarkRead(ctx context.Context, userID string, messageIDs []string) error {
	return o.reconciler.ApplyRead(ctx, userID, messageIDs)
}
