// Package fanout updates every participant's Conversation projection after
// a message is sent: last-message snapshot always, unread counter for
// recipients only.
package fanout

import (
	"context"
	"strings"

	"github.com/coreim/messaging-core/internal/membership"
	"github.com/coreim/messaging-core/internal/model"
	"github.com/coreim/messaging-core/internal/store"
	"github.com/coreim/messaging-core/pkg/concurrency"
	"github.com/coreim/messaging-core/pkg/datastructures/crdt"
	"github.com/coreim/messaging-core/pkg/errors"
	"github.com/coreim/messaging-core/pkg/logger"
	"github.com/google/uuid"
)

const (
	snippetMaxRunes = 50
	groupBatchSize  = 500
	recalledSnippet = "[This message has been recalled]"
)

// Fanout applies a sent Message to the Conversation rows of every participant.
//
// Group unread increments are staged in per-conversation GCounters and
// reconciled into the durable unread_count column after each message's
// batches, rather than folded into the multi-row snapshot upsert. A failed
// reconciliation leaves the delta pending; the next fan-out's flush picks it
// up, so increments are never lost while the process lives.
type Fanout struct {
	conversations *store.ConversationStore
	groupMembers  membership.Store
	nodeID        string

	mu      *concurrency.SmartMutex
	staged  map[string]*crdt.GCounter // ownerID \x00 groupID -> increments observed
	flushed map[string]uint64         // ownerID \x00 groupID -> increments durably applied
}

func New(conversations *store.ConversationStore, groupMembers membership.Store, nodeID string) *Fanout {
	return &Fanout{
		conversations: conversations,
		groupMembers:  groupMembers,
		nodeID:        nodeID,
		mu:            concurrency.NewSmartMutex(concurrency.MutexConfig{Name: "fanout.counters"}),
		staged:        make(map[string]*crdt.GCounter),
		flushed:       make(map[string]uint64),
	}
}

func counterKey(ownerID, groupID string) string { return ownerID + "\x00" + groupID }

// ApplyMessage is the fan-out entry point, run asynchronously after the
// orchestrator acknowledges the send.
func (f *Fanout) ApplyMessage(ctx context.Context, msg *model.Message) error {
	snippet := msg.Content.Snippet(snippetMaxRunes)

	switch msg.TargetKind() {
	case model.KindGroup:
		if err := f.upsertOwnerRow(msg.SenderID, msg.GroupID, model.KindGroup, msg, snippet, false); err != nil {
			return err
		}
		return f.fanoutGroup(ctx, msg, snippet)
	default:
		if err := f.upsertOwnerRow(msg.SenderID, msg.RecipientID, model.KindSingle, msg, snippet, false); err != nil {
			return err
		}
		return f.upsertOwnerRow(msg.RecipientID, msg.SenderID, model.KindSingle, msg, snippet, true)
	}
}

// ApplyRecall rewrites the snippet of every Conversation row whose
// lastMessageId is the just-recalled message to an abstract placeholder.
// Rows pointing at a different, newer message are left untouched.
func (f *Fanout) ApplyRecall(ctx context.Context, msg *model.Message) error {
	rows, err := f.conversations.FindByLastMessage(msg.ID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := f.conversations.UpdateSnippet(row.ID, recalledSnippet); err != nil {
			return err
		}
	}
	return nil
}

// upsertOwnerRow performs one participant's upsert+staleness-guard+increment.
func (f *Fanout) upsertOwnerRow(ownerID, peerID string, kind model.ConversationKind, msg *model.Message, snippet string, incrementUnread bool) error {
	return f.conversations.Transaction(func(tx *store.ConversationStore) error {
		existing, err := tx.Get(ownerID, peerID, kind)
		if err != nil {
			return err
		}

		var row model.Conversation
		if existing != nil {
			row = *existing
		} else {
			row = model.Conversation{ID: uuid.NewString(), OwnerUserID: ownerID, PeerID: peerID, Kind: kind}
		}

		if !row.ApplyIncomingMessage(msg.ID, msg.Seq, msg.CreatedAt, snippet, incrementUnread) {
			return nil // stale fan-out for this conversation, discard
		}

		return tx.Upsert(&row)
	})
}

// fanoutGroup partitions joined members into batches and issues one
// snapshot-upsert transaction per batch, staging each recipient's unread
// increment in its counter; staged deltas are then reconciled durably in one
// pass. On a batch failure it falls back to a per-member loop that applies
// snapshot and increment together, preserving correctness at reduced
// throughput.
func (f *Fanout) fanoutGroup(ctx context.Context, msg *model.Message, snippet string) error {
	members, err := f.groupMembers.JoinedMembers(ctx, msg.GroupID)
	if err != nil {
		return errors.Wrap(err, "failed to list group members for fan-out")
	}

	recipients := make([]string, 0, len(members))
	for _, m := range members {
		if m.UserID != msg.SenderID {
			recipients = append(recipients, m.UserID)
		}
	}

	for start := 0; start < len(recipients); start += groupBatchSize {
		end := start + groupBatchSize
		if end > len(recipients) {
			end = len(recipients)
		}
		batch := recipients[start:end]

		if err := f.upsertBatch(batch, msg.GroupID, msg, snippet); err != nil {
			logger.L().ErrorContext(ctx, "group fan-out batch failed, falling back to per-member loop",
				"group_id", msg.GroupID, "batch_size", len(batch), "error", err)
			for _, uid := range batch {
				if ferr := f.upsertOwnerRow(uid, msg.GroupID, model.KindGroup, msg, snippet, true); ferr != nil {
					logger.L().ErrorContext(ctx, "group fan-out member update failed",
						"group_id", msg.GroupID, "user_id", uid, "error", ferr)
				}
			}
			continue
		}

		f.stageIncrements(batch, msg.GroupID)
	}

	f.flushStaged(ctx)
	return nil
}

// upsertBatch performs one multi-row snapshot upsert transaction for a batch
// of recipients, avoiding M sequential round-trips for a group of size M.
// Unread increments are deliberately left out; they travel through the
// staged counters.
func (f *Fanout) upsertBatch(recipients []string, groupID string, msg *model.Message, snippet string) error {
	return f.conversations.Transaction(func(tx *store.ConversationStore) error {
		for _, uid := range recipients {
			existing, err := tx.Get(uid, groupID, model.KindGroup)
			if err != nil {
				return err
			}
			var row model.Conversation
			if existing != nil {
				row = *existing
			} else {
				row = model.Conversation{ID: uuid.NewString(), OwnerUserID: uid, PeerID: groupID, Kind: model.KindGroup}
			}
			if row.ApplyIncomingMessage(msg.ID, msg.Seq, msg.CreatedAt, snippet, false) {
				if err := tx.Upsert(&row); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// stageIncrements records +1 per recipient into the in-process counters.
func (f *Fanout) stageIncrements(recipients []string, groupID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, uid := range recipients {
		key := counterKey(uid, groupID)
		c, ok := f.staged[key]
		if !ok {
			c = crdt.NewGCounter(f.nodeID)
			f.staged[key] = c
		}
		c.Inc(1)
	}
}

// flushStaged reconciles every pending staged delta into the durable
// unread_count column. Keys whose durable write fails keep their pending
// delta and are retried on the next flush.
func (f *Fanout) flushStaged(ctx context.Context) {
	type pendingDelta struct {
		ownerID string
		groupID string
		delta   int64
	}

	f.mu.Lock()
	var pending []pendingDelta
	for key, c := range f.staged {
		delta := c.Count() - f.flushed[key]
		if delta == 0 {
			continue
		}
		ownerID, groupID, _ := strings.Cut(key, "\x00")
		pending = append(pending, pendingDelta{ownerID: ownerID, groupID: groupID, delta: int64(delta)})
	}
	f.mu.Unlock()

	for _, p := range pending {
		if err := f.conversations.IncrementUnread(p.ownerID, p.groupID, model.KindGroup, p.delta); err != nil {
			logger.L().ErrorContext(ctx, "failed to reconcile staged unread increments",
				"owner_id", p.ownerID, "group_id", p.groupID, "delta", p.delta, "error", err)
			continue
		}
		f.mu.Lock()
		f.flushed[counterKey(p.ownerID, p.groupID)] += uint64(p.delta)
		f.mu.Unlock()
	}
}

// PendingIncrements returns the staged, not-yet-durably-reconciled unread
// increment count across a group's conversations, for diagnostics/tests.
func (f *Fanout) PendingIncrements(groupID string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total uint64
	for key, c := range f.staged {
		if strings.HasSuffix(key, "\x00"+groupID) {
			total += c.Count() - f.flushed[key]
		}
	}
	return total
}
