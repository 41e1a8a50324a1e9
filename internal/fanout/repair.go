package fanout

import (
	"context"
	"time"

	"github.com/coreim/messaging-core/internal/model"
	"github.com/coreim/messaging-core/internal/store"
	"github.com/coreim/messaging-core/pkg/concurrency"
	"github.com/coreim/messaging-core/pkg/events"
	"github.com/coreim/messaging-core/pkg/logger"
)

// RepairTopic is published whenever a stale Conversation row is corrected.
const RepairTopic = "fanout.repaired"

// RepairScan is the periodic reconciliation job for the derived projection:
// it walks conversations whose lastMessageId disagrees with max(seq) in the
// Message store and corrects them. Uses a bounded worker pool so a large
// backlog can't stampede the store.
type RepairScan struct {
	conversations *store.ConversationStore
	messages      *store.MessageStore
	bus           events.Bus
	pool          *concurrency.WorkerPool
	staleAfter    time.Duration
	batchSize     int
}

func NewRepairScan(conversations *store.ConversationStore, messages *store.MessageStore, bus events.Bus, workerCount int) *RepairScan {
	return &RepairScan{
		conversations: conversations,
		messages:      messages,
		bus:           bus,
		pool:          concurrency.NewWorkerPool(workerCount, workerCount*4),
		staleAfter:    time.Hour,
		batchSize:     500,
	}
}

// Run walks stale conversations once and corrects any divergence, returning
// the number of rows repaired.
func (r *RepairScan) Run(ctx context.Context) (int, error) {
	rows, err := r.conversations.ListStale(time.Now().Add(-r.staleAfter), r.batchSize)
	if err != nil {
		return 0, err
	}

	r.pool.Start(ctx)
	defer r.pool.Stop()

	repaired := make(chan int, len(rows))
	for _, row := range rows {
		row := row
		r.pool.Submit(func(ctx context.Context) {
			fixed, err := r.repairOne(ctx, row)
			if err != nil {
				logger.L().ErrorContext(ctx, "repair scan failed for conversation", "conversation_id", row.ID, "error", err)
				repaired <- 0
				return
			}
			if fixed {
				repaired <- 1
				return
			}
			repaired <- 0
		})
	}

	total := 0
	for range rows {
		total += <-repaired
	}
	return total, nil
}

func (r *RepairScan) repairOne(ctx context.Context, row model.Conversation) (bool, error) {
	authoritative, err := r.messages.MaxSeq(row.OwnerUserID, row.PeerID, row.Kind)
	if err != nil {
		return false, err
	}
	if authoritative == nil || authoritative.Seq == row.LastMessageSeq {
		return false, nil
	}

	snippet := authoritative.Content.Snippet(snippetMaxRunes)
	if authoritative.Status == model.StatusRecalled {
		snippet = recalledSnippet
	}

	return true, r.conversations.Transaction(func(tx *store.ConversationStore) error {
		row.LastMessageID = authoritative.ID
		row.LastMessageSeq = authoritative.Seq
		row.LastMessageSnippet = snippet
		row.LastMessageAt = authoritative.CreatedAt
		if err := tx.Upsert(&row); err != nil {
			return err
		}
		_ = r.bus.Publish(ctx, RepairTopic, events.Event{
			Type: RepairTopic, Source: "fanout.repair",
			Timestamp: time.Now(), Payload: row.ID,
		})
		return nil
	})
}
