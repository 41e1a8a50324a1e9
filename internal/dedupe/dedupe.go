// Package dedupe implements the duplicate-submission detector: a
// no-false-negative Bloom filter disambiguated by an authoritative
// confirmation set, with a transactional mark/commit/rollback path.
package dedupe

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreim/messaging-core/pkg/cache"
	"github.com/coreim/messaging-core/pkg/datastructures/bloomfilter"
	appErrors "github.com/coreim/messaging-core/pkg/errors"
)

const (
	defaultExpectedElements = 1_000_000
	defaultFalsePositiveRate = 0.01
	defaultRetention        = 24 * time.Hour
	defaultTxTTL            = 5 * time.Minute
	rebuildFPRThreshold     = 0.05
)

// Stats reports the engine's current health.
type Stats struct {
	FilterBits      uint
	ConfirmedCount  int
	EstimatedFPR    float64
}

// Engine is the two-tier duplicate detector: filter first, authoritative
// confirmation set on a possible positive.
//
// keyIndex is a best-effort, in-process registry of keys ever confirmed; it
// exists only so Rebuild/Stats have something to enumerate, since cache.Cache
// has no Scan/Keys operation. It is not the source of truth (confirmed, the
// cache, is), so a process restart loses enumerability but never correctness:
// isDuplicate still falls through to the cache on every possible positive.
type Engine struct {
	mu        sync.RWMutex
	filter    *bloomfilter.BloomFilter
	confirmed cache.Cache
	txStore   cache.Cache

	expectedElements uint
	falsePositiveRate float64
	retention        time.Duration
	txTTL            time.Duration

	keyIndex sync.Map // string -> struct{}
	confirmedCount int64
}

// Config tunes the filter sizing and key retention; zero values fall back to
// the package defaults.
type Config struct {
	ExpectedElements  uint
	FalsePositiveRate float64
	Retention         time.Duration
	TxTTL             time.Duration
}

// New builds an Engine over the given confirmation-set and transaction-set
// caches (which may be the same cache.Cache backing either Redis or memory)
// with default sizing.
func New(confirmed, txStore cache.Cache) *Engine {
	return NewWithConfig(confirmed, txStore, Config{})
}

// NewWithConfig builds an Engine with explicit sizing and retention.
func NewWithConfig(confirmed, txStore cache.Cache, cfg Config) *Engine {
	if cfg.ExpectedElements == 0 {
		cfg.ExpectedElements = defaultExpectedElements
	}
	if cfg.FalsePositiveRate <= 0 {
		cfg.FalsePositiveRate = defaultFalsePositiveRate
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.TxTTL <= 0 {
		cfg.TxTTL = defaultTxTTL
	}
	return &Engine{
		filter:            bloomfilter.New(cfg.ExpectedElements, cfg.FalsePositiveRate),
		confirmed:         confirmed,
		txStore:           txStore,
		expectedElements:  cfg.ExpectedElements,
		falsePositiveRate: cfg.FalsePositiveRate,
		retention:         cfg.Retention,
		txTTL:             cfg.TxTTL,
	}
}

func confirmKey(senderID string, clientSeq int64) string {
	return fmt.Sprintf("%s:%d", senderID, clientSeq)
}

func txKey(txID string) string {
	return "dedupetx:" + txID
}

// IsDuplicate reports whether (senderID, clientSeq) was already processed.
func (e *Engine) IsDuplicate(ctx context.Context, senderID string, clientSeq int64) (bool, error) {
	key := confirmKey(senderID, clientSeq)

	e.mu.RLock()
	maybe := e.filter.ContainsString(key)
	e.mu.RUnlock()
	if !maybe {
		return false, nil
	}

	var confirmed bool
	err := e.confirmed.Get(ctx, key, &confirmed)
	if appErrors.Is(err, appErrors.CodeNotFound) {
		return false, nil // filter false positive
	}
	if err != nil {
		return false, appErrors.Wrap(err, "dedupe confirmation lookup failed")
	}
	return confirmed, nil
}

// IsDuplicateBatch checks a batch of clientSeqs for one sender in parallel.
func (e *Engine) IsDuplicateBatch(ctx context.Context, senderID string, clientSeqs []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(clientSeqs))
	var mu sync.Mutex
	var wg sync.WaitGroup
	var firstErr atomic.Value

	for _, cs := range clientSeqs {
		cs := cs
		wg.Add(1)
		go func() {
			defer wg.Done()
			dup, err := e.IsDuplicate(ctx, senderID, cs)
			if err != nil {
				firstErr.CompareAndSwap(nil, err)
				return
			}
			mu.Lock()
			out[cs] = dup
			mu.Unlock()
		}()
	}
	wg.Wait()

	if v := firstErr.Load(); v != nil {
		return nil, v.(error)
	}
	return out, nil
}

// MarkProcessed records (senderID, clientSeq) as processed outside of any
// transaction, for callers that don't need the staged mark.
func (e *Engine) MarkProcessed(ctx context.Context, senderID string, clientSeq int64) error {
	key := confirmKey(senderID, clientSeq)
	return e.markKey(ctx, key)
}

func (e *Engine) markKey(ctx context.Context, key string) error {
	e.mu.Lock()
	e.filter.AddString(key)
	e.mu.Unlock()

	if err := e.confirmed.Set(ctx, key, true, e.retention); err != nil {
		return appErrors.Wrap(err, "failed to persist dedupe confirmation")
	}
	if _, loaded := e.keyIndex.LoadOrStore(key, struct{}{}); !loaded {
		atomic.AddInt64(&e.confirmedCount, 1)
	}
	return nil
}

// MarkProcessedTx stages (senderID, clientSeq) into both the filter and the
// confirmation set, and records it under txID so RollbackTx can undo it.
func (e *Engine) MarkProcessedTx(ctx context.Context, senderID string, clientSeq int64, txID string) error {
	key := confirmKey(senderID, clientSeq)
	if err := e.markKey(ctx, key); err != nil {
		return err
	}

	var keys []string
	_ = e.txStore.Get(ctx, txKey(txID), &keys) // absent is fine, we start fresh
	keys = append(keys, key)
	if err := e.txStore.Set(ctx, txKey(txID), keys, e.txTTL); err != nil {
		return appErrors.Wrap(err, "failed to stage dedupe transaction")
	}
	return nil
}

// CommitTx clears the transaction's staging record; the filter and
// confirmation-set entries it wrote stay in place permanently.
func (e *Engine) CommitTx(ctx context.Context, txID string) error {
	if err := e.txStore.Delete(ctx, txKey(txID)); err != nil {
		return appErrors.Wrap(err, "failed to clear dedupe transaction")
	}
	return nil
}

// RollbackTx removes the transaction's confirmation-set entries. The filter
// bits are intentionally left set (bloom filters cannot delete); this can
// only increase the false-positive rate, never cause a false negative, and
// is corrected by the next Rebuild.
func (e *Engine) RollbackTx(ctx context.Context, txID string) error {
	var keys []string
	err := e.txStore.Get(ctx, txKey(txID), &keys)
	if appErrors.Is(err, appErrors.CodeNotFound) {
		return nil
	}
	if err != nil {
		return appErrors.Wrap(err, "failed to read dedupe transaction")
	}

	for _, key := range keys {
		if err := e.confirmed.Delete(ctx, key); err != nil {
			return appErrors.Wrap(err, "failed to roll back dedupe confirmation")
		}
		if _, loaded := e.keyIndex.LoadAndDelete(key); loaded {
			atomic.AddInt64(&e.confirmedCount, -1)
		}
	}
	return e.txStore.Delete(ctx, txKey(txID))
}

// Rebuild reconstructs the filter from the confirmation set, the recovery
// path for a bloom filter's inability to delete.
func (e *Engine) Rebuild(ctx context.Context) error {
	fresh := bloomfilter.New(e.expectedElements, e.falsePositiveRate)
	var stale []string

	e.keyIndex.Range(func(k, _ interface{}) bool {
		key := k.(string)
		var confirmed bool
		err := e.confirmed.Get(ctx, key, &confirmed)
		if err != nil || !confirmed {
			stale = append(stale, key)
			return true
		}
		fresh.AddString(key)
		return true
	})

	for _, key := range stale {
		if _, loaded := e.keyIndex.LoadAndDelete(key); loaded {
			atomic.AddInt64(&e.confirmedCount, -1)
		}
	}

	e.mu.Lock()
	e.filter = fresh
	e.mu.Unlock()
	return nil
}

// MaybeAutoRebuild triggers Rebuild when the estimated false-positive rate
// has drifted past threshold.
func (e *Engine) MaybeAutoRebuild(ctx context.Context) error {
	if e.Stats().EstimatedFPR <= rebuildFPRThreshold {
		return nil
	}
	return e.Rebuild(ctx)
}

// Stats reports filter size, confirmed-key count and estimated FPR.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	// Bit count of a filter that bloomfilter.New sizes for these parameters.
	bits := uint(math.Ceil(-float64(e.expectedElements) * math.Log(e.falsePositiveRate) / (math.Ln2 * math.Ln2)))
	return Stats{
		FilterBits:     bits,
		ConfirmedCount: int(atomic.LoadInt64(&e.confirmedCount)),
		EstimatedFPR:   e.filter.EstimatedFalsePositiveRate(),
	}
}
