// Package sequence issues monotone per-conversation ordinals.
package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/coreim/messaging-core/pkg/cache"
	"github.com/coreim/messaging-core/pkg/errors"
)

const defaultTTL = 30 * 24 * time.Hour

// Service issues strictly-increasing ordinals backed by a shared counter
// store, so horizontal scaling never desynchronizes it.
type Service struct {
	cache cache.Cache
	ttl   time.Duration
}

func New(c cache.Cache) *Service {
	return &Service{cache: c, ttl: defaultTTL}
}

func key(conversationID string) string {
	return fmt.Sprintf("seq:%s", conversationID)
}

// NextSeq returns a value strictly greater than every prior value returned
// for conversationID.
func (s *Service) NextSeq(ctx context.Context, conversationID string) (int64, error) {
	v, err := s.cache.Incr(ctx, key(conversationID), 1)
	if err != nil {
		return 0, errors.New(errors.CodeUnavailable, "sequence counter unreachable", err)
	}
	return v, nil
}

// NextSeqs atomically reserves n contiguous increasing integers and returns
// them as a slice, the low end first.
func (s *Service) NextSeqs(ctx context.Context, conversationID string, n int64) ([]int64, error) {
	if n <= 0 {
		return nil, nil
	}
	last, err := s.cache.Incr(ctx, key(conversationID), n)
	if err != nil {
		return nil, errors.New(errors.CodeUnavailable, "sequence counter unreachable", err)
	}
	out := make([]int64, n)
	start := last - n + 1
	for i := int64(0); i < n; i++ {
		out[i] = start + i
	}
	return out, nil
}

// CurrentSeq returns the highest value issued so far without advancing the
// counter, by incrementing by zero.
func (s *Service) CurrentSeq(ctx context.Context, conversationID string) (int64, error) {
	v, err := s.cache.Incr(ctx, key(conversationID), 0)
	if err != nil {
		return 0, errors.New(errors.CodeUnavailable, "sequence counter unreachable", err)
	}
	return v, nil
}

// Reset administratively sets the counter to n (e.g. after a repair scan
// reconciling against max(seq) in the Message store).
func (s *Service) Reset(ctx context.Context, conversationID string, n int64) error {
	if err := s.cache.Set(ctx, key(conversationID), n, s.ttl); err != nil {
		return errors.New(errors.CodeUnavailable, "failed to reset sequence counter", err)
	}
	return nil
}

// Delete removes the counter entirely.
func (s *Service) Delete(ctx context.Context, conversationID string) error {
	if err := s.cache.Delete(ctx, key(conversationID)); err != nil {
		return errors.New(errors.CodeUnavailable, "failed to delete sequence counter", err)
	}
	return nil
}
