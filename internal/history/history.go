// Package history serves cursor-paginated conversation history, keyword
// search and per-user stats, scoped to the caller's participation set. It
// sits above the message store and adds the membership-aware scoping the
// store alone cannot enforce.
package history

import (
	"context"
	"encoding/base64"
	"strconv"
	"time"

	"github.com/coreim/messaging-core/internal/membership"
	"github.com/coreim/messaging-core/internal/model"
	"github.com/coreim/messaging-core/internal/store"
	appErrors "github.com/coreim/messaging-core/pkg/errors"
)

const (
	defaultLimit = 50
	maxLimit     = 100
)

// Page is a cursor-paginated result set; NextCursor is empty when no more
// rows exist in the requested direction.
type Page struct {
	Messages   []model.Message
	NextCursor string
}

// Service answers history, search and stats queries.
type Service struct {
	messages *store.MessageStore
	members  membership.Store
}

func New(messages *store.MessageStore, members membership.Store) *Service {
	return &Service{messages: messages, members: members}
}

// EncodeCursor opaquely encodes a boundary row's createdAt.
func EncodeCursor(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(t.UnixNano(), 10)))
}

// DecodeCursor reverses EncodeCursor; an empty cursor decodes to the zero
// time, meaning "from the most recent" (before) or "from the oldest" (after).
func DecodeCursor(cursor string) (time.Time, error) {
	if cursor == "" {
		return time.Time{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, appErrors.New(appErrors.CodeInvalidArgument, "malformed cursor", err)
	}
	nanos, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, appErrors.New(appErrors.CodeInvalidArgument, "malformed cursor", err)
	}
	return time.Unix(0, nanos), nil
}

// History returns a cursor-paginated page for (userID, peerID, kind),
// enforcing the limit cap of 100 (default 50). Group history requires the
// caller to be a currently-joined member.
func (s *Service) History(ctx context.Context, userID, peerID string, kind model.ConversationKind, cursor string, direction store.HistoryDirection, limit int) (*Page, error) {
	if kind == model.KindGroup {
		if err := s.requireJoined(ctx, userID, peerID); err != nil {
			return nil, err
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	boundary, err := DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	rows, err := s.messages.History(userID, peerID, kind, boundary, direction, limit+1)
	if err != nil {
		return nil, err
	}

	page := &Page{Messages: rows}
	if len(rows) > limit {
		page.Messages = rows[:limit]
		page.NextCursor = EncodeCursor(page.Messages[len(page.Messages)-1].CreatedAt)
	}
	return page, nil
}

func (s *Service) requireJoined(ctx context.Context, userID, groupID string) error {
	member, err := s.members.Member(ctx, groupID, userID)
	if err != nil {
		return err
	}
	if member == nil || member.Status != model.MemberStatusJoined {
		return appErrors.New(appErrors.CodePermissionDenied, "caller is not a joined member of this group", nil)
	}
	return nil
}

// SearchResult is the outcome of a keyword search.
type SearchResult struct {
	Messages []model.Message
	Total    int
}

// Search matches a substring against each message's serialized content (its
// JSON keys as well as its text), scoped to
// the caller's own single-chats and the groups in groupIDs the caller is
// currently a joined member of.
func (s *Service) Search(ctx context.Context, userID string, groupIDs []string, keyword string, limit int) (*SearchResult, error) {
	allowed := make([]string, 0, len(groupIDs))
	for _, g := range groupIDs {
		if err := s.requireJoined(ctx, userID, g); err == nil {
			allowed = append(allowed, g)
		}
	}

	rows, err := s.messages.SearchKeyword(userID, allowed, keyword, limit)
	if err != nil {
		return nil, err
	}
	return &SearchResult{Messages: rows, Total: len(rows)}, nil
}

// Stats aggregates per-user/type sent and received counts over [from, to],
// both ends inclusive.
func (s *Service) Stats(ctx context.Context, userID string, from, to time.Time) ([]store.StatBucket, error) {
	return s.messages.Stats(userID, from, to)
}
