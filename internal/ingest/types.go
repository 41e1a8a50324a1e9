package ingest

import "github.com/coreim/messaging-core/internal/model"

// SendRequest is the transport-agnostic ingest API input. The
// struct tags carry the structural checks (required fields, enum
// membership); the orchestrator layers the cross-field rules (exactly one
// of ToUserID/GroupID) on top, since those don't reduce to a single tag.
type SendRequest struct {
	UUID            string            `validate:"omitempty,uuid4"`
	Type            model.MessageType `validate:"required"`
	Content         model.Content
	FromUserID      string `validate:"required"`
	ToUserID        string
	GroupID         string
	ReplyToID       string
	ForwardFromID   string
	ClientSeq       *int64
	Extra           map[string]any
	NeedReadReceipt bool
}

// SendResult is the collapsed outcome of every ingest operation;
// the orchestrator never lets an error propagate past this boundary.
type SendResult struct {
	Success     bool
	Message     *model.Message
	Error       string
	IsDuplicate bool
}
