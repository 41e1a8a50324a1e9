package logger

import (
	"context"
	"log/slog"
)

// AsyncHandler buffers records on a channel and drains them on a single
// background goroutine, so that Handle never blocks the caller on the
// underlying writer. When the buffer is full, DropOnFull controls whether
// new records are dropped or the caller blocks.
type AsyncHandler struct {
	next       slog.Handler
	records    chan asyncRecord
	dropOnFull bool
}

type asyncRecord struct {
	ctx context.Context
	r   slog.Record
}

func NewAsyncHandler(next slog.Handler, bufferSize int, dropOnFull bool) *AsyncHandler {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	h := &AsyncHandler{
		next:       next,
		records:    make(chan asyncRecord, bufferSize),
		dropOnFull: dropOnFull,
	}
	go h.loop()
	return h
}

func (h *AsyncHandler) loop() {
	for ar := range h.records {
		_ = h.next.Handle(ar.ctx, ar.r)
	}
}

func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *AsyncHandler) Handle(ctx context.Context, r slog.Record) error {
	rec := asyncRecord{ctx: ctx, r: r.Clone()}
	if h.dropOnFull {
		select {
		case h.records <- rec:
		default:
			// buffer full: drop rather than block the request path
		}
		return nil
	}
	h.records <- rec
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{next: h.next.WithAttrs(attrs), records: h.records, dropOnFull: h.dropOnFull}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{next: h.next.WithGroup(name), records: h.records, dropOnFull: h.dropOnFull}
}
