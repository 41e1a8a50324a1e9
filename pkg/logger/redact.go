package logger

import (
	"context"
	"log/slog"
	"regexp"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	ccPattern    = regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`)
)

// sensitiveKeys are attribute keys whose values are always redacted
// regardless of content (the value is replaced wholesale).
var sensitiveKeys = map[string]bool{
	"password":    true,
	"token":       true,
	"secret":      true,
	"authorization": true,
	"jwt_secret":  true,
}

// RedactHandler scrubs common PII patterns (emails, card numbers) and
// known-sensitive keys from log attributes before passing them downstream.
type RedactHandler struct {
	next slog.Handler
}

func NewRedactHandler(next slog.Handler) *RedactHandler {
	return &RedactHandler{next: next}
}

func (h *RedactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *RedactHandler) Handle(ctx context.Context, r slog.Record) error {
	nr := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		nr.AddAttrs(redactAttr(a))
		return true
	})
	return h.next.Handle(ctx, nr)
}

func redactAttr(a slog.Attr) slog.Attr {
	if sensitiveKeys[a.Key] {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		s := a.Value.String()
		s = emailPattern.ReplaceAllString(s, "[REDACTED_EMAIL]")
		s = ccPattern.ReplaceAllString(s, "[REDACTED_CC]")
		return slog.String(a.Key, s)
	}
	return a
}

func (h *RedactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = redactAttr(a)
	}
	return &RedactHandler{next: h.next.WithAttrs(redacted)}
}

func (h *RedactHandler) WithGroup(name string) slog.Handler {
	return &RedactHandler{next: h.next.WithGroup(name)}
}
