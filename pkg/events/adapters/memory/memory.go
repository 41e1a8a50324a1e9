// Package memory provides an in-process implementation of events.Bus.
package memory

import (
	"context"
	"sync"

	"github.com/coreim/messaging-core/pkg/events"
	"github.com/coreim/messaging-core/pkg/logger"
)

// Bus dispatches events asynchronously to every handler subscribed on a topic,
// each on its own goroutine, so a slow handler never blocks Publish's caller
// or siblings subscribed to the same topic.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]events.Handler
	closed   bool
}

func New() *Bus {
	return &Bus{handlers: make(map[string][]events.Handler)}
}

func (b *Bus) Subscribe(ctx context.Context, topic string, handler events.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
	return nil
}

func (b *Bus) Publish(ctx context.Context, topic string, event events.Event) error {
	b.mu.RLock()
	handlers := append([]events.Handler(nil), b.handlers[topic]...)
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return nil
	}

	for _, h := range handlers {
		h := h
		go func() {
			if err := h(ctx, event); err != nil {
				logger.L().ErrorContext(ctx, "event handler failed", "topic", topic, "event_type", event.Type, "error", err)
			}
		}()
	}
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string][]events.Handler)
	return nil
}
