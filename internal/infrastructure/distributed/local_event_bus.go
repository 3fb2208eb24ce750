package distributed

import (
	"context"
	"errors"
	"sync"

	"remotelink/internal/core/domain"

	"go.uber.org/zap"
)

const localSubscriberBuffer = 128

// LocalEventBus delivers events to subscribers of the same process.
type LocalEventBus struct {
	mu     sync.RWMutex
	subs   map[int]chan domain.SessionEvent
	nextID int
	closed bool
	done   chan struct{}
	logger *zap.SugaredLogger
}

func NewLocalEventBus(logger *zap.SugaredLogger) *LocalEventBus {
	return &LocalEventBus{
		subs:   make(map[int]chan domain.SessionEvent),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Publish never blocks; a subscriber whose buffer is full misses the event.
func (b *LocalEventBus) Publish(ctx context.Context, event domain.SessionEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.New("event bus closed")
	}
	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.logger.Warnw("event subscriber is slow, dropping event",
				"subscriber", id,
				"type", event.Type,
				"session_code", event.Code,
			)
		}
	}
	return nil
}

func (b *LocalEventBus) Subscribe(ctx context.Context, handler func(domain.SessionEvent)) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("event bus closed")
	}
	id := b.nextID
	b.nextID++
	ch := make(chan domain.SessionEvent, localSubscriberBuffer)
	b.subs[id] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return nil
		case ev := <-ch:
			handler(ev)
		}
	}
}

func (b *LocalEventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
