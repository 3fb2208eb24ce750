package services

import (
	"fmt"
	"sync"

	"remotelink/internal/core/domain"

	"go.uber.org/zap"
)

// eventQueue delivers connection events in order on a single goroutine.
// The queue is unbounded so producers never block; it stops after the
// closed event has been delivered.
type eventQueue struct {
	logger *zap.SugaredLogger

	mu     sync.Mutex
	items  []domain.ConnectionEvent
	subs   map[int]func(domain.ConnectionEvent)
	nextID int
	notify chan struct{}
	done   chan struct{}
}

func newEventQueue(logger *zap.SugaredLogger) *eventQueue {
	q := &eventQueue{
		logger: logger,
		subs:   make(map[int]func(domain.ConnectionEvent)),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *eventQueue) subscribe(fn func(domain.ConnectionEvent)) func() {
	q.mu.Lock()
	id := q.nextID
	q.nextID++
	q.subs[id] = fn
	q.mu.Unlock()
	return func() {
		q.mu.Lock()
		delete(q.subs, id)
		q.mu.Unlock()
	}
}

func (q *eventQueue) push(ev domain.ConnectionEvent) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	defer close(q.done)
	for range q.notify {
		for {
			q.mu.Lock()
			if len(q.items) == 0 {
				q.mu.Unlock()
				break
			}
			ev := q.items[0]
			q.items = q.items[1:]
			subs := make([]func(domain.ConnectionEvent), 0, len(q.subs))
			for _, fn := range q.subs {
				subs = append(subs, fn)
			}
			q.mu.Unlock()

			for _, fn := range subs {
				q.deliver(fn, ev)
			}
			if ev.Phase == domain.PhaseClosed {
				return
			}
		}
	}
}

func (q *eventQueue) deliver(fn func(domain.ConnectionEvent), ev domain.ConnectionEvent) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Errorw("connection event subscriber panicked",
				"phase", ev.Phase,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	fn(ev)
}
