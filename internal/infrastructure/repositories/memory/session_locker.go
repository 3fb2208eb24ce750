package memory

import (
	"context"
	"sync"

	"remotelink/internal/core/domain"
	"remotelink/internal/core/ports"
)

type lockEntry struct {
	sem  chan struct{}
	refs int
}

// KeyedLocker hands out one mutex per session code and forgets it once
// nobody holds or waits for it.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[domain.SessionCode]*lockEntry
}

func NewKeyedLocker() ports.SessionLocker {
	return &KeyedLocker{locks: make(map[domain.SessionCode]*lockEntry)}
}

func (l *KeyedLocker) Lock(ctx context.Context, code domain.SessionCode) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[code]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		l.locks[code] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(code, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.release(code, e)
		})
	}, nil
}

func (l *KeyedLocker) release(code domain.SessionCode, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, code)
	}
}
