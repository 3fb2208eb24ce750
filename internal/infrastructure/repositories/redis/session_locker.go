package redis

import (
	"context"
	"time"

	"remotelink/internal/core/domain"
	"remotelink/internal/core/ports"
	"remotelink/pkg/distributed"
)

const (
	sessionLockTTL  = 5 * time.Second
	sessionLockWait = 5 * time.Second
)

// SessionLocker serializes session mutations across API instances.
type SessionLocker struct {
	locks *distributed.LockManager
}

func NewSessionLocker(locks *distributed.LockManager) ports.SessionLocker {
	return &SessionLocker{locks: locks}
}

func (l *SessionLocker) Lock(ctx context.Context, code domain.SessionCode) (func(), error) {
	lock := l.locks.AcquireLock(string(code), sessionLockTTL)
	if err := lock.LockWithTimeout(ctx, sessionLockWait); err != nil {
		return nil, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = lock.Unlock(ctx)
	}, nil
}
