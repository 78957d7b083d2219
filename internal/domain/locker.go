// internal/domain/locker.go
package domain

import (
	"context"
	"errors"
)

// ErrLockNotAcquired is returned when a lock cannot be acquired, for example,
// if it's already held by another server.
var ErrLockNotAcquired = errors.New("lock not acquired")

// Lock represents an acquired lock.
type Lock interface {
	// Unlock releases the lock.
	Unlock(ctx context.Context) error
}

// Locker guards the trigger so that servers sharing one repository never
// claim the same job twice.
type Locker interface {
	// Lock attempts to acquire a lock for the given name.
	// It must not block: if the lock is already held, it returns ErrLockNotAcquired.
	Lock(ctx context.Context, name string) (Lock, error)
}
