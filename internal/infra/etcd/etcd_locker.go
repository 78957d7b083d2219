// internal/infra/etcd/etcd_locker.go
package etcd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pds/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const (
	// LockPrefix 定义了 etcd 中分布式锁的根路径
	LockPrefix = "/pds/locks/"
	// LockSessionTTL 定义了锁会话的 TTL，进程失联后锁在 TTL 后释放
	LockSessionTTL = 10 // seconds
	lockTryTimeout = 100 * time.Millisecond
)

// EtcdLocker guards the trigger of servers sharing one etcd repository.
// All locks of one locker share a session that is re-created once its lease
// expired.
type EtcdLocker struct {
	client *clientv3.Client

	mu      sync.Mutex
	session *concurrency.Session
}

// NewEtcdLocker 创建一个新的 EtcdLocker 实例
func NewEtcdLocker(client *clientv3.Client) *EtcdLocker {
	return &EtcdLocker{client: client}
}

func (l *EtcdLocker) currentSession() (*concurrency.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session != nil {
		select {
		case <-l.session.Done():
			l.session = nil
		default:
			return l.session, nil
		}
	}
	s, err := concurrency.NewSession(l.client, concurrency.WithTTL(LockSessionTTL))
	if err != nil {
		return nil, err
	}
	l.session = s
	return s, nil
}

// Lock 尝试获取锁，锁已被持有时立即返回 ErrLockNotAcquired
func (l *EtcdLocker) Lock(ctx context.Context, name string) (domain.Lock, error) {
	session, err := l.currentSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd session for lock %s: %w", name, err)
	}

	mutex := concurrency.NewMutex(session, LockPrefix+name)
	tryCtx, cancel := context.WithTimeout(ctx, lockTryTimeout)
	defer cancel()

	switch err := mutex.TryLock(tryCtx); {
	case err == nil:
		return &etcdLock{mutex: mutex, name: name}, nil
	case errors.Is(err, concurrency.ErrLocked), errors.Is(err, context.DeadlineExceeded):
		return nil, domain.ErrLockNotAcquired
	default:
		return nil, fmt.Errorf("failed to try acquiring etcd lock %s: %w", name, err)
	}
}

// Close revokes the shared session, releasing every lock still held.
func (l *EtcdLocker) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return nil
	}
	err := l.session.Close()
	l.session = nil
	return err
}

type etcdLock struct {
	mutex *concurrency.Mutex
	name  string
}

func (l *etcdLock) Unlock(ctx context.Context) error {
	if err := l.mutex.Unlock(ctx); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.name, err)
	}
	return nil
}
