// Package lock 提供按业务 key 划分的互斥，用于保护单个订单/退款的状态流转。
package lock

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrNotAcquired 在超时或重试耗尽仍未拿到锁时返回
var ErrNotAcquired = errors.New("lock not acquired")

// Release 释放已获得的锁，可重复调用
type Release func()

// Locker 对同一个 key 的持有者互斥，不同 key 之间互不影响
type Locker interface {
	Acquire(ctx context.Context, key string) (Release, error)
}

// LocalLocker 进程内按 key 互斥，只适合单实例部署。
// 每个 key 独立一把锁，持有 refund 锁时再取 order 锁不会互相阻塞。
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*slot)}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string) (Release, error) {
	s := l.ref(key)
	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(key)
		return nil, errors.Wrapf(ErrNotAcquired, "key %s: %v", key, ctx.Err())
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.unref(key)
		})
	}, nil
}

func (l *LocalLocker) ref(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *LocalLocker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s := l.slots[key]; s != nil {
		s.refs--
		if s.refs == 0 {
			delete(l.slots, key)
		}
	}
}
