package ranking

import (
	"context"
	"sync"

	"github.com/hypertrophy-rankings/internal/domain"
)

// BoardLocker serializes rank passes of one board. Implementations may span
// processes.
type BoardLocker interface {
	// Lock blocks until the board is held or ctx is done. The returned
	// function releases it.
	Lock(ctx context.Context, board domain.Board) (func(), error)
}

// LocalLocker is a per-process BoardLocker.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[domain.Board]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[domain.Board]chan struct{})}
}

func (l *LocalLocker) Lock(ctx context.Context, board domain.Board) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[board]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[board] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
