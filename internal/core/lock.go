package core

import (
	"context"
	"sync"
)

// SinglePermitLock is a reusable single-slot mutex built from a completion
// channel. At most one pending slot exists at any time; waiters block on it
// until the holder releases.
//
// Unlike sync.Mutex it can be waited on without acquiring, waited on with a
// context, and released by a different goroutine than the one that locked it.
type SinglePermitLock struct {
	mu      sync.Mutex
	pending *permitSlot // nil when free
	last    error
}

type permitSlot struct {
	done   chan struct{}
	result error
}

func NewSinglePermitLock() *SinglePermitLock {
	return &SinglePermitLock{}
}

// WaitForRelease returns when the current holder releases, or immediately
// when the lock is free. The returned error is the result the holder released
// with, or ctx.Err() if ctx ends first.
func (l *SinglePermitLock) WaitForRelease(ctx context.Context) error {
	l.mu.Lock()
	slot := l.pending
	l.mu.Unlock()
	if slot == nil {
		return nil
	}
	select {
	case <-slot.done:
		return slot.result
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryLock creates a new pending slot if the lock is free.
func (l *SinglePermitLock) TryLock() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending != nil {
		return false
	}
	l.pending = &permitSlot{done: make(chan struct{})}
	return true
}

// Acquire waits until the lock is free and takes it.
func (l *SinglePermitLock) Acquire(ctx context.Context) error {
	for {
		if l.TryLock() {
			return nil
		}
		if err := l.WaitForRelease(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Release resolves the pending slot with result and frees the lock.
// Releasing a free lock is a no-op.
func (l *SinglePermitLock) Release(result error) {
	l.mu.Lock()
	slot := l.pending
	l.pending = nil
	if slot != nil {
		l.last = result
	}
	l.mu.Unlock()
	if slot == nil {
		return
	}
	slot.result = result
	close(slot.done)
}

// Abandon frees the lock without recording a result: waiters receive the
// previous result and Result is unchanged. Abandoning a free lock is a no-op.
func (l *SinglePermitLock) Abandon() {
	l.mu.Lock()
	slot := l.pending
	l.pending = nil
	last := l.last
	l.mu.Unlock()
	if slot == nil {
		return
	}
	slot.result = last
	close(slot.done)
}

// Locked reports whether a slot is pending.
func (l *SinglePermitLock) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending != nil
}

// Result returns the result of the most recent release.
func (l *SinglePermitLock) Result() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}
