// Package limiter provides a counting concurrency limiter whose capacity can be
// changed while permits are held.
//
// Waiters are admitted in FIFO order. Shrinking the capacity never revokes a
// held permit: new grants are withheld until enough permits are released to
// bring the holder count below the new capacity.
package limiter

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrLimiterClosed is returned by Acquire once the limiter is closed
var ErrLimiterClosed = errors.New("limiter closed")

// ErrInvalidCapacity is returned for a capacity below 1
var ErrInvalidCapacity = errors.New("capacity must be at least 1")

type waiter struct {
	ready   chan struct{}
	granted bool
}

// Limiter is a resizable FIFO counting semaphore
type Limiter struct {
	mu       sync.Mutex
	capacity int
	held     int
	waiters  list.List
	closed   bool
}

// New creates a limiter with the given capacity (must be >= 1)
func New(capacity int) (*Limiter, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("limiter capacity %d: %w", capacity, ErrInvalidCapacity)
	}
	return &Limiter{capacity: capacity}, nil
}

// Acquire blocks until a permit is granted, the context is done or the
// limiter is closed.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLimiterClosed
	}
	if l.held < l.capacity && l.waiters.Len() == 0 {
		l.held++
		l.mu.Unlock()
		return nil
	}

	w := &waiter{ready: make(chan struct{})}
	elem := l.waiters.PushBack(w)
	l.mu.Unlock()

	select {
	case <-w.ready:
		if !w.granted {
			return ErrLimiterClosed
		}
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		select {
		case <-w.ready:
			// Granted (or closed) concurrently with the cancellation
			granted := w.granted
			l.mu.Unlock()
			if granted {
				l.Release()
			}
		default:
			l.waiters.Remove(elem)
			// Our departure may unblock the waiter behind us
			l.grantLocked()
			l.mu.Unlock()
		}
		return ctx.Err()
	}
}

// TryAcquire takes a permit without blocking. It fails when waiters are
// queued, so FIFO order is preserved.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || l.held >= l.capacity || l.waiters.Len() > 0 {
		return false
	}
	l.held++
	return true
}

// Release returns a permit and hands it to the oldest waiter if capacity allows
func (l *Limiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held == 0 {
		panic("limiter: release without acquire")
	}
	l.held--
	l.grantLocked()
}

// Resize changes the capacity. Growth wakes waiters immediately; shrink lets
// held permits drain.
func (l *Limiter) Resize(capacity int) error {
	if capacity < 1 {
		return fmt.Errorf("limiter capacity %d: %w", capacity, ErrInvalidCapacity)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.capacity = capacity
	l.grantLocked()
	return nil
}

// Close fails all current and future waiters with ErrLimiterClosed. Held
// permits may still be released.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	for e := l.waiters.Front(); e != nil; e = l.waiters.Front() {
		w := l.waiters.Remove(e).(*waiter)
		close(w.ready)
	}
}

func (l *Limiter) grantLocked() {
	if l.closed {
		return
	}
	for l.held < l.capacity {
		e := l.waiters.Front()
		if e == nil {
			return
		}
		w := l.waiters.Remove(e).(*waiter)
		w.granted = true
		l.held++
		close(w.ready)
	}
}

// Capacity returns the current capacity
func (l *Limiter) Capacity() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capacity
}

// InUse returns the number of held permits
func (l *Limiter) InUse() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Waiting returns the number of queued Acquire calls
func (l *Limiter) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiters.Len()
}

// Available returns how many permits could be granted right now
func (l *Limiter) Available() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held >= l.capacity {
		return 0
	}
	return l.capacity - l.held
}
