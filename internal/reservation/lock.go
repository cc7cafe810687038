package reservation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/tablecall/internal/conversation"
)

// Locker is implemented by repositories shared between processes. While the
// lock is held no other booker for the same business and day can run its
// capacity check and insert.
type Locker interface {
	// LockBookings blocks until the lock for businessID on day is free and
	// returns the function that releases it.
	LockBookings(ctx context.Context, businessID string, day time.Time) (unlock func(), err error)
}

// dayLocks serializes bookings of one business and day within the process.
// Engines are built per call, so the locks cannot live on an Engine.
var dayLocks = &keyedLocks{m: make(map[string]*keyedLock)}

type keyedLocks struct {
	mu sync.Mutex
	m  map[string]*keyedLock
}

type keyedLock struct {
	sem  *semaphore.Weighted
	refs int
}

func (l *keyedLocks) lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	k, ok := l.m[key]
	if !ok {
		k = &keyedLock{sem: semaphore.NewWeighted(1)}
		l.m[key] = k
	}
	k.refs++
	l.mu.Unlock()

	if err := k.sem.Acquire(ctx, 1); err != nil {
		l.release(key, k)
		return nil, err
	}
	return func() {
		k.sem.Release(1)
		l.release(key, k)
	}, nil
}

func (l *keyedLocks) release(key string, k *keyedLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if k.refs--; k.refs == 0 {
		delete(l.m, key)
	}
}

// lockBookings holds the process lock and, when the repository offers one,
// the shared lock for the engine's business on day.
func (e *Engine) lockBookings(ctx context.Context, day time.Time) (func(), error) {
	day = conversation.Day(day)
	unlock, err := dayLocks.lock(ctx, e.businessID+"/"+day.Format(time.DateOnly))
	if err != nil {
		return nil, fmt.Errorf("reservation: lock bookings: %w", err)
	}
	l, ok := e.repo.(Locker)
	if !ok {
		return unlock, nil
	}
	release, err := l.LockBookings(ctx, e.businessID, day)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("reservation: lock bookings: %w", err)
	}
	return func() {
		release()
		unlock()
	}, nil
}
