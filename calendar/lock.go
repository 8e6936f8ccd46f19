package calendar

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// TUTOR LOCKS - Keyed mutual exclusion with bounded wait
// =============================================================================

// TutorLocks hands out one exclusive lock per tutor ID. Unlike sync.Mutex,
// acquisition can give up after a timeout or on context cancellation.
// Entries are reference counted and dropped once nobody holds or waits.
//
// Used by stores without a database-level lock primitive (memory, SQLite).
type TutorLocks struct {
	mu    sync.Mutex
	locks map[TutorID]*tutorLock
}

type tutorLock struct {
	ch   chan struct{} // buffered(1): a token in the channel means "held"
	refs int
}

func NewTutorLocks() *TutorLocks {
	return &TutorLocks{locks: make(map[TutorID]*tutorLock)}
}

// Acquire blocks until the lock for tutorID is held, wait elapses
// (ErrLockTimeout) or ctx is done (ctx.Err()). wait <= 0 means no bound
// other than ctx. On success the returned func releases the lock.
func (l *TutorLocks) Acquire(ctx context.Context, tutorID TutorID, wait time.Duration) (func(), error) {
	entry := l.ref(tutorID)

	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case entry.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-entry.ch
				l.unref(tutorID)
			})
		}, nil
	case <-timeout:
		l.unref(tutorID)
		return nil, ErrLockTimeout
	case <-ctx.Done():
		l.unref(tutorID)
		return nil, ctx.Err()
	}
}

// Len returns the number of tutors with a held or awaited lock.
func (l *TutorLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *TutorLocks) ref(tutorID TutorID) *tutorLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.locks[tutorID]
	if !ok {
		entry = &tutorLock{ch: make(chan struct{}, 1)}
		l.locks[tutorID] = entry
	}
	entry.refs++
	return entry
}

func (l *TutorLocks) unref(tutorID TutorID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.locks[tutorID]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, tutorID)
	}
}
