package engine

import "sync"

// taskLocks is a keyed mutex serializing every action on one chore.
type taskLocks struct {
	mu sync.Mutex
	m  map[string]*taskLock
}

type taskLock struct {
	mu   sync.Mutex
	refs int
}

func newTaskLocks() *taskLocks {
	return &taskLocks{m: map[string]*taskLock{}}
}

func (l *taskLocks) entry(id string) *taskLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.m[id]
	if !ok {
		e = &taskLock{}
		l.m[id] = e
	}
	e.refs++
	return e
}

func (l *taskLocks) release(id string, e *taskLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.m, id)
	}
}

// lock blocks until id is free and returns the unlock func.
func (l *taskLocks) lock(id string) func() {
	e := l.entry(id)
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.release(id, e)
	}
}

// tryLock returns false without waiting when id is held.
func (l *taskLocks) tryLock(id string) (func(), bool) {
	e := l.entry(id)
	if !e.mu.TryLock() {
		l.release(id, e)
		return nil, false
	}
	return func() {
		e.mu.Unlock()
		l.release(id, e)
	}, true
}
