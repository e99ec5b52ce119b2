package rotation

import "sync"

// familyLocks is a keyed mutex. Entries are dropped once no goroutine holds
// or waits for them.
type familyLocks struct {
	mu    sync.Mutex
	locks map[string]*familyLock
}

type familyLock struct {
	mu   sync.Mutex
	refs int
}

// lock blocks until familyID is free and returns the matching unlock.
func (l *familyLocks) lock(familyID string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*familyLock)
	}
	fl, ok := l.locks[familyID]
	if !ok {
		fl = &familyLock{}
		l.locks[familyID] = fl
	}
	fl.refs++
	l.mu.Unlock()

	fl.mu.Lock()

	return func() {
		fl.mu.Unlock()

		l.mu.Lock()
		fl.refs--
		if fl.refs == 0 {
			delete(l.locks, familyID)
		}
		l.mu.Unlock()
	}
}

// len returns the number of families currently locked or waited on.
func (l *familyLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
