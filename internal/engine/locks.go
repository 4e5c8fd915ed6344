package engine

import "sync"

// runLocks serializes advancement per run ID. Two goroutines advancing the
// same run (an approval decision and the delay poller, say) take turns;
// different runs never contend.
type runLocks struct {
	mu    sync.Mutex
	locks map[string]*runLock
}

type runLock struct {
	mu   sync.Mutex
	refs int
}

func newRunLocks() *runLocks {
	return &runLocks{locks: make(map[string]*runLock)}
}

// acquire blocks until the lock for runID is held. The returned function
// releases it. Entries are reference-counted so the map does not grow with
// the number of runs ever seen.
func (l *runLocks) acquire(runID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[runID]
	if !ok {
		entry = &runLock{}
		l.locks[runID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, runID)
		}
		l.mu.Unlock()
	}
}
