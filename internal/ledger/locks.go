package ledger

import "sync"

// userLocks hands out one mutex per user. Entries are reference counted and
// dropped when the last holder unlocks, so the map only holds active users.
type userLocks struct {
	mu    sync.Mutex
	locks map[int64]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[int64]*userLock)}
}

// lock blocks until userID's mutex is held and returns its release func.
func (l *userLocks) lock(userID int64) func() {
	l.mu.Lock()
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.mu.Lock()

	return func() {
		ul.mu.Unlock()

		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}

// active reports how many users currently hold or wait on a lock.
func (l *userLocks) active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
