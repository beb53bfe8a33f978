package locking

import "sync"

// MemLock is a Group implementation that uses in-memory locks (mutexes) for mutual
// exclusion. It only works within a single process and doesn't protect against
// other thumbnailers writing the same cache directory.
//
// Entries are reference counted and dropped once no caller holds or waits on
// them, so browsing a large directory doesn't leave one mutex per file behind.
type MemLock struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func NewMemLock() *MemLock {
	return &MemLock{
		locks: make(map[string]*refLock),
	}
}

func (s *MemLock) DoWithLock(key string, fn func() (interface{}, error)) (interface{}, error) {
	s.mu.Lock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &refLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.Lock()
	defer func() {
		lock.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}()
	return fn()
}

// Len returns the number of keys currently held or waited on.
func (s *MemLock) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
