package locking

import "sync"

// MemLock is a Group implementation that uses in-memory locks (mutexes) for mutual
// exclusion. It only works within a single worker process; two workers sharing a
// disk cache directory need FileLock instead. Locks are reference counted so keys
// that are no longer contended do not pin memory.
type MemLock struct {
	sync.Mutex
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

func (s *MemLock) DoWithLock(key string, fn func() error) error {
	s.Lock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &refLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.Unlock()

	lock.Lock()
	defer func() {
		lock.Unlock()
		s.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.Unlock()
	}()
	return fn()
}

// held reports how many keys currently have waiters or holders.
func (s *MemLock) held() int {
	s.Lock()
	defer s.Unlock()
	return len(s.locks)
}
