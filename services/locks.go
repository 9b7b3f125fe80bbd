package services

import (
	"sort"
	"sync"
)

// boardLocks hands out one mutex per board id. Entries are reference
// counted and dropped once nobody holds or waits for them.
type boardLocks struct {
	mu    sync.Mutex
	locks map[string]*boardLock
}

type boardLock struct {
	sync.Mutex
	refs int
}

func newBoardLocks() *boardLocks {
	return &boardLocks{locks: make(map[string]*boardLock)}
}

// Lock acquires every board in ids in sorted order and returns the release
// func. Duplicate and empty ids are ignored.
func (l *boardLocks) Lock(ids ...string) (unlock func()) {
	keys := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		keys = append(keys, id)
	}
	sort.Strings(keys)

	held := make([]*boardLock, 0, len(keys))
	for _, key := range keys {
		l.mu.Lock()
		bl, ok := l.locks[key]
		if !ok {
			bl = &boardLock{}
			l.locks[key] = bl
		}
		bl.refs++
		l.mu.Unlock()

		bl.Lock()
		held = append(held, bl)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
		l.mu.Lock()
		for i, key := range keys {
			held[i].refs--
			if held[i].refs == 0 {
				delete(l.locks, key)
			}
		}
		l.mu.Unlock()
	}
}

func (l *boardLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
