package sync

import (
	"strings"
	"sync"

	"github.com/TheEntropyCollective/docsync/pkg/model"
)

// PathLocks coordinates the workers touching the same local paths. A soft
// lock marks a path as being worked on, readonly locks count how many
// workers temporarily made a protected item writable.
type PathLocks struct {
	mu       sync.Mutex
	soft     map[string]int64
	readonly map[string]*readonlyLock
}

type readonlyLock struct {
	count  int
	locked int
}

// NewPathLocks creates an empty lock table
func NewPathLocks() *PathLocks {
	return &PathLocks{
		soft:     make(map[string]int64),
		readonly: make(map[string]*readonlyLock),
	}
}

func lockKey(path string) string {
	return strings.ToLower(path)
}

// LockSoft takes the soft lock of path for workerID. It fails with
// ErrPairInterrupt when another worker holds path, one of its ancestors or
// one of its descendants.
func (l *PathLocks) LockSoft(path string, workerID int64) error {
	key := lockKey(path)

	l.mu.Lock()
	defer l.mu.Unlock()
	for held, owner := range l.soft {
		if owner == workerID {
			continue
		}
		if held == key || model.IsDescendant(held, key) || model.IsDescendant(key, held) {
			return ErrPairInterrupt
		}
	}
	l.soft[key] = workerID
	return nil
}

// UnlockSoft releases the soft lock of path
func (l *PathLocks) UnlockSoft(path string) {
	l.mu.Lock()
	delete(l.soft, lockKey(path))
	l.mu.Unlock()
}

// IsLocked reports whether a worker holds the soft lock of path
func (l *PathLocks) IsLocked(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.soft[lockKey(path)]
	return ok
}

// UnlockReadonly makes path writable for the caller. Only the first of
// concurrent callers runs unlock, its result is kept for the last
// LockReadonly.
func (l *PathLocks) UnlockReadonly(path string, unlock func() int) {
	key := lockKey(path)

	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.readonly[key]; ok {
		entry.count++
		return
	}
	l.readonly[key] = &readonlyLock{count: 1, locked: unlock()}
}

// LockReadonly releases the caller's hold on path, the last one restores
// the protection with lock
func (l *PathLocks) LockReadonly(path string, lock func(locked int)) {
	key := lockKey(path)

	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.readonly[key]
	if !ok {
		return
	}
	entry.count--
	if entry.count > 0 {
		return
	}
	delete(l.readonly, key)
	lock(entry.locked)
}

// ReadonlyHolders returns how many callers hold path writable
func (l *PathLocks) ReadonlyHolders(path string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.readonly[lockKey(path)]; ok {
		return entry.count
	}
	return 0
}
