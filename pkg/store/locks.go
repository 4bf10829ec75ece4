package store

import (
	"context"
	"fmt"
	"sync"

	"schemaver/pkg/dberrors"
	"schemaver/pkg/types"
)

type tableLock struct {
	readers map[uint64]struct{}
	writer  uint64
}

// lockManager grants table level read/write locks to transactions. Locks are
// held until the owning transaction ends; waiters give up when their context
// is done, which is how deadlocks get broken.
type lockManager struct {
	mu      sync.Mutex
	locks   map[string]*tableLock
	changed chan struct{}
}

func newLockManager() *lockManager {
	return &lockManager{
		locks:   make(map[string]*tableLock),
		changed: make(chan struct{}),
	}
}

func (lm *lockManager) acquire(ctx context.Context, table string, tx uint64, mode types.LockMode) error {
	for {
		lm.mu.Lock()
		if lm.tryGrant(table, tx, mode) {
			lm.mu.Unlock()
			return nil
		}
		wait := lm.changed
		lm.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return fmt.Errorf("%s lock on %q: %w", mode, table, dberrors.ErrTimeout)
		}
	}
}

// must be called with lm.mu held
func (lm *lockManager) tryGrant(table string, tx uint64, mode types.LockMode) bool {
	l, ok := lm.locks[table]
	if !ok {
		l = &tableLock{readers: make(map[uint64]struct{})}
		lm.locks[table] = l
	}

	if l.writer != 0 && l.writer != tx {
		return false
	}

	switch mode {
	case types.ReadLock:
		if l.writer != tx {
			l.readers[tx] = struct{}{}
		}
		return true
	case types.WriteLock:
		for r := range l.readers {
			if r != tx {
				return false
			}
		}
		delete(l.readers, tx)
		l.writer = tx
		return true
	}
	return false
}

// releaseAll drops every lock owned by tx and wakes up waiters.
func (lm *lockManager) releaseAll(tx uint64) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for name, l := range lm.locks {
		delete(l.readers, tx)
		if l.writer == tx {
			l.writer = 0
		}
		if l.writer == 0 && len(l.readers) == 0 {
			delete(lm.locks, name)
		}
	}
	close(lm.changed)
	lm.changed = make(chan struct{})
}

// holder reports the write lock owner of table, 0 when free.
func (lm *lockManager) holder(table string) uint64 {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if l, ok := lm.locks[table]; ok {
		return l.writer
	}
	return 0
}
