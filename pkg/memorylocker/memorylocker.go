// Package memorylocker provides an in-memory locking mechanism.
//
// When multiple requests are attempting to access an upload, whether it be
// by reading or writing, a synchronization mechanism is required to prevent
// data corruption, especially to ensure correct offset values and the proper
// order of chunks inside a single upload.
//
// MemoryLocker persists locks using memory and therefore allowing a simple and
// cheap mechanism. Locks will only exist as long as this object is kept in
// reference and will be erased if the program exits. Use pkg/filelocker or
// pkg/redislocker if several processes serve the same upload directory.
package memorylocker

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/tusdisk/tusdisk/pkg/handler"
)

// MemoryLocker keeps one entry per upload ID which is currently locked or
// waited for. Locks on different IDs never block each other.
type MemoryLocker struct {
	locks map[string]*lockEntry
	mutex sync.Mutex
}

type lockEntry struct {
	sem *semaphore.Weighted
	// refs counts the holder and all waiters. The entry is removed from the
	// map once it drops to zero.
	refs int
	// requestRelease belongs to the current holder.
	requestRelease func()
}

// New creates a new in-memory locker.
func New() *MemoryLocker {
	return &MemoryLocker{
		locks: make(map[string]*lockEntry),
	}
}

// UseIn adds this locker to the passed composer.
func (locker *MemoryLocker) UseIn(composer *handler.StoreComposer) {
	composer.UseLocker(locker)
}

func (locker *MemoryLocker) NewLock(id string) (handler.Lock, error) {
	return &memoryLock{locker: locker, id: id}, nil
}

// release drops one reference from entry. Must be called with the mutex held.
func (locker *MemoryLocker) release(id string, entry *lockEntry) {
	entry.refs--
	if entry.refs == 0 && locker.locks[id] == entry {
		delete(locker.locks, id)
	}
}

type memoryLock struct {
	locker *MemoryLocker
	id     string
	// entry is set while the lock is held.
	entry *lockEntry
}

// Lock tries to obtain the exclusive lock. Waiters are served in the order in
// which they arrived.
func (lock *memoryLock) Lock(ctx context.Context, requestRelease func()) error {
	locker := lock.locker

	locker.mutex.Lock()
	entry, ok := locker.locks[lock.id]
	if !ok {
		entry = &lockEntry{sem: semaphore.NewWeighted(1)}
		locker.locks[lock.id] = entry
	}
	entry.refs++

	if entry.sem.TryAcquire(1) {
		entry.requestRelease = requestRelease
		locker.mutex.Unlock()
		lock.entry = entry
		return nil
	}

	holderRelease := entry.requestRelease
	locker.mutex.Unlock()

	// The callback may call Unlock on the holder's lock, so it must run
	// without the mutex.
	if holderRelease != nil {
		holderRelease()
	}

	if err := entry.sem.Acquire(ctx, 1); err != nil {
		locker.mutex.Lock()
		locker.release(lock.id, entry)
		locker.mutex.Unlock()
		return handler.ErrLockTimeout
	}

	locker.mutex.Lock()
	entry.requestRelease = requestRelease
	locker.mutex.Unlock()

	lock.entry = entry
	return nil
}

// Unlock releases a lock. If the lock is not held, no error will be returned.
func (lock *memoryLock) Unlock() error {
	entry := lock.entry
	if entry == nil {
		return nil
	}
	lock.entry = nil

	lock.locker.mutex.Lock()
	entry.requestRelease = nil
	entry.sem.Release(1)
	lock.locker.release(lock.id, entry)
	lock.locker.mutex.Unlock()

	return nil
}
