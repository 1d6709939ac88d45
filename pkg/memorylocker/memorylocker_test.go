package memorylocker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tusdisk/tusdisk/pkg/filestore"
	"github.com/tusdisk/tusdisk/pkg/handler"
)

var _ handler.Locker = &MemoryLocker{}

func TestMemoryLocker_LockAndUnlock(t *testing.T) {
	a := assert.New(t)

	locker := New()

	lock1, err := locker.NewLock("one")
	a.NoError(err)

	a.NoError(lock1.Lock(context.Background(), func() {
		panic("must not be called")
	}))
	a.NoError(lock1.Unlock())

	// Unlocking twice is a no-op
	a.NoError(lock1.Unlock())
	a.Len(locker.locks, 0)
}

func TestMemoryLocker_Timeout(t *testing.T) {
	a := assert.New(t)

	locker := New()
	releaseRequestCalled := false

	lock1, err := locker.NewLock("one")
	a.NoError(err)
	a.NoError(lock1.Lock(context.Background(), func() {
		releaseRequestCalled = true
		// We note that the function has been called, but do not
		// release the lock
	}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()

	lock2, err := locker.NewLock("one")
	a.NoError(err)
	err = lock2.Lock(ctx, func() {
		panic("must not be called")
	})

	a.Equal(err, handler.ErrLockTimeout)
	a.True(releaseRequestCalled)

	// The timed out waiter does not keep the entry alive
	a.NoError(lock1.Unlock())
	a.Len(locker.locks, 0)
}

func TestMemoryLocker_RequestUnlock(t *testing.T) {
	a := assert.New(t)

	locker := New()
	releaseRequestCalled := false

	lock1, err := locker.NewLock("one")
	a.NoError(err)
	a.NoError(lock1.Lock(context.Background(), func() {
		releaseRequestCalled = true
		<-time.After(10 * time.Millisecond)
		a.NoError(lock1.Unlock())
	}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	lock2, err := locker.NewLock("one")
	a.NoError(err)
	a.NoError(lock2.Lock(ctx, func() {
		panic("must not be called")
	}))
	a.NoError(lock2.Unlock())

	a.True(releaseRequestCalled)
}

func TestMemoryLocker_DistinctIDs(t *testing.T) {
	a := assert.New(t)

	locker := New()

	lock1, _ := locker.NewLock("one")
	lock2, _ := locker.NewLock("two")

	a.NoError(lock1.Lock(context.Background(), func() {
		panic("must not be called")
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	a.NoError(lock2.Lock(ctx, func() {
		panic("must not be called")
	}))

	a.NoError(lock1.Unlock())
	a.NoError(lock2.Unlock())
}

func TestMemoryLocker_MutualExclusion(t *testing.T) {
	locker := New()

	var (
		holders int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			lock, _ := locker.NewLock("shared")
			if err := lock.Lock(context.Background(), func() {}); err != nil {
				t.Error(err)
				return
			}

			if n := atomic.AddInt32(&holders, 1); n != 1 {
				t.Errorf("expected one holder, got %d", n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&holders, -1)

			lock.Unlock()
		}()
	}
	wg.Wait()

	locker.mutex.Lock()
	defer locker.mutex.Unlock()
	assert.Len(t, locker.locks, 0)
}

// Several clients appending the same chunk at the same offset: exactly one
// of them succeeds, all others observe the new offset.
func TestMemoryLocker_ConcurrentAppends(t *testing.T) {
	composer := handler.NewStoreComposer()
	store := filestore.New(t.TempDir())
	store.UseIn(composer)
	New().UseIn(composer)

	h, err := handler.NewUnroutedHandler(handler.Config{
		StoreComposer: composer,
	})
	require.NoError(t, err)

	ctx := context.Background()
	info, err := h.CreateUpload(ctx, handler.NewUpload{
		Size:     10,
		MetaData: handler.MetaData{"name": "a.txt", "type": "text/plain"},
	})
	require.NoError(t, err)

	const clients = 8
	var (
		successes  int32
		mismatches int32
		wg         sync.WaitGroup
	)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := h.AppendChunk(ctx, info.ID, 0, strings.NewReader("hello"))
			switch {
			case err == nil:
				atomic.AddInt32(&successes, 1)
			case errors.Is(err, handler.ErrMismatchOffset):
				atomic.AddInt32(&mismatches, 1)
			default:
				t.Errorf("unexpected error: %s", err)
			}
		}()
	}
	wg.Wait()

	a := assert.New(t)
	a.EqualValues(1, successes)
	a.EqualValues(clients-1, mismatches)

	status, err := h.GetStatus(ctx, info.ID)
	a.NoError(err)
	a.EqualValues(5, status.Offset)
}
