package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tusdisk/tusdisk/pkg/filestore"
	"github.com/tusdisk/tusdisk/pkg/handler"
	"github.com/tusdisk/tusdisk/pkg/memorylocker"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testSetup struct {
	clock    *testClock
	store    filestore.FileStore
	composer *handler.StoreComposer
}

func newTestSetup(t *testing.T) *testSetup {
	clock := newTestClock()
	store := filestore.New(t.TempDir())
	store.Now = clock.Now

	composer := handler.NewStoreComposer()
	store.UseIn(composer)
	memorylocker.New().UseIn(composer)

	return &testSetup{clock: clock, store: store, composer: composer}
}

func (s *testSetup) create(t *testing.T, size int64, data string) string {
	ctx := context.Background()
	upload, err := s.store.NewUpload(ctx, handler.FileInfo{Size: size})
	require.NoError(t, err)
	if data != "" {
		_, err = upload.WriteChunk(ctx, 0, strings.NewReader(data))
		require.NoError(t, err)
	}
	if int64(len(data)) == size {
		require.NoError(t, upload.FinishUpload(ctx))
	}
	info, err := upload.GetInfo(ctx)
	require.NoError(t, err)
	return info.ID
}

func (s *testSetup) exists(id string) bool {
	_, err := s.store.GetUpload(context.Background(), id)
	return err == nil
}

func TestRunOnce(t *testing.T) {
	a := assert.New(t)
	setup := newTestSetup(t)

	stale := setup.create(t, 10, "abc")
	done := setup.create(t, 3, "abc")
	setup.clock.Advance(50 * time.Second)
	fresh := setup.create(t, 10, "")

	var expired []string
	scheduler := &Scheduler{
		Composer:   setup.composer,
		Expiration: handler.NewExpiration(true, time.Minute),
		Now:        setup.clock.Now,
		OnExpired: func(event handler.HookEvent) {
			expired = append(expired, event.Upload.ID)
		},
	}

	removedBefore := testutil.ToFloat64(MetricsUploadsRemovedTotal)

	setup.clock.Advance(10 * time.Second)
	removed, err := scheduler.RunOnce(context.Background())
	a.NoError(err)
	a.Equal(1, removed)
	a.Equal([]string{stale}, expired)

	a.False(setup.exists(stale))
	a.True(setup.exists(done))
	a.True(setup.exists(fresh))
	a.Equal(removedBefore+1, testutil.ToFloat64(MetricsUploadsRemovedTotal))

	// Completed uploads never expire
	setup.clock.Advance(time.Hour)
	removed, err = scheduler.RunOnce(context.Background())
	a.NoError(err)
	a.Equal(1, removed)
	a.False(setup.exists(fresh))
	a.True(setup.exists(done))
}

func TestSlidingExpiration(t *testing.T) {
	a := assert.New(t)
	setup := newTestSetup(t)
	ctx := context.Background()

	id := setup.create(t, 10, "")

	scheduler := &Scheduler{
		Composer:   setup.composer,
		Expiration: handler.NewExpiration(false, time.Minute),
		Now:        setup.clock.Now,
	}

	// A write shortly before the deadline moves it
	setup.clock.Advance(59 * time.Second)
	upload, err := setup.store.GetUpload(ctx, id)
	a.NoError(err)
	_, err = upload.WriteChunk(ctx, 0, strings.NewReader("abc"))
	a.NoError(err)

	setup.clock.Advance(59 * time.Second)
	removed, err := scheduler.RunOnce(ctx)
	a.NoError(err)
	a.Equal(0, removed)
	a.True(setup.exists(id))

	// The deadline itself counts as expired
	setup.clock.Advance(time.Second)
	removed, err = scheduler.RunOnce(ctx)
	a.NoError(err)
	a.Equal(1, removed)
	a.False(setup.exists(id))
}

// revivingStore writes a chunk to the upload right after it has been listed,
// as a client would do while the run is in progress.
type revivingStore struct {
	filestore.FileStore
}

func (s revivingStore) ListExpiredUploads(ctx context.Context, isExpired func(handler.FileInfo) bool) ([]string, error) {
	ids, err := s.FileStore.ListExpiredUploads(ctx, isExpired)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		upload, err := s.FileStore.GetUpload(ctx, id)
		if err != nil {
			return nil, err
		}
		info, _ := upload.GetInfo(ctx)
		if _, err := upload.WriteChunk(ctx, info.Offset, strings.NewReader("x")); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func TestRecheckAfterLock(t *testing.T) {
	a := assert.New(t)
	setup := newTestSetup(t)

	id := setup.create(t, 10, "")
	setup.composer.UseExpirer(revivingStore{setup.store})

	scheduler := &Scheduler{
		Composer:   setup.composer,
		Expiration: handler.NewExpiration(false, time.Minute),
		Now:        setup.clock.Now,
	}

	setup.clock.Advance(2 * time.Minute)
	removed, err := scheduler.RunOnce(context.Background())
	a.NoError(err)
	a.Equal(0, removed)
	a.True(setup.exists(id))
}

func TestInterruptedTerminationIsCompleted(t *testing.T) {
	a := assert.New(t)
	setup := newTestSetup(t)

	id := setup.create(t, 10, "")
	// The process died after removing the payload but before the record
	require.NoError(t, os.Remove(filepath.Join(setup.store.Path, id)))

	scheduler := &Scheduler{
		Composer:   setup.composer,
		Expiration: handler.NewExpiration(true, time.Minute),
		Now:        setup.clock.Now,
	}
	setup.clock.Advance(time.Hour)

	_, err := scheduler.RunOnce(context.Background())
	a.NoError(err)

	_, err = setup.store.InfoStore.RetrieveFileInfo(id)
	a.ErrorIs(err, handler.ErrNotFound)

	ids, err := setup.store.ListExpiredUploads(context.Background(), func(handler.FileInfo) bool { return true })
	a.NoError(err)
	a.Empty(ids)
}

// blockingStore blocks in ListExpiredUploads until release is closed.
type blockingStore struct {
	filestore.FileStore
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingStore(store filestore.FileStore) *blockingStore {
	return &blockingStore{
		FileStore: store,
		started:   make(chan struct{}),
		release:   make(chan struct{}),
	}
}

func (s *blockingStore) ListExpiredUploads(ctx context.Context, isExpired func(handler.FileInfo) bool) ([]string, error) {
	s.once.Do(func() {
		close(s.started)
	})
	<-s.release
	return s.FileStore.ListExpiredUploads(ctx, isExpired)
}

func TestRunsDoNotOverlap(t *testing.T) {
	a := assert.New(t)
	setup := newTestSetup(t)

	setup.create(t, 10, "")
	store := newBlockingStore(setup.store)
	setup.composer.UseExpirer(store)

	scheduler := &Scheduler{
		Composer:   setup.composer,
		Expiration: handler.NewExpiration(true, time.Minute),
		Now:        setup.clock.Now,
	}
	setup.clock.Advance(time.Hour)

	skippedBefore := testutil.ToFloat64(MetricsRunsSkippedTotal)

	type result struct {
		removed int
		err     error
	}
	first := make(chan result, 1)
	go func() {
		removed, err := scheduler.RunOnce(context.Background())
		first <- result{removed, err}
	}()

	<-store.started
	removed, err := scheduler.RunOnce(context.Background())
	a.ErrorIs(err, ErrRunInProgress)
	a.Equal(0, removed)
	a.Equal(skippedBefore+1, testutil.ToFloat64(MetricsRunsSkippedTotal))

	close(store.release)
	res := <-first
	a.NoError(res.err)
	a.Equal(1, res.removed)

	// The lease is free again
	removed, err = scheduler.RunOnce(context.Background())
	a.NoError(err)
	a.Equal(0, removed)
}

type failingStore struct {
	filestore.FileStore
}

func (failingStore) ListExpiredUploads(ctx context.Context, isExpired func(handler.FileInfo) bool) ([]string, error) {
	return nil, errors.New("input/output error")
}

func TestListFailure(t *testing.T) {
	setup := newTestSetup(t)
	setup.composer.UseExpirer(failingStore{setup.store})

	scheduler := &Scheduler{
		Composer:   setup.composer,
		Expiration: handler.NewExpiration(true, time.Minute),
	}

	errorsBefore := testutil.ToFloat64(MetricsRunErrorsTotal)
	_, err := scheduler.RunOnce(context.Background())
	assert.EqualError(t, err, "input/output error")
	assert.Equal(t, errorsBefore+1, testutil.ToFloat64(MetricsRunErrorsTotal))
}

// terminateFailingStore fails to remove one specific upload.
type terminateFailingStore struct {
	filestore.FileStore
	failID string
}

func (s terminateFailingStore) AsTerminatableUpload(upload handler.Upload) handler.TerminatableUpload {
	info, _ := upload.GetInfo(context.Background())
	if info.ID == s.failID {
		return failingTermination{}
	}
	return s.FileStore.AsTerminatableUpload(upload)
}

type failingTermination struct{}

func (failingTermination) Terminate(ctx context.Context) error {
	return errors.New("device or resource busy")
}

func TestUploadFailureContinues(t *testing.T) {
	a := assert.New(t)
	setup := newTestSetup(t)

	broken := setup.create(t, 10, "")
	other := setup.create(t, 10, "")
	setup.composer.UseTerminater(terminateFailingStore{setup.store, broken})

	scheduler := &Scheduler{
		Composer:   setup.composer,
		Expiration: handler.NewExpiration(true, time.Minute),
		Now:        setup.clock.Now,
	}
	setup.clock.Advance(time.Hour)

	removed, err := scheduler.RunOnce(context.Background())
	a.NoError(err)
	a.Equal(1, removed)
	a.True(setup.exists(broken))
	a.False(setup.exists(other))
}

func TestLockedUploadIsSkipped(t *testing.T) {
	a := assert.New(t)
	setup := newTestSetup(t)

	id := setup.create(t, 10, "")

	lock, err := setup.composer.Locker.NewLock(id)
	a.NoError(err)
	a.NoError(lock.Lock(context.Background(), func() {}))
	defer lock.Unlock()

	scheduler := &Scheduler{
		Composer:    setup.composer,
		Expiration:  handler.NewExpiration(true, time.Minute),
		Now:         setup.clock.Now,
		LockTimeout: 10 * time.Millisecond,
	}
	setup.clock.Advance(time.Hour)

	removed, err := scheduler.RunOnce(context.Background())
	a.NoError(err)
	a.Equal(0, removed)
	a.True(setup.exists(id))
}

func TestValidation(t *testing.T) {
	a := assert.New(t)
	setup := newTestSetup(t)

	_, err := (&Scheduler{Composer: setup.composer}).RunOnce(context.Background())
	a.EqualError(err, "cleanup: no expiration configured")

	composer := handler.NewStoreComposer()
	composer.UseCore(setup.store)
	err = (&Scheduler{Composer: composer, Expiration: handler.NewExpiration(true, time.Minute)}).Start(context.Background())
	a.EqualError(err, "cleanup: data store does not support listing expired uploads")
}

func TestStartStop(t *testing.T) {
	a := assert.New(t)
	setup := newTestSetup(t)

	id := setup.create(t, 10, "")
	setup.clock.Advance(time.Hour)

	expired := make(chan string, 1)
	scheduler := &Scheduler{
		Composer:   setup.composer,
		Expiration: handler.NewExpiration(true, time.Minute),
		Interval:   10 * time.Millisecond,
		Now:        setup.clock.Now,
		OnExpired: func(event handler.HookEvent) {
			expired <- event.Upload.ID
		},
	}

	a.NoError(scheduler.Start(context.Background()))
	a.Error(scheduler.Start(context.Background()))

	select {
	case got := <-expired:
		a.Equal(id, got)
	case <-time.After(5 * time.Second):
		t.Fatal("upload has not been removed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	a.NoError(scheduler.Stop(ctx))

	// Stopping twice is fine
	a.NoError(scheduler.Stop(ctx))
}

func TestStopWaitsForRun(t *testing.T) {
	a := assert.New(t)
	setup := newTestSetup(t)

	store := newBlockingStore(setup.store)
	setup.composer.UseExpirer(store)

	scheduler := &Scheduler{
		Composer:   setup.composer,
		Expiration: handler.NewExpiration(true, time.Minute),
		Interval:   10 * time.Millisecond,
		Now:        setup.clock.Now,
	}
	a.NoError(scheduler.Start(context.Background()))
	<-store.started

	// The run is blocked, so Stop gives up after its deadline
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	a.ErrorIs(scheduler.Stop(ctx), context.DeadlineExceeded)

	close(store.release)
}

func TestCancelledContextFinishesRun(t *testing.T) {
	a := assert.New(t)
	setup := newTestSetup(t)

	ids := []string{
		setup.create(t, 10, ""),
		setup.create(t, 10, "abc"),
		setup.create(t, 5, "ab"),
	}
	store := newBlockingStore(setup.store)
	setup.composer.UseExpirer(store)

	scheduler := &Scheduler{
		Composer:   setup.composer,
		Expiration: handler.NewExpiration(true, time.Minute),
		Interval:   10 * time.Millisecond,
		Now:        setup.clock.Now,
	}
	setup.clock.Advance(time.Hour)

	errorsBefore := testutil.ToFloat64(MetricsRunErrorsTotal)

	ctx, cancel := context.WithCancel(context.Background())
	a.NoError(scheduler.Start(ctx))
	<-store.started

	// Shutdown cancels the context while the run is in progress
	cancel()
	close(store.release)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	a.NoError(scheduler.Stop(stopCtx))

	for _, id := range ids {
		a.False(setup.exists(id), id)
	}
	a.Equal(errorsBefore, testutil.ToFloat64(MetricsRunErrorsTotal))
}

func TestStartWithCancelledContext(t *testing.T) {
	a := assert.New(t)
	setup := newTestSetup(t)

	id := setup.create(t, 10, "")
	setup.clock.Advance(time.Hour)

	scheduler := &Scheduler{
		Composer:   setup.composer,
		Expiration: handler.NewExpiration(true, time.Minute),
		Interval:   time.Millisecond,
		Now:        setup.clock.Now,
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a.NoError(scheduler.Start(ctx))
	time.Sleep(20 * time.Millisecond)
	a.NoError(scheduler.Stop(context.Background()))

	// No run is started after the cancellation
	a.True(setup.exists(id))
}

func TestRedisLease(t *testing.T) {
	a := assert.New(t)
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	ctx := context.Background()
	lease1 := NewRedisLease(client, "", time.Minute)
	lease2 := NewRedisLease(client, "", time.Minute)

	ok, err := lease1.TryAcquire(ctx)
	a.NoError(err)
	a.True(ok)
	a.True(s.Exists(DefaultRedisLeaseKey))

	// Not reentrant
	ok, err = lease1.TryAcquire(ctx)
	a.NoError(err)
	a.False(ok)

	// A second process is rejected
	ok, err = lease2.TryAcquire(ctx)
	a.NoError(err)
	a.False(ok)

	a.NoError(lease1.Release(ctx))
	a.False(s.Exists(DefaultRedisLeaseKey))

	ok, err = lease2.TryAcquire(ctx)
	a.NoError(err)
	a.True(ok)
	a.NoError(lease2.Release(ctx))
}

func TestRedisLeaseSchedulers(t *testing.T) {
	a := assert.New(t)
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	setup := newTestSetup(t)
	setup.create(t, 10, "")
	store := newBlockingStore(setup.store)
	setup.composer.UseExpirer(store)
	setup.clock.Advance(time.Hour)

	newScheduler := func() *Scheduler {
		return &Scheduler{
			Composer:   setup.composer,
			Expiration: handler.NewExpiration(true, time.Minute),
			Now:        setup.clock.Now,
			Lease:      NewRedisLease(client, "", time.Minute),
		}
	}
	first, second := newScheduler(), newScheduler()

	errc := make(chan error, 1)
	go func() {
		_, err := first.RunOnce(context.Background())
		errc <- err
	}()

	<-store.started
	_, err := second.RunOnce(context.Background())
	a.ErrorIs(err, ErrRunInProgress)

	close(store.release)
	a.NoError(<-errc)
}
