package cleanup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"github.com/tusdisk/tusdisk/internal/semaphore"
)

// Lease guarantees that at most one cleanup run is active at a time. It is
// not reentrant: a second TryAcquire by the same holder fails as well.
type Lease interface {
	// TryAcquire never waits. It reports false if another run holds the lease.
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// SemaphoreLease serializes the runs of all schedulers sharing it inside one
// process.
type SemaphoreLease struct {
	sem semaphore.Semaphore
}

func NewSemaphoreLease() *SemaphoreLease {
	return &SemaphoreLease{sem: semaphore.New(1)}
}

func (l *SemaphoreLease) TryAcquire(ctx context.Context) (bool, error) {
	return l.sem.TryAcquire(), nil
}

func (l *SemaphoreLease) Release(ctx context.Context) error {
	l.sem.Release()
	return nil
}

// DefaultRedisLeaseKey is the Redis key used by NewRedisLease if no key is
// given.
const DefaultRedisLeaseKey = "tusdisk:cleanup"

// RedisLease serializes the runs of several processes which share an upload
// directory. The lease expires after expiry if its holder dies and is
// extended while the run is in progress.
type RedisLease struct {
	mutex  *redsync.Mutex
	expiry time.Duration

	mu   sync.Mutex
	stop chan struct{}
}

func NewRedisLease(client redis.UniversalClient, key string, expiry time.Duration) *RedisLease {
	if key == "" {
		key = DefaultRedisLeaseKey
	}
	if expiry <= 0 {
		expiry = time.Minute
	}

	rs := redsync.New(goredis.NewPool(client))
	return &RedisLease{
		mutex:  rs.NewMutex(key, redsync.WithExpiry(expiry)),
		expiry: expiry,
	}
}

func (l *RedisLease) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stop != nil {
		return false, nil
	}

	if err := l.mutex.TryLockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.As(err, &taken) || errors.Is(err, redsync.ErrFailed) {
			return false, nil
		}
		return false, err
	}

	stop := make(chan struct{})
	l.stop = stop
	go l.keepAlive(stop)

	return true, nil
}

func (l *RedisLease) keepAlive(stop chan struct{}) {
	ticker := time.NewTicker(l.expiry / 2)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// A failed extension lets the lease expire. The next run on
			// another process may then overlap with the remainder of this
			// one, which only leads to redundant NotFound results.
			l.mutex.Extend()
		}
	}
}

func (l *RedisLease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stop == nil {
		return nil
	}
	close(l.stop)
	l.stop = nil

	if ok, err := l.mutex.UnlockContext(ctx); !ok {
		return err
	}
	return nil
}
