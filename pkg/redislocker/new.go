package redislocker

import (
	"context"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"
)

// LockExpiry is the time after which a lock expires in Redis if its holder
// stops extending it, for example because the process crashed.
var LockExpiry = 8 * time.Second

// DefaultKeyPrefix is prepended to the upload ID to form the Redis key of
// the mutex.
const DefaultKeyPrefix = "tusdisk:lock:"

type LockerOption func(l *RedisLocker)

func WithLogger(logger *slog.Logger) LockerOption {
	return func(l *RedisLocker) {
		l.Logger = logger
	}
}

// WithKeyPrefix allows several deployments to share one Redis database.
func WithKeyPrefix(prefix string) LockerOption {
	return func(l *RedisLocker) {
		l.KeyPrefix = prefix
	}
}

// WithRetryInterval sets how often a waiting caller retries to acquire a
// lock when it did not receive a release notification.
func WithRetryInterval(interval time.Duration) LockerOption {
	return func(l *RedisLocker) {
		l.RetryInterval = interval
	}
}

func NewFromClient(client redis.UniversalClient, lockerOptions ...LockerOption) (*RedisLocker, error) {
	rs := redsync.New(goredis.NewPool(client))

	locker := &RedisLocker{
		KeyPrefix:     DefaultKeyPrefix,
		RetryInterval: 500 * time.Millisecond,
	}
	for _, option := range lockerOptions {
		option(locker)
	}

	if locker.Exchange == nil {
		locker.Exchange = &RedisLockExchange{
			Client:    client,
			KeyPrefix: locker.KeyPrefix,
		}
	}

	locker.CreateMutex = func(id string) MutexLock {
		return rs.NewMutex(locker.KeyPrefix+id, redsync.WithExpiry(LockExpiry))
	}

	if locker.Logger == nil {
		locker.Logger = slog.Default()
	}

	return locker, nil
}

// New connects to the Redis server given as URL, for example
// redis://localhost:6379/0.
func New(uri string, lockerOptions ...LockerOption) (*RedisLocker, error) {
	connection, err := redis.ParseURL(uri)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(connection)
	if res := client.Ping(context.Background()); res.Err() != nil {
		return nil, res.Err()
	}
	return NewFromClient(client, lockerOptions...)
}
