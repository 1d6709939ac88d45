package redislocker

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/tusdisk/tusdisk/pkg/handler"
)

// RedisLockExchange passes release requests between the processes sharing
// the Redis database. Every upload uses two channels below KeyPrefix: one on
// which the holder listens for release requests and one on which it
// announces that the lock is free.
type RedisLockExchange struct {
	Client    redis.UniversalClient
	KeyPrefix string
}

func (e *RedisLockExchange) requestChannel(id string) string {
	return e.KeyPrefix + "release-request:" + id
}

func (e *RedisLockExchange) releasedChannel(id string) string {
	return e.KeyPrefix + "released:" + id
}

// subscribe returns once Redis confirmed the subscription, so no message
// published afterwards is missed.
func (e *RedisLockExchange) subscribe(ctx context.Context, channel string) (*redis.PubSub, error) {
	sub := e.Client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}
	return sub, nil
}

// Listen calls callback once another process requests the lock for id. It
// returns after the first request or when ctx is done.
func (e *RedisLockExchange) Listen(ctx context.Context, id string, callback func()) {
	sub, err := e.subscribe(ctx, e.requestChannel(id))
	if err != nil {
		return
	}
	defer sub.Close()

	select {
	case <-sub.Channel():
		callback()
	case <-ctx.Done():
	}
}

// Request asks the current holder to release the lock for id and waits until
// it announces the release. It returns handler.ErrLockTimeout if ctx is done
// first.
func (e *RedisLockExchange) Request(ctx context.Context, id string) error {
	sub, err := e.subscribe(ctx, e.releasedChannel(id))
	if err != nil {
		if ctx.Err() != nil {
			return handler.ErrLockTimeout
		}
		return err
	}
	defer sub.Close()

	if err := e.Client.Publish(ctx, e.requestChannel(id), id).Err(); err != nil {
		return err
	}

	select {
	case <-sub.Channel():
		return nil
	case <-ctx.Done():
		return handler.ErrLockTimeout
	}
}

// Release announces that the lock for id is free.
func (e *RedisLockExchange) Release(ctx context.Context, id string) error {
	return e.Client.Publish(ctx, e.releasedChannel(id), id).Err()
}
