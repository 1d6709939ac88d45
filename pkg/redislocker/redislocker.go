// Package redislocker provides a distributed upload locker backed by Redis.
//
// It is meant for deployments in which several processes on different
// machines serve one shared upload directory. The locks are redsync mutexes
// which are extended while they are held. A caller waiting for a lock asks
// the holder to release it using Redis pub/sub (see RedisLockExchange).
package redislocker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/exp/slog"

	"github.com/tusdisk/tusdisk/pkg/handler"
)

type LockExchange interface {
	Listen(ctx context.Context, id string, callback func())
	Request(ctx context.Context, id string) error
	Release(ctx context.Context, id string) error
}

type MutexLock interface {
	TryLockContext(context.Context) error
	ExtendContext(context.Context) (bool, error)
	UnlockContext(context.Context) (bool, error)
	Until() time.Time
}

type RedisLocker struct {
	CreateMutex   func(id string) MutexLock
	Exchange      LockExchange
	Logger        *slog.Logger
	KeyPrefix     string
	RetryInterval time.Duration
}

func (locker *RedisLocker) UseIn(composer *handler.StoreComposer) {
	composer.UseLocker(locker)
}

func (locker *RedisLocker) NewLock(id string) (handler.Lock, error) {
	mutex := locker.CreateMutex(id)
	return &redisLock{
		id:            id,
		mutex:         mutex,
		exchange:      locker.Exchange,
		retryInterval: locker.RetryInterval,
		logger:        locker.Logger.With("id", id),
	}, nil
}

type redisLock struct {
	id            string
	mutex         MutexLock
	ctx           context.Context
	cancel        context.CancelCauseFunc
	exchange      LockExchange
	retryInterval time.Duration
	logger        *slog.Logger
}

func (l *redisLock) Lock(ctx context.Context, releaseRequested func()) error {
	l.logger.Debug("LockAcquire")
	if err := l.requestLock(ctx); err != nil {
		return err
	}
	lockCtx, cancel := l.ctx, l.cancel
	go l.exchange.Listen(lockCtx, l.id, func() {
		if releaseRequested != nil {
			releaseRequested()
		}
	})
	go func() {
		if err := l.keepAlive(lockCtx); err != nil {
			l.logger.Error("LockExtendError", "error", err)
			cancel(err)
			if releaseRequested != nil {
				releaseRequested()
			}
		}
	}()
	l.logger.Debug("LockAcquired")
	return nil
}

func (l *redisLock) acquireLock(ctx context.Context) error {
	if err := l.mutex.TryLockContext(ctx); err != nil {
		// Currently there aren't any errors
		// defined by redsync we don't want to retry.
		return errors.Join(err, handler.ErrFileLocked)
	}

	l.ctx, l.cancel = context.WithCancelCause(context.Background())

	return nil
}

// requestLock retries to acquire the lock until ctx is done. Between the
// attempts it asks the holder to release the lock and waits for the release
// notification, but at most retryInterval, so a notification which was
// published before we subscribed does not stall us.
func (l *redisLock) requestLock(ctx context.Context) error {
	for {
		err := l.acquireLock(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return handler.ErrLockTimeout
		}

		l.logger.Debug("LockReleaseRequested")
		requestCtx, cancel := context.WithTimeout(ctx, l.retryInterval)
		err = l.exchange.Request(requestCtx, l.id)
		cancel()

		if ctx.Err() != nil {
			l.logger.Debug("LockReleaseNotGranted")
			return handler.ErrLockTimeout
		}
		if err != nil && !errors.Is(err, handler.ErrLockTimeout) {
			return err
		}
	}
}

func (l *redisLock) keepAlive(ctx context.Context) error {
	//insures that an extend will be canceled if it's unlocked in the middle of an attempt
	for {
		select {
		case <-time.After(time.Until(l.mutex.Until()) / 2):
			_, err := l.mutex.ExtendContext(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("failed to extend lock: %w", err)
			}
			l.logger.Debug("LockExtended", "until", l.mutex.Until())
		case <-ctx.Done():
			return nil
		}
	}
}

func (l *redisLock) Unlock() error {
	if l.ctx == nil {
		return nil
	}
	l.logger.Debug("LockRelease")
	defer l.cancel(nil)

	var err error
	if ok, e := l.mutex.UnlockContext(context.Background()); !ok {
		err = fmt.Errorf("failed to release lock: %w", e)
	}
	l.ctx = nil

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if e := l.exchange.Release(ctx, l.id); e != nil {
		err = errors.Join(err, e)
	}
	if err != nil {
		l.logger.Error("LockReleaseError", "error", err)
	}
	return err
}
