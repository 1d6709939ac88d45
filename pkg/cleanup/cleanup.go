// Package cleanup periodically removes uploads which have expired.
//
// A Scheduler lists the expired uploads of a data store which implements
// handler.ExpirerDataStore and terminates them one by one. Every upload is
// locked and checked again before it is removed, so a chunk which arrives
// in the meantime keeps a sliding-expiration upload alive.
//
// Runs never overlap. If a run is still in progress when the next one is
// due, the next one is skipped. The Lease decides the scope of this
// guarantee: SemaphoreLease for one process, RedisLease for several
// processes sharing one upload directory.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slog"

	"github.com/tusdisk/tusdisk/pkg/handler"
)

// ErrRunInProgress is returned by RunOnce if the lease is held by another run.
var ErrRunInProgress = errors.New("cleanup: a previous run is still in progress")

// Scheduler removes expired uploads in a fixed interval.
type Scheduler struct {
	// Composer must provide an Expirer and a Terminater. If it provides a
	// Locker, every upload is locked before it is removed.
	Composer *handler.StoreComposer
	// Expiration decides which uploads have expired. It is required.
	Expiration *handler.Expiration
	// Interval between two runs. Defaults to the expiration timeout.
	Interval time.Duration
	// Lease prevents overlapping runs. Defaults to a SemaphoreLease.
	Lease Lease
	// LockTimeout bounds the wait for the lock of a single upload. Uploads
	// which stay locked are skipped until the next run. Defaults to 5 seconds.
	LockTimeout time.Duration
	Logger      *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
	// OnExpired is called after an expired upload has been removed.
	OnExpired func(handler.HookEvent)

	initOnce sync.Once
	mu       sync.Mutex
	stop     chan struct{}
	done     chan struct{}
	abort    context.CancelFunc
}

func (s *Scheduler) init() {
	s.initOnce.Do(func() {
		if s.Lease == nil {
			s.Lease = NewSemaphoreLease()
		}
		if s.Logger == nil {
			s.Logger = slog.Default()
		}
		if s.Now == nil {
			s.Now = time.Now
		}
		if s.LockTimeout <= 0 {
			s.LockTimeout = 5 * time.Second
		}
		if s.Interval <= 0 && s.Expiration != nil {
			s.Interval = s.Expiration.Timeout
		}
	})
}

func (s *Scheduler) validate() error {
	if s.Expiration == nil {
		return errors.New("cleanup: no expiration configured")
	}
	if s.Composer == nil || !s.Composer.UsesExpirer {
		return errors.New("cleanup: data store does not support listing expired uploads")
	}
	if !s.Composer.UsesTerminater {
		return errors.New("cleanup: data store does not support termination")
	}
	if s.Interval <= 0 {
		return errors.New("cleanup: interval must be positive")
	}
	return nil
}

// Start runs the cleanup every Interval in a background goroutine until Stop
// is called or ctx is cancelled. Cancelling ctx prevents further runs but does
// not interrupt a run which is in progress. Only the deadline passed to Stop
// does.
func (s *Scheduler) Start(ctx context.Context) error {
	s.init()
	if err := s.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return errors.New("cleanup: scheduler already started")
	}

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	runCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	s.abort = abort
	go s.loop(ctx, runCtx, s.stop, s.done)

	s.Logger.Info("CleanupScheduled", "interval", s.Interval, "strategy", s.Expiration.Strategy.String())
	return nil
}

func (s *Scheduler) loop(ctx, runCtx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A tick and a cancellation may be ready at the same time.
			if ctx.Err() != nil {
				return
			}
			// Errors have been logged by RunOnce.
			s.RunOnce(runCtx)
		}
	}
}

// Stop ends the background goroutine. A run which is in progress is waited
// for until ctx is done. After that, the run is cancelled and Stop returns
// an error.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	stop, done, abort := s.stop, s.done, s.abort
	s.stop, s.done, s.abort = nil, nil, nil
	s.mu.Unlock()

	if stop == nil {
		return nil
	}
	defer abort()
	close(stop)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cleanup: waiting for the running job: %w", ctx.Err())
	}
}

// RunOnce performs a single cleanup run and returns the number of removed
// uploads. It returns ErrRunInProgress without doing anything if another run
// holds the lease. Failures to remove single uploads are logged and skipped.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	s.init()
	if err := s.validate(); err != nil {
		return 0, err
	}

	acquired, err := s.Lease.TryAcquire(ctx)
	if err != nil {
		MetricsRunErrorsTotal.Inc()
		s.Logger.Error("CleanupLeaseError", "error", err)
		return 0, err
	}
	if !acquired {
		MetricsRunsSkippedTotal.Inc()
		s.Logger.Warn("CleanupSkipped", "reason", "previous run still in progress")
		return 0, ErrRunInProgress
	}
	defer func() {
		if err := s.Lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.Logger.Error("CleanupLeaseError", "error", err)
		}
	}()

	MetricsRunsTotal.Inc()
	start := time.Now()
	defer func() {
		MetricsRunDuration.Observe(time.Since(start).Seconds())
	}()

	s.Logger.Info("CleanupStart", "strategy", s.Expiration.Strategy.String(), "timeout", s.Expiration.Timeout)

	now := s.Now()
	ids, err := s.Composer.Expirer.ListExpiredUploads(ctx, func(info handler.FileInfo) bool {
		return s.Expiration.IsExpired(info, now)
	})
	if err != nil {
		MetricsRunErrorsTotal.Inc()
		s.Logger.Error("CleanupFailed", "error", err)
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}

		ok, err := s.removeUpload(ctx, id)
		if err != nil {
			s.Logger.Error("CleanupUploadError", "id", id, "error", err)
			continue
		}
		if ok {
			removed++
		}
	}

	MetricsUploadsRemovedTotal.Add(float64(removed))
	s.Logger.Info("CleanupFinished", "candidates", len(ids), "removed", removed, "duration", time.Since(start), "nextRunIn", s.Interval)

	return removed, nil
}

// removeUpload terminates the upload if it is still expired once the lock
// has been acquired. It reports whether the upload has been removed.
func (s *Scheduler) removeUpload(ctx context.Context, id string) (bool, error) {
	if s.Composer.UsesLocker {
		lock, err := s.Composer.Locker.NewLock(id)
		if err != nil {
			return false, err
		}

		lockCtx, cancel := context.WithTimeout(ctx, s.LockTimeout)
		err = lock.Lock(lockCtx, func() {})
		cancel()
		if err != nil {
			return false, err
		}
		defer func() {
			if err := lock.Unlock(); err != nil {
				s.Logger.Error("UnlockError", "id", id, "error", err)
			}
		}()
	}

	upload, err := s.Composer.Core.GetUpload(ctx, id)
	if err != nil {
		if handler.IsNotFound(err) {
			// Removed by a client or another run in the meantime.
			return false, nil
		}
		return false, err
	}

	info, err := upload.GetInfo(ctx)
	if err != nil {
		return false, err
	}

	if !s.Expiration.IsExpired(info, s.Now()) {
		s.Logger.Debug("CleanupUploadRevived", "id", id)
		return false, nil
	}

	if err := s.Composer.Terminater.AsTerminatableUpload(upload).Terminate(ctx); err != nil {
		return false, err
	}

	s.Logger.Info("UploadExpired", "id", id, "size", info.Size, "offset", info.Offset, "expiredAt", s.Expiration.ExpiresAt(info))

	if s.OnExpired != nil {
		s.OnExpired(handler.NewHookEvent(ctx, info))
	}

	return true, nil
}
