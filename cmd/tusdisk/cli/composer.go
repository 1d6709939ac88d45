package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/tusdisk/tusdisk/pkg/filelocker"
	"github.com/tusdisk/tusdisk/pkg/filestore"
	"github.com/tusdisk/tusdisk/pkg/handler"
	"github.com/tusdisk/tusdisk/pkg/memorylocker"
	"github.com/tusdisk/tusdisk/pkg/pebbleinfostore"
	"github.com/tusdisk/tusdisk/pkg/redislocker"
)

var Composer *handler.StoreComposer

// RedisClient is set if -redis-url is given. It is shared by the locker and
// the cleanup lease.
var RedisClient redis.UniversalClient

// closers release the resources opened by CreateComposer, in reverse order.
var closers []func() error

// CreateComposer sets up the file store with the configured record store and
// locker.
func CreateComposer() error {
	Composer = handler.NewStoreComposer()

	dir, err := filepath.Abs(Flags.UploadDir)
	if err != nil {
		return fmt.Errorf("unable to make absolute path: %s", err)
	}

	printStartupLog("Using '%s' as directory storage.\n", dir)
	if err := os.MkdirAll(dir, os.FileMode(0774)); err != nil {
		return fmt.Errorf("unable to ensure directory exists: %s", err)
	}

	store, err := createFileStore(dir)
	if err != nil {
		return err
	}
	store.UseIn(Composer)

	if Flags.RedisURL != "" {
		if err := connectRedis(); err != nil {
			return err
		}
	}

	switch Flags.Locker {
	case "file":
		locker := filelocker.New(dir)
		locker.HolderPollInterval = Flags.FilelockHolderPollInterval
		locker.AcquirerPollInterval = Flags.FilelockAcquirerPollInterval
		locker.UseIn(Composer)
		printStartupLog("Using file locks in '%s'.\n", dir)
	case "redis":
		locker, err := redislocker.NewFromClient(RedisClient,
			redislocker.WithLogger(Logger),
			redislocker.WithKeyPrefix(Flags.RedisKeyPrefix+"lock:"),
		)
		if err != nil {
			return fmt.Errorf("unable to create redis locker: %s", err)
		}
		locker.UseIn(Composer)
		printStartupLog("Using Redis for upload locks.\n")
	default:
		memorylocker.New().UseIn(Composer)
		printStartupLog("Using in-memory upload locks.\n")
	}

	if Flags.MaxSize > 0 {
		printStartupLog("Using %.2fMB as maximum size.\n", float64(Flags.MaxSize)/1024/1024)
	} else {
		printStartupLog("Using no maximum size.\n")
	}

	return nil
}

func createFileStore(dir string) (filestore.FileStore, error) {
	if Flags.InfoStore != "pebble" {
		return filestore.New(dir), nil
	}

	pebbleDir := Flags.PebbleDir
	if pebbleDir == "" {
		pebbleDir = filepath.Join(dir, ".records")
	}

	records, err := pebbleinfostore.Open(pebbleDir)
	if err != nil {
		return filestore.FileStore{}, fmt.Errorf("unable to open pebble database: %s", err)
	}
	closers = append(closers, records.Close)

	printStartupLog("Using '%s' for upload records.\n", pebbleDir)
	return filestore.NewWithInfoStore(dir, records), nil
}

func connectRedis() error {
	options, err := redis.ParseURL(Flags.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid redis url: %s", err)
	}

	client := redis.NewClient(options)
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return fmt.Errorf("unable to connect to redis: %s", err)
	}

	RedisClient = client
	closers = append(closers, client.Close)

	printStartupLog("Using Redis at %s.\n", options.Addr)
	return nil
}

// CloseComposer releases the database and connections opened by
// CreateComposer.
func CloseComposer() error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	closers = nil
	return errors.Join(errs...)
}
