// Package pebbleinfostore keeps the upload records of a filestore.FileStore in
// a Pebble key-value database instead of one .info file per upload.
//
// The payload files stay in the upload directory. Keeping the records in a
// single database makes the periodic scan for expired uploads independent of
// the number of files in that directory.
//
//	db, err := pebbleinfostore.Open("./data/uploads.db")
//	store := filestore.NewWithInfoStore("./data", db)
package pebbleinfostore

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/tusdisk/tusdisk/pkg/handler"
)

// Records are stored as JSON below this key prefix.
const keyPrefix = "info/"

// Store implements filestore.InfoStore.
type Store struct {
	db *pebble.DB
}

// Open opens or creates the database in dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebbleinfostore: failed to open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) StoreFileInfo(info handler.FileInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return s.db.Set(key(info.ID), data, pebble.Sync)
}

func (s *Store) RetrieveFileInfo(id string) (handler.FileInfo, error) {
	var info handler.FileInfo

	data, closer, err := s.db.Get(key(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return info, handler.ErrNotFound
		}
		return info, err
	}
	defer closer.Close()

	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("pebbleinfostore: corrupt record for %s: %w", id, err)
	}
	return info, nil
}

// DeleteFileInfo removes the record. Pebble treats deleting a missing key as
// a no-op.
func (s *Store) DeleteFileInfo(id string) error {
	return s.db.Delete(key(id), pebble.Sync)
}

func (s *Store) ListFileInfoIDs() ([]string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: upperBound(keyPrefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		ids = append(ids, string(iter.Key()[len(keyPrefix):]))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return ids, nil
}

func key(id string) []byte {
	return []byte(keyPrefix + id)
}

// upperBound returns the smallest key greater than every key with the given
// prefix.
func upperBound(prefix string) []byte {
	end := []byte(prefix)
	end[len(end)-1]++
	return end
}
