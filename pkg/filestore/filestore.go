// Package filestore provide a storage backend based on the local file system.
//
// FileStore is a storage backend used as a handler.DataStore in handler.NewHandler.
// By default it stores the uploads in a directory specified in two different files: The
// `[id].info` files are used to store the fileinfo in JSON format. The
// `[id]` files without an extension contain the raw binary data uploaded.
// An alternative InfoStore object may be used to manage the storage and retrieval of
// fileinfo data, see NewWithInfoStore().
//
// FileStore implements handler.ExpirerDataStore, so uploads which have
// expired can be removed by the cleanup scheduler (see pkg/cleanup).
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tusdisk/tusdisk/internal/uid"
	"github.com/tusdisk/tusdisk/pkg/handler"
)

const (
	StorageKeyType = "Type"
	StorageKeyPath = "Path"
)

var defaultFilePerm = os.FileMode(0664)

// See the handler.DataStore interface for documentation about the different
// methods.
type FileStore struct {
	// Relative or absolute path to store files in. FileStore does not check
	// whether the path exists, use os.MkdirAll in this case on your own.
	Path string
	// InfoStore keeps the upload records. It defaults to one .info file per
	// upload inside Path.
	InfoStore InfoStore
	// Now is used to stamp CreatedAt, LastActivityAt and CompletedAt.
	// Defaults to time.Now.
	Now func() time.Time
}

// New creates a new file based storage backend. The directory specified will
// be used as the only storage entry. This method does not check whether the
// path exists, use os.MkdirAll to ensure.
func New(path string) FileStore {
	return NewWithInfoStore(path, nil)
}

// NewWithInfoStore creates a new file based storage backend, optionally
// replacing the default file based information storage engine.
func NewWithInfoStore(path string, infoStore InfoStore) FileStore {
	if infoStore == nil {
		infoStore = NewFileInfoStore(path)
	}
	return FileStore{
		Path:      path,
		InfoStore: infoStore,
		Now:       time.Now,
	}
}

// UseIn sets this store as the core data store in the passed composer and adds
// all possible extension to it.
func (store FileStore) UseIn(composer *handler.StoreComposer) {
	composer.UseCore(store)
	composer.UseTerminater(store)
	composer.UseConcater(store)
	composer.UseLengthDeferrer(store)
	composer.UseExpirer(store)
}

func (store FileStore) NewUpload(ctx context.Context, info handler.FileInfo) (handler.Upload, error) {
	if info.ID == "" {
		info.ID = uid.Uid()
	}
	if !validID(info.ID) {
		return nil, fmt.Errorf("filestore: invalid upload id %q", info.ID)
	}

	binPath := store.binPath(info.ID)
	info.Storage = map[string]string{
		StorageKeyType: "filestore",
		StorageKeyPath: binPath,
	}

	now := store.now()
	if info.CreatedAt.IsZero() {
		info.CreatedAt = now
	}
	if info.LastActivityAt.IsZero() {
		info.LastActivityAt = now
	}

	// Create binary file with no content. O_EXCL prevents a custom ID from a
	// pre-create hook from overwriting an existing upload.
	file, err := os.OpenFile(binPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, defaultFilePerm)
	if err != nil {
		if os.IsNotExist(err) {
			err = fmt.Errorf("upload directory does not exist: %s", store.Path)
		}
		return nil, err
	}
	if err := file.Close(); err != nil {
		return nil, err
	}

	upload := &fileUpload{
		store:   store,
		info:    info,
		binPath: binPath,
	}

	if err := store.InfoStore.StoreFileInfo(info); err != nil {
		os.Remove(binPath)
		return nil, err
	}

	return upload, nil
}

func (store FileStore) GetUpload(ctx context.Context, id string) (handler.Upload, error) {
	if !validID(id) {
		return nil, handler.ErrNotFound
	}

	info, err := store.InfoStore.RetrieveFileInfo(id)
	if err != nil {
		return nil, err
	}

	binPath := store.binPath(id)
	stat, err := os.Stat(binPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Terminate removes the payload before the record, so this is
			// a termination which has been interrupted. Complete it.
			if err := store.InfoStore.DeleteFileInfo(id); err != nil {
				return nil, err
			}
			err = handler.ErrNotFound
		}
		return nil, err
	}

	// The record is the source of truth for the offset. Bytes beyond it are
	// leftovers of an interrupted write and are discarded by the next
	// WriteChunk. A payload shorter than the record can only be the result
	// of external tampering, in which case the data on disk wins.
	if stat.Size() < info.Offset {
		info.Offset = stat.Size()
	}

	return &fileUpload{
		store:   store,
		info:    info,
		binPath: binPath,
	}, nil
}

func (store FileStore) AsTerminatableUpload(upload handler.Upload) handler.TerminatableUpload {
	return upload.(*fileUpload)
}

func (store FileStore) AsLengthDeclarableUpload(upload handler.Upload) handler.LengthDeclarableUpload {
	return upload.(*fileUpload)
}

func (store FileStore) AsConcatableUpload(upload handler.Upload) handler.ConcatableUpload {
	return upload.(*fileUpload)
}

// ListExpiredUploads walks all upload records and returns the IDs for which
// isExpired reports true. Records which cannot be read are skipped. Payload
// files without a record are removed once they have expired, see
// removeOrphanedPayloads.
func (store FileStore) ListExpiredUploads(ctx context.Context, isExpired func(handler.FileInfo) bool) ([]string, error) {
	if err := store.removeOrphanedPayloads(ctx, isExpired); err != nil {
		return nil, err
	}

	ids, err := store.InfoStore.ListFileInfoIDs()
	if err != nil {
		return nil, err
	}

	var expired []string
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return expired, err
		}

		info, err := store.InfoStore.RetrieveFileInfo(id)
		if err != nil {
			continue
		}
		if isExpired(info) {
			expired = append(expired, id)
		}
	}

	return expired, nil
}

// removeOrphanedPayloads deletes payload files which have no record. They are
// left behind if the process dies between the two steps of NewUpload. The
// modification time of the payload stands in for the missing timestamps, so
// an upload which is being created right now is never affected.
func (store FileStore) removeOrphanedPayloads(ctx context.Context, isExpired func(handler.FileInfo) bool) error {
	entries, err := os.ReadDir(store.Path)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		id := entry.Name()
		if entry.IsDir() || !validID(id) {
			continue
		}
		if _, err := store.InfoStore.RetrieveFileInfo(id); !errors.Is(err, handler.ErrNotFound) {
			continue
		}

		stat, err := entry.Info()
		if err != nil {
			continue
		}
		orphan := handler.FileInfo{
			ID:             id,
			Offset:         stat.Size(),
			SizeIsDeferred: true,
			CreatedAt:      stat.ModTime(),
			LastActivityAt: stat.ModTime(),
		}
		if !isExpired(orphan) {
			continue
		}

		if err := os.Remove(filepath.Join(store.Path, id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	return nil
}

func (store FileStore) now() time.Time {
	if store.Now == nil {
		return time.Now()
	}
	return store.Now()
}

// binPath returns the path to the file storing the binary data.
func (store FileStore) binPath(id string) string {
	return filepath.Join(store.Path, id)
}

// validID reports whether id can be used as a file name inside the upload
// directory without escaping it.
func validID(id string) bool {
	if id == "" || id == "." || id == ".." || strings.HasPrefix(id, ".") {
		return false
	}
	return !strings.ContainsAny(id, `/\`) && !strings.HasSuffix(id, infoExtension)
}

type fileUpload struct {
	store FileStore

	// info stores the current information about the upload
	info handler.FileInfo
	// binPath is the path to the binary file (which has no extension)
	binPath string
}

func (upload *fileUpload) GetInfo(ctx context.Context) (handler.FileInfo, error) {
	return upload.info, nil
}

// WriteChunk appends the content of src at offset. If reading src or writing
// the data fails, the file is truncated back to offset and the record is left
// untouched.
func (upload *fileUpload) WriteChunk(ctx context.Context, offset int64, src io.Reader) (int64, error) {
	file, err := os.OpenFile(upload.binPath, os.O_WRONLY, defaultFilePerm)
	if err != nil {
		if os.IsNotExist(err) {
			err = handler.ErrNotFound
		}
		return 0, err
	}
	// Avoid the use of defer file.Close() here to ensure no errors are lost

	rollback := func(cause error) (int64, error) {
		if err := file.Truncate(offset); err != nil {
			cause = errors.Join(cause, fmt.Errorf("filestore: rollback failed: %w", err))
		}
		file.Close()
		return 0, cause
	}

	// Remove bytes left behind by a write which was interrupted before its
	// record could be persisted.
	if err := file.Truncate(offset); err != nil {
		file.Close()
		return 0, err
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		file.Close()
		return 0, err
	}

	n, err := io.Copy(file, src)
	if err != nil {
		return rollback(err)
	}
	if err := ctx.Err(); err != nil {
		return rollback(err)
	}
	if err := file.Sync(); err != nil {
		return rollback(err)
	}

	info := upload.info
	info.Offset = offset + n
	info.LastActivityAt = upload.store.now()
	if err := upload.store.InfoStore.StoreFileInfo(info); err != nil {
		return rollback(err)
	}

	if err := file.Close(); err != nil {
		return 0, err
	}

	upload.info = info
	return n, nil
}

func (upload *fileUpload) GetReader(ctx context.Context) (io.ReadCloser, error) {
	return os.Open(upload.binPath)
}

func (upload *fileUpload) Terminate(ctx context.Context) error {
	// We ignore errors indicating that the files cannot be found because we want
	// to delete them anyways. The files might be removed by a cron job for cleaning up
	// or some file might have been removed when the server crashed during the termination.
	err := os.Remove(upload.binPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return upload.store.InfoStore.DeleteFileInfo(upload.info.ID)
}

func (upload *fileUpload) ConcatUploads(ctx context.Context, uploads []handler.Upload) (err error) {
	file, err := os.OpenFile(upload.binPath, os.O_WRONLY|os.O_TRUNC, defaultFilePerm)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			file.Truncate(0)
		}
		// Ensure that close error is propagated, if it occurs.
		cerr := file.Close()
		if err == nil {
			err = cerr
		}
	}()

	var total int64
	for _, partialUpload := range uploads {
		n, err := partialUpload.(*fileUpload).appendTo(file)
		if err != nil {
			return err
		}
		total += n
	}

	if err := file.Sync(); err != nil {
		return err
	}

	info := upload.info
	info.Offset = total
	info.LastActivityAt = upload.store.now()
	if err := upload.store.InfoStore.StoreFileInfo(info); err != nil {
		return err
	}
	upload.info = info

	return nil
}

// appendTo copies the acknowledged bytes of the upload into file. Bytes past
// the recorded offset are not part of the upload.
func (upload *fileUpload) appendTo(file *os.File) (int64, error) {
	src, err := os.Open(upload.binPath)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(file, io.LimitReader(src, upload.info.Offset))
	if err != nil {
		src.Close()
		return n, err
	}

	return n, src.Close()
}

func (upload *fileUpload) DeclareLength(ctx context.Context, length int64) error {
	info := upload.info
	info.Size = length
	info.SizeIsDeferred = false
	if err := upload.store.InfoStore.StoreFileInfo(info); err != nil {
		return err
	}
	upload.info = info
	return nil
}

// FinishUpload records the completion time. Calling it again keeps the first
// timestamp.
func (upload *fileUpload) FinishUpload(ctx context.Context) error {
	if !upload.info.CompletedAt.IsZero() {
		return nil
	}

	info := upload.info
	info.CompletedAt = upload.store.now()
	if err := upload.store.InfoStore.StoreFileInfo(info); err != nil {
		return err
	}
	upload.info = info
	return nil
}
