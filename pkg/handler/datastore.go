package handler

import (
	"context"
	"io"
	"time"
)

type MetaData map[string]string

// FileInfo contains information about a specific upload resource
type FileInfo struct {
	// ID uniquely identifies an upload resource.
	ID string
	// Total file size in bytes specified in the NewUpload call
	Size int64
	// Indicates whether the total file size is deferred until later
	SizeIsDeferred bool
	// Offset in bytes (zero-based)
	Offset int64
	MetaData MetaData
	// IsPartial indicates whether this is a partial upload
	IsPartial bool
	// IsFinal indicates whether this is a final upload
	IsFinal bool
	// PartialUploads contains the uploads to be concatenated when this upload is a final one
	PartialUploads []string
	// Storage contains additional information about where the data storage saves
	// the upload. The available keys depend on the used data store.
	Storage map[string]string

	// CreatedAt is set once when the upload is created.
	CreatedAt time.Time
	// LastActivityAt is updated by the data store whenever a chunk has been
	// written successfully, including an empty one.
	LastActivityAt time.Time
	// CompletedAt is set exactly once, when the upload has been finished.
	CompletedAt time.Time `json:",omitempty"`

	// stopUpload is a callback for communicating that an upload should by stopped
	// and interrupt the writes to DataStore#WriteChunk.
	stopUpload func(HTTPResponse)
}

// IsComplete reports whether all bytes of the upload have been received.
// Uploads with a deferred length are never complete.
func (f FileInfo) IsComplete() bool {
	return !f.SizeIsDeferred && f.Offset == f.Size
}

// StopUpload interrupts a running upload from the server-side. This means that
// the current request body is closed, so that the data store does not get any
// more data. Furthermore, a response is sent to notify the client of the
// interrupting and the upload is terminated (if supported by the data store),
// so the upload cannot be resumed anymore. The response to the client can be
// optionally modified by providing values in the HTTPResponse struct.
func (f FileInfo) StopUpload(response HTTPResponse) {
	if f.stopUpload != nil {
		f.stopUpload(response)
	}
}

// FileInfoChanges collects changes the should be made to a FileInfo struct. This
// can be done using the PreUploadCreateCallback to modify certain properties before
// an upload is created. Properties which should not be modified (e.g. Size or Offset)
// are intentionally left out here.
type FileInfoChanges struct {
	// If ID is not empty, it will be passed to the data store, allowing
	// hooks to influence the upload ID. Be aware that a data store is not required to
	// respect a pre-defined upload ID and might overwrite or modify it.
	ID string

	// If MetaData is not nil, it replaces the entire user-defined meta data from
	// the upload creation request. If you want to keep the entire user-defined
	// meta data, set this field to nil.
	MetaData MetaData

	// If Storage is not nil, it is passed to the data store to allow for minor adjustments
	// to the upload storage (e.g. destination file name).
	Storage map[string]string
}

// Upload represents an upload in the data store. It can either be a normal
// upload or a partial upload (see handler.FileInfo).
type Upload interface {
	// GetInfo returns the FileInfo for this upload.
	GetInfo(ctx context.Context) (FileInfo, error)
	// WriteChunk takes a reader and appends its content to the upload at the
	// given offset. The write is all or nothing: if an error is returned, no
	// bytes of this chunk may remain visible and the upload's offset must be
	// unchanged. On success the data store records the time of the write as
	// the upload's LastActivityAt.
	WriteChunk(ctx context.Context, offset int64, src io.Reader) (int64, error)
	// GetReader returns a reader which can be used to read the content of this upload.
	// The caller is responsible for closing the reader once it is no longer needed.
	GetReader(ctx context.Context) (io.ReadCloser, error)
	// FinishUpload indicates that the upload is complete and no more chunks will
	// be uploaded. The data store records the completion time as CompletedAt.
	FinishUpload(ctx context.Context) error
}

// DataStore is the interface that must be implemented by a data store.
type DataStore interface {
	// NewUpload creates a new upload using the given upload information.
	NewUpload(ctx context.Context, info FileInfo) (Upload, error)
	// GetUpload returns the upload with the specified upload ID. If no such
	// upload exists, ErrNotFound must be returned.
	GetUpload(ctx context.Context, id string) (Upload, error)
}

type TerminatableUpload interface {
	// Terminate an upload so any further requests to the upload resource will
	// return the ErrNotFound error.
	Terminate(ctx context.Context) error
}

// TerminaterDataStore is the interface which must be implemented by DataStores
// if they want to receive DELETE requests using the Handler. If this interface
// is not implemented, no request handler for this method is attached.
type TerminaterDataStore interface {
	AsTerminatableUpload(upload Upload) TerminatableUpload
}

// ConcaterDataStore is the interface required to be implemented if the
// Concatenation extension should be enabled. Only in this case, the handler
// will parse and respect the Upload-Concat header.
type ConcaterDataStore interface {
	AsConcatableUpload(upload Upload) ConcatableUpload
}

type ConcatableUpload interface {
	// ConcatUploads concatenates the content from the provided partial uploads
	// and writes the result in the destination upload.
	// The caller (usually the handler) must and will ensure that this
	// destination upload has been created before with enough space to hold all
	// partial uploads. The order, in which the partial uploads are supplied,
	// must be respected during concatenation. The result is a copy: removing
	// a partial upload afterwards must not affect the destination.
	ConcatUploads(ctx context.Context, partialUploads []Upload) error
}

// LengthDeferrerDataStore is the interface that must be implemented if the
// creation-defer-length extension should be enabled. The extension enables a
// client to upload files when their total size is not yet known. Instead, the
// client must send the total size as soon as it becomes known.
type LengthDeferrerDataStore interface {
	AsLengthDeclarableUpload(upload Upload) LengthDeclarableUpload
}

type LengthDeclarableUpload interface {
	DeclareLength(ctx context.Context, length int64) error
}

// ExpirerDataStore is implemented by data stores which can enumerate their
// uploads. It is used by the cleanup scheduler to find uploads which have
// expired. isExpired is evaluated for every stored upload; the IDs of all
// uploads for which it returns true are returned. A failure to read a single
// upload's information is not an error, such uploads are skipped.
type ExpirerDataStore interface {
	ListExpiredUploads(ctx context.Context, isExpired func(FileInfo) bool) ([]string, error)
}

// Locker is the interface required for custom lock persisting mechanisms.
// Common ways to store this information is in memory, on disk or using an
// external service, such as Redis.
// When multiple processes are attempting to access an upload, whether it be
// by reading or writing, a synchronization mechanism is required to prevent
// data corruption, especially to ensure correct offset values and the proper
// order of chunks inside a single upload.
type Locker interface {
	// NewLock creates a new unlocked lock object for the given upload ID.
	NewLock(id string) (Lock, error)
}

// Lock is the interface for a lock as returned from a Locker.
type Lock interface {
	// Lock attempts to obtain an exclusive lock for the upload specified
	// by its id.
	// If the lock can be acquired, it will return without error. The requestRelease
	// callback is invoked when another caller attempts to create a lock. In this
	// case, the holder of the lock may decide to release the lock early. The
	// handler only does so if Config.InterruptConflictingUploads is set,
	// otherwise the waiting caller is served after the holder has finished.
	// If the context is cancelled before the lock can be acquired,
	// ErrLockTimeout will be returned without acquiring the lock.
	Lock(ctx context.Context, requestRelease func()) error
	// Unlock releases an existing lock for the given upload.
	Unlock() error
}
