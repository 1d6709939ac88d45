package handler

import (
	"context"
	"errors"
	"io"
	"math"

	"golang.org/x/exp/slog"
)

// NewUpload describes an upload which should be created using CreateUpload.
type NewUpload struct {
	// Size is the total length of the upload in bytes. It is ignored for
	// final uploads, whose size is the sum of their partial uploads.
	Size int64
	// SizeIsDeferred indicates that the length is not known yet and will be
	// declared later.
	SizeIsDeferred bool
	MetaData       MetaData
	// IsPartial marks the upload as a partial upload which can later be
	// concatenated into a final upload.
	IsPartial bool
	// IsFinal creates a final upload from the listed PartialUploads.
	IsFinal        bool
	PartialUploads []string
}

// CreateUpload creates a new upload resource. The metadata is checked by
// Config.PreUploadCreateCallback (if set) before anything is stored. For
// final uploads, the partial uploads are concatenated right away and the
// completed upload is returned.
func (handler *UnroutedHandler) CreateUpload(ctx context.Context, params NewUpload) (FileInfo, error) {
	_, info, _, err := handler.createUpload(ctx, params, HTTPResponse{})
	return info, err
}

// ConcatenateUploads creates a final upload from the given partial uploads.
// Every partial upload must exist and be complete. The bytes are copied in
// the given order, so the partial uploads may be removed afterwards.
// Failures regarding the partial uploads are reported as *ConcatenationError.
func (handler *UnroutedHandler) ConcatenateUploads(ctx context.Context, partialIDs []string, meta MetaData) (FileInfo, error) {
	return handler.CreateUpload(ctx, NewUpload{
		MetaData:       meta,
		IsFinal:        true,
		PartialUploads: partialIDs,
	})
}

// AppendChunk writes the content of src to the upload at the given offset.
// The chunk is either stored completely or not at all. If the offset does
// not match the upload's current offset, an *OffsetMismatchError carrying the
// actual offset is returned. When the upload is completed by this chunk,
// Config.CompleteUploadCallback is invoked before AppendChunk returns.
func (handler *UnroutedHandler) AppendChunk(ctx context.Context, id string, offset int64, src io.Reader) (FileInfo, error) {
	if handler.composer.UsesLocker {
		lock, err := handler.lockUpload(ctx, id)
		if err != nil {
			return FileInfo{}, err
		}

		defer lock.Unlock()
	}

	upload, info, err := handler.getUpload(ctx, id)
	if err != nil {
		return FileInfo{}, err
	}

	if err := handler.checkAppend(info, offset); err != nil {
		return info, err
	}

	reader := &limitedReader{
		r: src,
		n: handler.remainingSize(info),
	}

	info, err = handler.writeChunk(ctx, upload, info, reader)
	if reader.err != nil {
		// Errors from the source take precedence over the store's report
		// about the aborted write.
		return info, reader.err
	}
	if err != nil {
		return info, err
	}

	_, info, err = handler.finishUploadIfComplete(ctx, HTTPResponse{}, upload, info)
	return info, err
}

// GetStatus returns the current state of an upload. It does not acquire the
// upload lock, the data store reports the state after the last completed
// write. Expired uploads are reported as not found.
func (handler *UnroutedHandler) GetStatus(ctx context.Context, id string) (FileInfo, error) {
	_, info, err := handler.getUpload(ctx, id)
	if err != nil {
		return FileInfo{}, err
	}

	if handler.config.Expiration.IsExpired(info, handler.config.Now()) {
		return FileInfo{}, ErrNotFound
	}

	return info, nil
}

// TerminateUpload removes an upload. Terminating an upload which does not
// exist (anymore) is not an error.
func (handler *UnroutedHandler) TerminateUpload(ctx context.Context, id string) error {
	if !handler.composer.UsesTerminater {
		return ErrNotImplemented
	}

	if handler.composer.UsesLocker {
		lock, err := handler.lockUpload(ctx, id)
		if err != nil {
			return err
		}

		defer lock.Unlock()
	}

	upload, info, err := handler.getUpload(ctx, id)
	if IsNotFound(err) {
		handler.loggerFor(ctx).Debug("UploadAlreadyTerminated", "id", id)
		return nil
	}
	if err != nil {
		return err
	}

	return handler.terminateUpload(ctx, upload, info)
}

func (handler *UnroutedHandler) createUpload(ctx context.Context, params NewUpload, resp HTTPResponse) (Upload, FileInfo, HTTPResponse, error) {
	if params.IsPartial && params.IsFinal {
		return nil, FileInfo{}, resp, ErrInvalidConcat
	}

	if (params.IsPartial || params.IsFinal) && !handler.composer.UsesConcater {
		return nil, FileInfo{}, resp, ErrNotImplemented
	}

	size := params.Size
	sizeIsDeferred := params.SizeIsDeferred
	var partialUploads []Upload
	if params.IsFinal {
		if len(params.PartialUploads) == 0 {
			return nil, FileInfo{}, resp, ErrInvalidConcat
		}

		var err error
		partialUploads, size, err = handler.sizeOfUploads(ctx, params.PartialUploads)
		if err != nil {
			return nil, FileInfo{}, resp, err
		}
		sizeIsDeferred = false
	} else if sizeIsDeferred {
		if !handler.composer.UsesLengthDeferrer {
			return nil, FileInfo{}, resp, ErrNotImplemented
		}
		size = 0
	} else if size < 0 {
		return nil, FileInfo{}, resp, ErrInvalidUploadLength
	}

	// Test whether the size is still allowed
	if handler.config.MaxSize > 0 && size > handler.config.MaxSize {
		return nil, FileInfo{}, resp, ErrMaxSizeExceeded
	}

	meta := params.MetaData
	if meta == nil {
		meta = make(MetaData)
	}

	now := handler.config.Now()
	info := FileInfo{
		Size:           size,
		SizeIsDeferred: sizeIsDeferred,
		MetaData:       meta,
		IsPartial:      params.IsPartial,
		IsFinal:        params.IsFinal,
		PartialUploads: params.PartialUploads,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	log := handler.loggerFor(ctx)

	if handler.config.PreUploadCreateCallback != nil {
		resp2, changes, err := handler.config.PreUploadCreateCallback(newHookEvent(ctx, info))
		if err != nil {
			log.Info("UploadCreationRejected", "error", err)
			return nil, FileInfo{}, resp, err
		}
		resp = resp.MergeWith(resp2)

		// Apply changes returned from the pre-create hook.
		if changes.ID != "" {
			info.ID = changes.ID
		}

		if changes.MetaData != nil {
			info.MetaData = changes.MetaData
		}

		if changes.Storage != nil {
			info.Storage = changes.Storage
		}
	}

	upload, err := handler.composer.Core.NewUpload(ctx, info)
	if err != nil {
		return nil, FileInfo{}, resp, handler.storageFailure(ctx, "", err)
	}

	info, err = upload.GetInfo(ctx)
	if err != nil {
		return nil, FileInfo{}, resp, handler.storageFailure(ctx, "", err)
	}

	handler.Metrics.incUploadsCreated()
	log.Info("UploadCreated", "id", info.ID, "size", info.Size, "partial", info.IsPartial, "final", info.IsFinal)

	if handler.config.NotifyCreatedUploads {
		handler.CreatedUploads <- newHookEvent(ctx, info)
	}

	if params.IsFinal {
		concatableUpload := handler.composer.Concater.AsConcatableUpload(upload)
		if err := concatableUpload.ConcatUploads(ctx, partialUploads); err != nil {
			err = handler.storageFailure(ctx, info.ID, err)
			if handler.composer.UsesTerminater {
				if terminateErr := handler.composer.Terminater.AsTerminatableUpload(upload).Terminate(ctx); terminateErr != nil {
					log.Error("ConcatenationCleanupError", "id", info.ID, "error", terminateErr)
				}
			}
			return nil, FileInfo{}, resp, err
		}
		info.Offset = size

		resp, info, err = handler.finishUploadIfComplete(ctx, resp, upload, info)
		if err != nil {
			return upload, info, resp, err
		}

		if handler.config.DeletePartialUploadsOnConcat {
			handler.removePartialUploads(ctx, params.PartialUploads)
		}
	} else if !sizeIsDeferred && size == 0 {
		// Directly finish the upload if the upload is empty (i.e. has a size of 0).
		resp, info, err = handler.finishUploadIfComplete(ctx, resp, upload, info)
		if err != nil {
			return upload, info, resp, err
		}
	}

	return upload, info, resp, nil
}

// removePartialUploads terminates the partial uploads after they have been
// consumed by a final upload. Failures are only logged since the final
// upload does not depend on the partial uploads anymore.
func (handler *UnroutedHandler) removePartialUploads(ctx context.Context, ids []string) {
	if !handler.composer.UsesTerminater {
		return
	}

	for _, id := range ids {
		if err := handler.TerminateUpload(ctx, id); err != nil {
			handler.loggerFor(ctx).Error("PartialUploadRemovalError", "id", id, "error", err)
		}
	}
}

// getUpload loads the upload and its info from the data store.
func (handler *UnroutedHandler) getUpload(ctx context.Context, id string) (Upload, FileInfo, error) {
	upload, err := handler.composer.Core.GetUpload(ctx, id)
	if err != nil {
		return nil, FileInfo{}, handler.storageFailure(ctx, id, err)
	}

	info, err := upload.GetInfo(ctx)
	if err != nil {
		return nil, FileInfo{}, handler.storageFailure(ctx, id, err)
	}

	return upload, info, nil
}

// checkAppend verifies that a chunk may be appended to the upload at the
// given offset.
func (handler *UnroutedHandler) checkAppend(info FileInfo, offset int64) error {
	// Final uploads are written once during their creation.
	if info.IsFinal {
		return ErrUploadCompleted
	}

	if handler.config.Expiration.IsExpired(info, handler.config.Now()) {
		return ErrUploadExpired
	}

	if offset != info.Offset {
		return newOffsetMismatchError(info.Offset)
	}

	// A retried request whose chunk has already been stored is detected above
	// as an offset mismatch. Reaching this point means that the client tries
	// to continue an upload which has been completed.
	if info.IsComplete() {
		return ErrUploadCompleted
	}

	return nil
}

// remainingSize returns how many bytes may still be appended to the upload.
func (handler *UnroutedHandler) remainingSize(info FileInfo) int64 {
	if !info.SizeIsDeferred {
		return info.Size - info.Offset
	}

	// If the upload's length is deferred, we still need to set limits for the
	// body size.
	if handler.config.MaxSize > 0 {
		return handler.config.MaxSize - info.Offset
	}

	return math.MaxInt64
}

// writeChunk passes src to the data store and updates the info with the
// number of bytes written. It does not finish the upload.
func (handler *UnroutedHandler) writeChunk(ctx context.Context, upload Upload, info FileInfo, src io.Reader) (FileInfo, error) {
	log := handler.loggerFor(ctx)
	log.Info("ChunkWriteStart", "id", info.ID, "offset", info.Offset)

	bytesWritten, err := upload.WriteChunk(ctx, info.Offset, src)

	log.Info("ChunkWriteComplete", "id", info.ID, "bytesWritten", bytesWritten)

	if err != nil {
		return info, handler.storageFailure(ctx, info.ID, err)
	}

	handler.Metrics.incBytesReceived(uint64(bytesWritten))
	info.Offset += bytesWritten
	info.LastActivityAt = handler.config.Now()

	return info, nil
}

// finishUploadIfComplete checks whether an upload is completed (i.e. upload offset
// matches upload size) and if so, it will call the data store's FinishUpload
// function and invoke the complete callback.
func (handler *UnroutedHandler) finishUploadIfComplete(ctx context.Context, resp HTTPResponse, upload Upload, info FileInfo) (HTTPResponse, FileInfo, error) {
	if !info.IsComplete() {
		return resp, info, nil
	}

	// ... allow the data storage to finish and cleanup the upload
	if err := upload.FinishUpload(ctx); err != nil {
		return resp, info, handler.storageFailure(ctx, info.ID, err)
	}
	info.CompletedAt = handler.config.Now()

	handler.loggerFor(ctx).Info("UploadFinished", "id", info.ID, "size", info.Size)
	handler.Metrics.incUploadsFinished()

	handler.invokeCompleteCallback(ctx, info)

	// ... allow the hook callback to run before sending the response
	if handler.config.PreFinishResponseCallback != nil {
		resp2, err := handler.config.PreFinishResponseCallback(newHookEvent(ctx, info))
		if err != nil {
			return resp, info, err
		}
		resp = resp.MergeWith(resp2)
	}

	return resp, info, nil
}

// invokeCompleteCallback runs Config.CompleteUploadCallback. The upload is
// already stored, so a failure is logged and counted only.
func (handler *UnroutedHandler) invokeCompleteCallback(ctx context.Context, info FileInfo) {
	if handler.config.CompleteUploadCallback == nil {
		return
	}

	if err := handler.config.CompleteUploadCallback(newHookEvent(ctx, info)); err != nil {
		handler.loggerFor(ctx).Error("CompleteCallbackError", "id", info.ID, "error", err)
		handler.Metrics.incCompleteCallbackErrors()
	}
}

// terminateUpload passes a given upload to the DataStore's Terminater,
// send the corresponding upload info on the TerminatedUploads channnel
// and updates the statistics.
func (handler *UnroutedHandler) terminateUpload(ctx context.Context, upload Upload, info FileInfo) error {
	terminatableUpload := handler.composer.Terminater.AsTerminatableUpload(upload)

	err := terminatableUpload.Terminate(ctx)
	if err != nil {
		return handler.storageFailure(ctx, info.ID, err)
	}

	if handler.config.NotifyTerminatedUploads {
		handler.TerminatedUploads <- newHookEvent(ctx, info)
	}

	handler.loggerFor(ctx).Info("UploadTerminated", "id", info.ID)
	handler.Metrics.incUploadsTerminated()

	return nil
}

// sizeOfUploads returns the sum of all sizes for a list of upload ids while
// checking whether all of these uploads can be concatenated. This is used to
// calculate the size of a final resource.
func (handler *UnroutedHandler) sizeOfUploads(ctx context.Context, ids []string) (partialUploads []Upload, size int64, err error) {
	partialUploads = make([]Upload, len(ids))

	for i, id := range ids {
		upload, info, err := handler.getUpload(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				return nil, 0, newConcatenationError(ErrNotFound, id)
			}
			return nil, 0, err
		}

		if info.IsFinal {
			return nil, 0, newConcatenationError(ErrNestedConcat, id)
		}

		if !info.IsPartial {
			return nil, 0, newConcatenationError(ErrNotPartial, id)
		}

		if !info.IsComplete() {
			return nil, 0, newConcatenationError(ErrUploadNotFinished, id)
		}

		size += info.Size
		partialUploads[i] = upload
	}

	return
}

// lockUpload creates a new lock for the given upload ID and attempts to lock it.
// The created lock is returned if it was aquired successfully.
func (handler *UnroutedHandler) lockUpload(ctx context.Context, id string) (Lock, error) {
	lock, err := handler.composer.Locker.NewLock(id)
	if err != nil {
		return nil, err
	}

	lockCtx, cancelContext := context.WithTimeout(ctx, handler.config.AcquireLockTimeout)
	defer cancelContext()

	releaseLock := func() {
		if !handler.config.InterruptConflictingUploads {
			return
		}

		if c, ok := ctx.(*httpContext); ok && c.body != nil {
			c.log.Info("UploadInterrupted", "id", id)
			c.body.closeWithError(ErrUploadInterrupted)
		}
	}

	if err := lock.Lock(lockCtx, releaseLock); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrLockTimeout
		}
		return nil, err
	}

	return lock, nil
}

// storageFailure classifies an error returned by the data store and logs
// it if the data store failed.
func (handler *UnroutedHandler) storageFailure(ctx context.Context, id string, err error) error {
	err = storageError(err)

	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		handler.loggerFor(ctx).Error("StorageError", "id", id, "error", storageErr.Cause)
	}

	return err
}

// loggerFor returns the request's logger if ctx belongs to an HTTP request.
func (handler *UnroutedHandler) loggerFor(ctx context.Context) *slog.Logger {
	if c, ok := ctx.(*httpContext); ok {
		return c.log
	}
	return handler.logger
}
