package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
)

// Error represents an error with the intent to be sent in the HTTP
// response to the client. Therefore, it also contains a HTTPResponse,
// next to an error code and error message.
type Error struct {
	ErrorCode    string
	Message      string
	HTTPResponse HTTPResponse
}

func (e Error) Error() string {
	return e.ErrorCode + ": " + e.Message
}

// Is reports whether target is an Error with the same error code. Two
// errors with different messages or responses but the same code match.
func (e1 Error) Is(target error) bool {
	e2, ok := target.(Error)
	return ok && e1.ErrorCode == e2.ErrorCode
}

// NewError constructs a new Error object with the given error code and message.
// The corresponding HTTP response will have the provided status code
// and a body consisting of the error details.
// responses. See the net/http package for standardized status codes.
func NewError(errCode string, message string, statusCode int) Error {
	return Error{
		ErrorCode: errCode,
		Message:   message,
		HTTPResponse: HTTPResponse{
			StatusCode: statusCode,
			Body:       errCode + ": " + message + "\n",
			Header: HTTPHeader{
				"Content-Type": "text/plain; charset=utf-8",
			},
		},
	}
}

// OffsetMismatchError is returned when a chunk is appended at an offset which
// does not match the upload's current offset. Actual holds the offset the
// client must resume from. It matches ErrMismatchOffset with errors.Is.
type OffsetMismatchError struct {
	Actual int64
	err    Error
}

func newOffsetMismatchError(actual int64) *OffsetMismatchError {
	err := ErrMismatchOffset
	err.HTTPResponse = err.HTTPResponse.MergeWith(HTTPResponse{
		Header: HTTPHeader{
			"Upload-Offset": strconv.FormatInt(actual, 10),
		},
	})

	return &OffsetMismatchError{
		Actual: actual,
		err:    err,
	}
}

func (e *OffsetMismatchError) Error() string {
	return e.err.Error() + " (current offset is " + strconv.FormatInt(e.Actual, 10) + ")"
}

func (e *OffsetMismatchError) Unwrap() error {
	return e.err
}

// ConcatenationError describes why a set of partial uploads could not be
// concatenated. It matches both ErrConcatenation and its Reason with errors.Is.
type ConcatenationError struct {
	Reason Error
	ID     string
}

func newConcatenationError(reason Error, id string) *ConcatenationError {
	return &ConcatenationError{
		Reason: reason,
		ID:     id,
	}
}

func (e *ConcatenationError) Error() string {
	if e.ID == "" {
		return e.Reason.Error()
	}
	return e.Reason.Error() + " (partial upload " + e.ID + ")"
}

func (e *ConcatenationError) Unwrap() []error {
	return []error{e.Reason, ErrConcatenation}
}

// StorageError wraps a failure of the underlying data store. The operation
// was not applied and may be retried. It matches ErrStorageFailure as well as
// the original cause with errors.Is.
type StorageError struct {
	Cause error
}

func (e *StorageError) Error() string {
	return ErrStorageFailure.ErrorCode + ": " + e.Cause.Error()
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorageFailure, e.Cause}
}

// storageError classifies an error returned by the data store. Protocol
// errors (such as ErrNotFound) and cancellations are passed through unchanged,
// everything else is reported as a StorageError.
func storageError(err error) error {
	if err == nil {
		return nil
	}

	var handlerErr Error
	if errors.As(err, &handlerErr) {
		return err
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return &StorageError{Cause: err}
}

// IsNotFound reports whether err indicates that an upload does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

var (
	ErrUnsupportedVersion               = NewError("ERR_UNSUPPORTED_VERSION", "missing, invalid or unsupported Tus-Resumable header", http.StatusPreconditionFailed)
	ErrMaxSizeExceeded                  = NewError("ERR_MAX_SIZE_EXCEEDED", "maximum size exceeded", http.StatusRequestEntityTooLarge)
	ErrInvalidContentType               = NewError("ERR_INVALID_CONTENT_TYPE", "missing or invalid Content-Type header", http.StatusBadRequest)
	ErrInvalidUploadLength              = NewError("ERR_INVALID_UPLOAD_LENGTH", "missing or invalid Upload-Length header", http.StatusBadRequest)
	ErrInvalidOffset                    = NewError("ERR_INVALID_OFFSET", "missing or invalid Upload-Offset header", http.StatusBadRequest)
	ErrInvalidMetadata                  = NewError("ERR_INVALID_METADATA", "missing or invalid upload metadata", http.StatusBadRequest)
	ErrNotFound                         = NewError("ERR_UPLOAD_NOT_FOUND", "upload not found", http.StatusNotFound)
	ErrUploadCompleted                  = NewError("ERR_UPLOAD_NOT_FOUND", "upload has already been completed", http.StatusNotFound)
	ErrUploadExpired                    = NewError("ERR_UPLOAD_EXPIRED", "upload has expired", http.StatusGone)
	ErrFileLocked                       = NewError("ERR_UPLOAD_LOCKED", "file currently locked", http.StatusLocked)
	ErrLockTimeout                      = NewError("ERR_LOCK_TIMEOUT", "failed to acquire lock before timeout", http.StatusInternalServerError)
	ErrMismatchOffset                   = NewError("ERR_MISMATCHED_OFFSET", "mismatched offset", http.StatusConflict)
	ErrSizeExceeded                     = NewError("ERR_UPLOAD_SIZE_EXCEEDED", "upload's size exceeded", http.StatusRequestEntityTooLarge)
	ErrNotImplemented                   = NewError("ERR_NOT_IMPLEMENTED", "feature not implemented", http.StatusNotImplemented)
	ErrConcatenation                    = NewError("ERR_CONCATENATION", "partial uploads cannot be concatenated", http.StatusBadRequest)
	ErrUploadNotFinished                = NewError("ERR_UPLOAD_NOT_FINISHED", "one of the partial uploads is not finished", http.StatusBadRequest)
	ErrInvalidConcat                    = NewError("ERR_INVALID_CONCAT", "invalid Upload-Concat header", http.StatusBadRequest)
	ErrNestedConcat                     = NewError("ERR_NESTED_CONCAT", "a final upload cannot be concatenated again", http.StatusBadRequest)
	ErrNotPartial                       = NewError("ERR_NOT_PARTIAL", "only partial uploads can be concatenated", http.StatusBadRequest)
	ErrModifyFinal                      = NewError("ERR_MODIFY_FINAL", "modifying a final upload is not allowed", http.StatusForbidden)
	ErrUploadLengthAndUploadDeferLength = NewError("ERR_AMBIGUOUS_UPLOAD_LENGTH", "provided both Upload-Length and Upload-Defer-Length", http.StatusBadRequest)
	ErrInvalidUploadDeferLength         = NewError("ERR_INVALID_UPLOAD_LENGTH_DEFER", "invalid Upload-Defer-Length header", http.StatusBadRequest)
	ErrUploadStoppedByServer            = NewError("ERR_UPLOAD_STOPPED", "upload has been stopped by server", http.StatusBadRequest)
	ErrUploadRejectedByServer           = NewError("ERR_UPLOAD_REJECTED", "upload creation has been rejected by server", http.StatusBadRequest)
	ErrUploadInterrupted                = NewError("ERR_UPLOAD_INTERRUPTED", "upload has been interrupted by another request for this upload resource", http.StatusBadRequest)
	ErrServerShutdown                   = NewError("ERR_SERVER_SHUTDOWN", "request has been interrupted because the server is shutting down", http.StatusInternalServerError)
	ErrOriginNotAllowed                 = NewError("ERR_ORIGIN_NOT_ALLOWED", "request origin is not allowed", http.StatusForbidden)
	ErrStorageFailure                   = NewError("ERR_STORAGE_FAILURE", "the upload could not be written to storage, please retry", http.StatusInternalServerError)
	ErrUnexpectedEOF                    = NewError("ERR_UNEXPECTED_EOF", "server expected to receive more bytes", http.StatusBadRequest)

	// These two responses are 500 for backwards compatibility with existing
	// tus clients, which retry on 5XX but not on 4XX.
	ErrReadTimeout     = NewError("ERR_READ_TIMEOUT", "timeout while reading request body", http.StatusInternalServerError)
	ErrConnectionReset = NewError("ERR_CONNECTION_RESET", "TCP connection reset by peer", http.StatusInternalServerError)
)
