package handler

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// bodyReader is an io.Reader, which is intended to wrap the request
// body reader. Errors which occur while reading the request body are
// translated into handler errors (e.g. ErrReadTimeout) and stored, so that
// the handler can report them, but they are also returned to the reading
// data store, which must discard the partially received chunk.
// In addition, the bodyReader keeps track of how many bytes were read.
type bodyReader struct {
	bytesCounter atomic.Int64
	ctx          *httpContext
	reader       io.ReadCloser

	// lock protects concurrent access to err.
	lock sync.RWMutex
	err  error
}

func newBodyReader(c *httpContext, maxSize int64) *bodyReader {
	return &bodyReader{
		ctx:    c,
		reader: http.MaxBytesReader(c.res, c.req.Body, maxSize),
	}
}

func (r *bodyReader) Read(b []byte) (int, error) {
	r.lock.RLock()
	err := r.err
	r.lock.RUnlock()
	if err != nil {
		return 0, err
	}

	n, err := r.reader.Read(b)
	r.bytesCounter.Add(int64(n))

	if err == nil || err == io.EOF {
		return n, err
	}

	// http.ErrBodyReadAfterClose means that the bodyReader closed the request body because the upload
	// is stopped or the server shuts down. In this case, the closeWithError method already
	// set `r.err` and thus we don't overwrite it here.
	if err != http.ErrBodyReadAfterClose {
		err = translateBodyError(err)
	}

	r.lock.Lock()
	if r.err == nil {
		r.err = err
	}
	err = r.err
	r.lock.Unlock()

	return n, err
}

// translateBodyError converts network errors into handler errors which do not
// leak local addresses into responses.
func translateBodyError(err error) error {
	// All of the following errors can be understood as the input stream ending too soon:
	// - io.ErrClosedPipe is returned in the package's unit test with io.Pipe()
	// - io.UnexpectedEOF means that the client aborted the request.
	if err == io.ErrClosedPipe || err == io.ErrUnexpectedEOF {
		return ErrUnexpectedEOF
	}

	if strings.HasSuffix(err.Error(), "read: connection reset by peer") {
		return ErrConnectionReset
	}

	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return ErrReadTimeout
	}

	// MaxBytesError is returned from http.MaxBytesReader, which we use to limit
	// the request body size.
	maxBytesErr := &http.MaxBytesError{}
	if errors.As(err, &maxBytesErr) {
		return ErrSizeExceeded
	}

	return err
}

// hasError returns the error which occurred while reading the body, if any.
func (r *bodyReader) hasError() error {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return r.err
}

func (r *bodyReader) bytesRead() int64 {
	return r.bytesCounter.Load()
}

// closeWithError stops the reading of the body. Reads which are currently
// in progress and all future ones return err.
func (r *bodyReader) closeWithError(err error) {
	r.lock.Lock()
	r.err = err
	r.lock.Unlock()

	// SetReadDeadline with the current time causes concurrent reads to the body to time out,
	// so the body will be closed sooner with less delay.
	if err := r.ctx.resC.SetReadDeadline(time.Now()); err != nil && !errors.Is(err, http.ErrNotSupported) {
		r.ctx.log.Warn("NetworkTimeoutError", "error", err)
	}

	r.reader.Close()
}

// limitedReader reads at most n bytes from r. If the source holds more data,
// ErrSizeExceeded is returned. Errors from the source are recorded, so that
// they can be told apart from data store failures.
type limitedReader struct {
	r   io.Reader
	n   int64
	err error
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.n <= 0 {
		var probe [1]byte
		n, err := l.r.Read(probe[:])
		if n > 0 {
			l.err = ErrSizeExceeded
			return 0, l.err
		}
		if err != nil && err != io.EOF {
			l.err = err
		}
		return 0, err
	}

	if int64(len(p)) > l.n {
		p = p[:l.n]
	}

	n, err := l.r.Read(p)
	l.n -= int64(n)
	if err != nil && err != io.EOF {
		l.err = err
	}
	return n, err
}
