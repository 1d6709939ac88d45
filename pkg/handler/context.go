package handler

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/exp/slog"
)

// httpContext is wrapper around context.Context that also carries the
// corresponding HTTP request and response writer, as well as an
// optional body reader
type httpContext struct {
	context.Context

	// cancel allows a user to cancel the internal request context, causing
	// the request body to be closed.
	cancel context.CancelCauseFunc
	// res and req are the native request and response instances
	res  http.ResponseWriter
	resC *http.ResponseController
	req  *http.Request
	// body is nil by default and set by the user if the request body is consumed.
	body *bodyReader
	// log is the logger for this request. It gets extended with more properties as the
	// request progresses and is identified.
	log *slog.Logger
}

// newContext constructs a new httpContext for the given request. The context
// is not cancelled directly when the client disconnects but only after
// gracefulCompletionTimeout, giving the data store a chance to persist or
// roll back the chunk which was being received.
func (h UnroutedHandler) newContext(w http.ResponseWriter, r *http.Request) *httpContext {
	ctx, cancel := context.WithCancelCause(context.WithoutCancel(r.Context()))

	c := &httpContext{
		Context: ctx,
		cancel:  cancel,
		res:     w,
		resC:    http.NewResponseController(w),
		req:     r,
		body:    nil, // body can be filled later for PATCH requests
		log:     h.logger.With("method", r.Method, "path", r.URL.Path, "requestId", getRequestId(r)),
	}

	timeout := h.config.GracefulRequestCompletionTimeout
	context.AfterFunc(r.Context(), func() {
		time.AfterFunc(timeout, func() {
			cancel(context.Cause(r.Context()))
		})
	})

	return c
}
