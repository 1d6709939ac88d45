package handler

import (
	"context"
)

// HookEvent represents an event from tusdisk which can be handled by the application.
type HookEvent struct {
	// Context provides access to the context from the HTTP request. This context is
	// not the exact value as the request context from http.Request.Context() but
	// a similar context that retains the same values as the request context. In
	// addition, Context will be cancelled after a short delay when the request context
	// is cancelled and it will be cancelled if the upload is stopped by the hook.
	Context context.Context `json:"-"`
	// Upload contains information about the upload that caused this hook
	// to be fired.
	Upload FileInfo
	// HTTPRequest contains details about the HTTP request that reached
	// tusdisk. It is empty for operations which were not triggered by a request,
	// e.g. calls of the Go API or the cleanup of expired uploads.
	HTTPRequest HTTPRequest
}

// NewHookEvent creates a HookEvent for the given upload. If ctx belongs to an
// HTTP request handled by this package, the request details are included.
func NewHookEvent(ctx context.Context, info FileInfo) HookEvent {
	return newHookEvent(ctx, info)
}

func newHookEvent(ctx context.Context, info FileInfo) HookEvent {
	event := HookEvent{
		Context: ctx,
		Upload:  info,
	}

	c, ok := ctx.(*httpContext)
	if !ok {
		return event
	}

	// The Host header is promoted to http.Request.Host and removed from the
	// header map, so it is added back for hooks.
	event.HTTPRequest = newHTTPRequest(c.req)
	event.HTTPRequest.Header.Set("Host", c.req.Host)

	return event
}
