package handler

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slog"
)

// UnroutedHandler implements the upload endpoints as separate http.HandlerFuncs
// (PostFile, HeadFile, PatchFile, GetFile and DelFile), which can be mounted
// into any router. Wrap them in Middleware. The same operations are available
// to Go callers as CreateUpload, AppendChunk, GetStatus, ConcatenateUploads
// and TerminateUpload.
type UnroutedHandler struct {
	config        Config
	composer      *StoreComposer
	isBasePathAbs bool
	basePath      string
	logger        *slog.Logger
	extensions    string
	serverCtx     chan struct{}

	// TerminatedUploads receives an event after an upload was terminated, if
	// Config.NotifyTerminatedUploads is set. The event describes the upload
	// as it was before the termination.
	TerminatedUploads chan HookEvent
	// UploadProgress receives an event every Config.UploadProgressInterval
	// while data is being appended, if Config.NotifyUploadProgress is set.
	// The offset counts the bytes read from the request, which may be ahead
	// of the bytes stored.
	UploadProgress chan HookEvent
	// CreatedUploads receives an event after an upload was created, if
	// Config.NotifyCreatedUploads is set.
	CreatedUploads chan HookEvent
	// Metrics counts requests, errors and upload state changes.
	Metrics Metrics
}

// NewUnroutedHandler creates a handler without routing. See NewHandler for a
// routed one.
func NewUnroutedHandler(config Config) (*UnroutedHandler, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	// Only extensions supported by the composed store are announced.
	extensions := "creation,creation-with-upload"
	if config.StoreComposer.UsesTerminater {
		extensions += ",termination"
	}
	if config.StoreComposer.UsesConcater {
		extensions += ",concatenation"
	}
	if config.StoreComposer.UsesLengthDeferrer {
		extensions += ",creation-defer-length"
	}
	if config.Expiration != nil {
		extensions += ",expiration"
	}

	handler := &UnroutedHandler{
		config:            config,
		composer:          config.StoreComposer,
		basePath:          config.BasePath,
		isBasePathAbs:     config.isAbs,
		TerminatedUploads: make(chan HookEvent),
		UploadProgress:    make(chan HookEvent),
		CreatedUploads:    make(chan HookEvent),
		logger:            config.Logger,
		extensions:        extensions,
		Metrics:           newMetrics(),
		serverCtx:         make(chan struct{}),
	}

	return handler, nil
}

// InterruptRequestHandling stops reading the bodies of running POST and
// PATCH requests, which then fail with ErrServerShutdown. Register it using
// http.Server.RegisterOnShutdown. It must be called at most once.
func (handler UnroutedHandler) InterruptRequestHandling() {
	close(handler.serverCtx)
}

// SupportedExtensions returns the comma-separated list announced in the
// Tus-Extension header.
func (handler *UnroutedHandler) SupportedExtensions() string {
	return handler.extensions
}

// Middleware answers OPTIONS requests, applies the CORS policy, sets the
// protocol headers and rejects requests with an unsupported Tus-Resumable
// version before passing them on to h. It also honors
// X-HTTP-Method-Override on POST requests for clients which cannot send
// PATCH or DELETE.
func (handler *UnroutedHandler) Middleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if override := r.Header.Get("X-HTTP-Method-Override"); r.Method == "POST" && override != "" {
			r.Method = override
		}

		c := handler.newContext(w, r)
		c.log.Info("RequestIncoming")
		handler.Metrics.incRequestsTotal(r.Method)

		if err := handler.applyCors(w.Header(), r); err != nil {
			handler.sendError(c, err)
			return
		}

		header := w.Header()
		header.Set("Tus-Resumable", "1.0.0")
		header.Set("X-Content-Type-Options", "nosniff")

		if r.Method == "OPTIONS" {
			if handler.config.MaxSize > 0 {
				header.Set("Tus-Max-Size", strconv.FormatInt(handler.config.MaxSize, 10))
			}
			header.Set("Tus-Version", "1.0.0")
			header.Set("Tus-Extension", handler.extensions)

			// 200 instead of 204, since some browsers reject preflight
			// responses with 204.
			handler.sendResp(c, HTTPResponse{StatusCode: http.StatusOK})
			return
		}

		// Browsers visiting an upload URL do not send Tus-Resumable.
		if r.Method != "GET" && r.Method != "HEAD" && r.Header.Get("Tus-Resumable") != "1.0.0" {
			handler.sendError(c, ErrUnsupportedVersion)
			return
		}

		h.ServeHTTP(w, r)
	})
}

// applyCors sets the CORS headers for requests with an Origin header.
func (handler *UnroutedHandler) applyCors(header http.Header, r *http.Request) error {
	cors := handler.config.Cors
	origin := r.Header.Get("Origin")
	if cors.Disable || origin == "" {
		return nil
	}

	if !cors.AllowOrigin.MatchString(origin) {
		return ErrOriginNotAllowed
	}

	header.Set("Access-Control-Allow-Origin", origin)
	header.Set("Vary", "Origin")
	if cors.AllowCredentials {
		header.Add("Access-Control-Allow-Credentials", "true")
	}

	if r.Method == "OPTIONS" {
		header.Add("Access-Control-Allow-Methods", cors.AllowMethods)
		header.Add("Access-Control-Allow-Headers", cors.AllowHeaders)
		header.Set("Access-Control-Max-Age", cors.MaxAge)
	} else {
		header.Add("Access-Control-Expose-Headers", cors.ExposeHeaders)
	}
	return nil
}

// PostFile creates an upload. A body with the offset content type is
// appended right away (creation-with-upload).
func (handler *UnroutedHandler) PostFile(w http.ResponseWriter, r *http.Request) {
	c := handler.newContext(w, r)
	containsChunk := hasChunk(r)

	// Upload-Concat is ignored if the store cannot concatenate.
	var concatHeader string
	if handler.composer.UsesConcater {
		concatHeader = r.Header.Get("Upload-Concat")
	}

	isPartial, isFinal, partialUploadIDs, err := parseConcat(concatHeader)
	if err != nil {
		handler.sendError(c, err)
		return
	}

	params := NewUpload{
		MetaData:       ParseMetadataHeader(r.Header.Get("Upload-Metadata")),
		IsPartial:      isPartial,
		IsFinal:        isFinal,
		PartialUploads: partialUploadIDs,
	}

	// The size of a final upload is the sum of its partials and it cannot
	// receive data itself.
	if isFinal {
		if containsChunk {
			handler.sendError(c, ErrModifyFinal)
			return
		}
	} else {
		params.Size, params.SizeIsDeferred, err = handler.parseNewUploadLength(r)
		if err != nil {
			handler.sendError(c, err)
			return
		}
	}

	upload, info, resp, err := handler.createUpload(c, params, HTTPResponse{
		StatusCode: http.StatusCreated,
		Header:     HTTPHeader{},
	})
	if err != nil {
		handler.sendError(c, err)
		return
	}

	// Set before appending, so the client learns the URL even if the
	// chunk fails.
	url := handler.absFileURL(r, info.ID)
	resp.Header["Location"] = url
	c.log.Debug("UploadLocation", "id", info.ID, "url", url)

	if containsChunk {
		if handler.composer.UsesLocker {
			lock, err := handler.lockUpload(c, info.ID)
			if err != nil {
				handler.sendError(c, err)
				return
			}
			defer lock.Unlock()
		}

		resp, info, err = handler.receiveChunk(c, resp, upload, info)
		if err != nil {
			handler.sendError(c, err)
			return
		}
	}

	resp.Header["Upload-Offset"] = strconv.FormatInt(info.Offset, 10)
	handler.setExpiresHeader(resp, info)
	handler.sendResp(c, resp)
}

// HeadFile reports the offset, length, metadata and concatenation state of
// an upload.
func (handler *UnroutedHandler) HeadFile(w http.ResponseWriter, r *http.Request) {
	c := handler.newContext(w, r)

	id, err := extractIDFromPath(r.URL.Path)
	if err != nil {
		handler.sendError(c, err)
		return
	}

	info, err := handler.GetStatus(c, id)
	if err != nil {
		handler.sendError(c, err)
		return
	}

	resp := HTTPResponse{
		StatusCode: http.StatusOK,
		Header: HTTPHeader{
			"Cache-Control": "no-store",
			"Upload-Offset": strconv.FormatInt(info.Offset, 10),
		},
	}

	switch {
	case info.IsPartial:
		resp.Header["Upload-Concat"] = "partial"
	case info.IsFinal:
		resp.Header["Upload-Concat"] = handler.finalConcatHeader(r, info.PartialUploads)
	}

	if len(info.MetaData) != 0 {
		resp.Header["Upload-Metadata"] = SerializeMetadataHeader(info.MetaData)
	}

	if info.SizeIsDeferred {
		resp.Header["Upload-Defer-Length"] = UploadLengthDeferred
	} else {
		size := strconv.FormatInt(info.Size, 10)
		resp.Header["Upload-Length"] = size
		resp.Header["Content-Length"] = size
	}

	handler.setExpiresHeader(resp, info)
	handler.sendResp(c, resp)
}

// PatchFile appends the request body to an upload at the offset given in
// Upload-Offset. A deferred length may be declared in the same request.
func (handler *UnroutedHandler) PatchFile(w http.ResponseWriter, r *http.Request) {
	c := handler.newContext(w, r)

	if !hasChunk(r) {
		handler.sendError(c, ErrInvalidContentType)
		return
	}

	offset, err := parseOffset(r)
	if err != nil {
		handler.sendError(c, err)
		return
	}

	id, err := extractIDFromPath(r.URL.Path)
	if err != nil {
		handler.sendError(c, err)
		return
	}

	if handler.composer.UsesLocker {
		lock, err := handler.lockUpload(c, id)
		if err != nil {
			handler.sendError(c, err)
			return
		}
		defer lock.Unlock()
	}

	upload, info, err := handler.getUpload(c, id)
	if err != nil {
		handler.sendError(c, err)
		return
	}

	if err := handler.checkAppend(info, offset); err != nil {
		handler.sendError(c, err)
		return
	}

	if r.Header.Get("Upload-Length") != "" {
		if info, err = handler.declareLength(c, upload, info); err != nil {
			handler.sendError(c, err)
			return
		}
	}

	resp, info, err := handler.receiveChunk(c, HTTPResponse{
		StatusCode: http.StatusNoContent,
		Header:     make(HTTPHeader, 2),
	}, upload, info)
	if err != nil {
		handler.sendError(c, err)
		return
	}

	handler.setExpiresHeader(resp, info)
	handler.sendResp(c, resp)
}

// declareLength applies the Upload-Length header to an upload created with
// a deferred length.
func (handler *UnroutedHandler) declareLength(c *httpContext, upload Upload, info FileInfo) (FileInfo, error) {
	if !handler.composer.UsesLengthDeferrer {
		return info, ErrNotImplemented
	}
	if !info.SizeIsDeferred {
		return info, ErrInvalidUploadLength
	}

	length, err := strconv.ParseInt(c.req.Header.Get("Upload-Length"), 10, 64)
	if err != nil || length < info.Offset || (handler.config.MaxSize > 0 && length > handler.config.MaxSize) {
		return info, ErrInvalidUploadLength
	}

	if err := handler.composer.LengthDeferrer.AsLengthDeclarableUpload(upload).DeclareLength(c, length); err != nil {
		return info, handler.storageFailure(c, info.ID, err)
	}

	info.Size = length
	info.SizeIsDeferred = false
	return info, nil
}

// receiveChunk appends the request body to the upload and sets the new
// Upload-Offset in resp. The response is not sent.
func (handler *UnroutedHandler) receiveChunk(c *httpContext, resp HTTPResponse, upload Upload, info FileInfo) (HTTPResponse, FileInfo, error) {
	r := c.req
	length := r.ContentLength
	id := info.ID

	if !info.SizeIsDeferred && info.Offset+length > info.Size {
		return resp, info, ErrSizeExceeded
	}

	maxSize := handler.remainingSize(info)
	if length > 0 {
		maxSize = length
	}

	if r.Body == nil {
		resp.Header["Upload-Offset"] = strconv.FormatInt(info.Offset, 10)
		return resp, info, nil
	}

	c.body = newBodyReader(c, maxSize)

	// Set if a hook stopped the upload, which is then terminated after the
	// write returned.
	var stopped atomic.Bool
	info.stopUpload = func(res HTTPResponse) {
		stopped.Store(true)

		err := ErrUploadStoppedByServer
		err.HTTPResponse = err.HTTPResponse.MergeWith(res)
		c.body.closeWithError(err)
	}

	writeDone := make(chan struct{})
	go func() {
		select {
		case <-writeDone:
		case <-handler.serverCtx:
			c.body.closeWithError(ErrServerShutdown)
		}
	}()

	if handler.config.NotifyUploadProgress {
		stopProgressEvents := handler.sendProgressMessages(newHookEvent(c, info), c.body)
		defer close(stopProgressEvents)
	}

	info, err := handler.writeChunk(c, upload, info, c.body)
	close(writeDone)

	// A failing body causes the store error, so it is the one reported.
	if bodyErr := c.body.hasError(); bodyErr != nil {
		c.log.Error("BodyReadError", "id", id, "error", bodyErr.Error())
		err = bodyErr
	}

	if stopped.Load() && handler.composer.UsesTerminater {
		if terminateErr := handler.terminateUpload(c, upload, info); terminateErr != nil {
			// The client cannot act on this, so it is only logged.
			c.log.Error("UploadStopTerminateError", "id", id, "error", terminateErr.Error())
		}
	}

	if err != nil {
		return resp, info, err
	}

	resp.Header["Upload-Offset"] = strconv.FormatInt(info.Offset, 10)
	return handler.finishUploadIfComplete(c, resp, upload, info)
}

// DelFile terminates an upload permanently. Terminating an unknown upload
// is answered with 204 No Content as well.
func (handler *UnroutedHandler) DelFile(w http.ResponseWriter, r *http.Request) {
	c := handler.newContext(w, r)

	id, err := extractIDFromPath(r.URL.Path)
	if err != nil {
		handler.sendError(c, err)
		return
	}

	if err := handler.TerminateUpload(c, id); err != nil {
		handler.sendError(c, err)
		return
	}

	handler.sendResp(c, HTTPResponse{StatusCode: http.StatusNoContent})
}

func (handler *UnroutedHandler) setExpiresHeader(resp HTTPResponse, info FileInfo) {
	if expires := handler.config.Expiration.header(info); expires != "" {
		resp.Header["Upload-Expires"] = expires
	}
}

// sendError maps err to its HTTP response and counts it. Errors which are
// not an Error are reported as ERR_INTERNAL_SERVER_ERROR.
func (handler *UnroutedHandler) sendError(c *httpContext, err error) {
	// Timeouts and connection resets carry details which would split the
	// error metrics.
	err = translateBodyError(err)

	var (
		detailedErr Error
		mismatchErr *OffsetMismatchError
		concatErr   *ConcatenationError
		storageErr  *StorageError
	)
	switch {
	case errors.As(err, &mismatchErr):
		detailedErr = mismatchErr.err
	case errors.As(err, &concatErr):
		detailedErr = concatErr.Reason
		detailedErr.Message = concatErr.Error()
		detailedErr.HTTPResponse.Body = concatErr.Error() + "\n"
		if detailedErr.HTTPResponse.StatusCode == http.StatusNotFound {
			// A missing partial upload is a client error regarding the final upload.
			detailedErr.HTTPResponse.StatusCode = ErrConcatenation.HTTPResponse.StatusCode
		}
	case errors.As(err, &storageErr):
		detailedErr = ErrStorageFailure
	case errors.As(err, &detailedErr):
	default:
		c.log.Error("InternalServerError", "message", err.Error())
		detailedErr = NewError("ERR_INTERNAL_SERVER_ERROR", err.Error(), http.StatusInternalServerError)
	}

	if c.req.Method == "HEAD" {
		detailedErr.HTTPResponse.Body = ""
	}

	handler.sendResp(c, detailedErr.HTTPResponse)
	handler.Metrics.incErrorsTotal(detailedErr)
}

func (handler *UnroutedHandler) sendResp(c *httpContext, resp HTTPResponse) {
	resp.writeTo(c.res)

	c.log.Info("ResponseOutgoing", "status", resp.StatusCode, "body", resp.Body)
}

// sendProgressMessages emits the number of bytes read from reader on
// UploadProgress every UploadProgressInterval, and a final time once the
// returned channel is closed. Unchanged offsets are not repeated.
func (handler *UnroutedHandler) sendProgressMessages(hook HookEvent, reader *bodyReader) chan<- struct{} {
	originalOffset := hook.Upload.Offset
	previousOffset := int64(0)
	stop := make(chan struct{}, 1)

	emit := func() {
		hook.Upload.Offset = originalOffset + reader.bytesRead()
		if hook.Upload.Offset != previousOffset {
			handler.UploadProgress <- hook
			previousOffset = hook.Upload.Offset
		}
	}

	go func() {
		ticker := time.NewTicker(handler.config.UploadProgressInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				emit()
				return
			case <-ticker.C:
				emit()
			}
		}
	}()

	return stop
}
