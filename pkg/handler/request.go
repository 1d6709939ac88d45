package handler

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

const UploadLengthDeferred = "1"

var (
	reForwardedHost  = regexp.MustCompile(`host="?([^;"]+)`)
	reForwardedProto = regexp.MustCompile(`proto=(https?)`)
)

// absFileURL returns the URL of an upload. A relative base path is resolved
// against the host and protocol of the request.
func (handler *UnroutedHandler) absFileURL(r *http.Request, id string) string {
	if handler.isBasePathAbs {
		return handler.basePath + id
	}

	host, proto := getHostAndProtocol(r, handler.config.RespectForwardedHeaders)
	return proto + "://" + host + handler.basePath + id
}

// finalConcatHeader builds the Upload-Concat value of a final upload.
func (handler *UnroutedHandler) finalConcatHeader(r *http.Request, partialIDs []string) string {
	urls := make([]string, len(partialIDs))
	for i, id := range partialIDs {
		urls[i] = handler.absFileURL(r, id)
	}
	return "final;" + strings.Join(urls, " ")
}

// getHostAndProtocol extracts the host and protocol of a request. With
// allowForwarded, the X-Forwarded-Host, X-Forwarded-Proto and Forwarded
// headers set by proxies take precedence, in this order.
func getHostAndProtocol(r *http.Request, allowForwarded bool) (host, proto string) {
	host = r.Host
	proto = "http"
	if r.TLS != nil {
		proto = "https"
	}

	if !allowForwarded {
		return host, proto
	}

	if h := r.Header.Get("X-Forwarded-Host"); h != "" {
		host = h
	}
	if h := r.Header.Get("X-Forwarded-Proto"); h == "http" || h == "https" {
		proto = h
	}

	if h := r.Header.Get("Forwarded"); h != "" {
		if m := reForwardedHost.FindStringSubmatch(h); len(m) == 2 {
			host = m[1]
		}
		if m := reForwardedProto.FindStringSubmatch(h); len(m) == 2 {
			proto = m[1]
		}
	}

	return host, proto
}

// parseNewUploadLength checks the Upload-Length and Upload-Defer-Length
// headers of a creation request. Exactly one of them must be present.
func (handler *UnroutedHandler) parseNewUploadLength(r *http.Request) (size int64, deferred bool, err error) {
	lengthHeader := r.Header.Get("Upload-Length")
	deferHeader := r.Header.Get("Upload-Defer-Length")

	switch {
	case deferHeader == UploadLengthDeferred && !handler.composer.UsesLengthDeferrer:
		return 0, false, ErrNotImplemented
	case lengthHeader != "" && deferHeader != "":
		return 0, false, ErrUploadLengthAndUploadDeferLength
	case deferHeader != "" && deferHeader != UploadLengthDeferred:
		return 0, false, ErrInvalidUploadDeferLength
	case deferHeader == UploadLengthDeferred:
		return 0, true, nil
	}

	size, err = strconv.ParseInt(lengthHeader, 10, 64)
	if err != nil || size < 0 {
		return 0, false, ErrInvalidUploadLength
	}
	return size, false, nil
}

// parseOffset reads the Upload-Offset header of an append request.
func parseOffset(r *http.Request) (int64, error) {
	offset, err := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)
	if err != nil || offset < 0 {
		return 0, ErrInvalidOffset
	}
	return offset, nil
}

// hasChunk reports whether the request body carries upload data. Other
// content types are ignored, since some clients always send a default.
func hasChunk(r *http.Request) bool {
	return r.Header.Get("Content-Type") == "application/offset+octet-stream"
}
