package handler

import (
	"io"
	"net/http"
	"regexp"
	"strconv"
)

var reMimeType = regexp.MustCompile(`^[a-z]+\/[a-z0-9\-\+\.]+$`)

// inlineMimeTypes may be rendered by browsers directly. Everything else, e.g.
// HTML, SVG or PDF, is served as attachment since it may carry active content.
var inlineMimeTypes = map[string]bool{
	"text/plain": true,

	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/bmp":  true,
	"image/webp": true,

	"audio/wave":      true,
	"audio/wav":       true,
	"audio/x-wav":     true,
	"audio/x-pn-wav":  true,
	"audio/webm":      true,
	"video/webm":      true,
	"audio/ogg":       true,
	"video/ogg":       true,
	"application/ogg": true,
}

// GetFile streams the bytes stored so far for an upload. Uploads without any
// data are answered with 204 No Content.
func (handler *UnroutedHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	c := handler.newContext(w, r)

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

	contentType, contentDisposition := filterContentType(info)
	resp := HTTPResponse{
		StatusCode: http.StatusOK,
		Header: HTTPHeader{
			"Content-Length":      strconv.FormatInt(info.Offset, 10),
			"Content-Type":        contentType,
			"Content-Disposition": contentDisposition,
		},
	}

	if info.Offset == 0 {
		resp.StatusCode = http.StatusNoContent
		handler.sendResp(c, resp)
		return
	}

	src, err := upload.GetReader(c)
	if err != nil {
		handler.sendError(c, handler.storageFailure(c, id, err))
		return
	}
	defer src.Close()

	// The body is copied after the headers, so it is not part of resp.
	handler.sendResp(c, resp)
	if _, err := io.Copy(w, src); err != nil {
		c.log.Warn("DownloadInterrupted", "id", id, "error", err)
	}
}

// filterContentType derives the Content-Type and Content-Disposition of a
// download from the "type" and "name" metadata. Malformed types fall back to
// application/octet-stream.
func filterContentType(info FileInfo) (contentType string, contentDisposition string) {
	contentType = "application/octet-stream"
	contentDisposition = "attachment"

	if filetype := info.MetaData["type"]; reMimeType.MatchString(filetype) {
		contentType = filetype
		if inlineMimeTypes[filetype] {
			contentDisposition = "inline"
		}
	}

	if filename, ok := info.MetaData["name"]; ok {
		contentDisposition += ";filename=" + strconv.Quote(filename)
	}

	return contentType, contentDisposition
}
