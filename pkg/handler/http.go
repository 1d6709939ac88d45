package handler

import (
	"net/http"
	"strconv"

	"golang.org/x/exp/maps"
)

// HTTPRequest is the part of an incoming request which is handed to
// callbacks and hooks.
type HTTPRequest struct {
	Method     string
	URI        string
	RemoteAddr string
	Header     http.Header
}

// newHTTPRequest copies the request details. The header map is cloned, so
// hooks running in other goroutines never share it with the request.
func newHTTPRequest(r *http.Request) HTTPRequest {
	return HTTPRequest{
		Method:     r.Method,
		URI:        r.RequestURI,
		RemoteAddr: r.RemoteAddr,
		Header:     r.Header.Clone(),
	}
}

// HTTPHeader holds single-valued response headers.
type HTTPHeader map[string]string

// HTTPResponse describes a response which the handler, a callback or a hook
// wants to send.
type HTTPResponse struct {
	StatusCode int
	Body       string
	Header     HTTPHeader
}

func (resp HTTPResponse) writeTo(w http.ResponseWriter) {
	header := w.Header()
	for key, value := range resp.Header {
		header.Set(key, value)
	}

	if resp.Body == "" {
		w.WriteHeader(resp.StatusCode)
		return
	}

	header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.StatusCode)
	w.Write([]byte(resp.Body))
}

// MergeWith returns a copy of resp1 in which the status code, body and
// headers set in resp2 take precedence. Neither header map is modified.
func (resp1 HTTPResponse) MergeWith(resp2 HTTPResponse) HTTPResponse {
	merged := resp1
	if resp2.StatusCode != 0 {
		merged.StatusCode = resp2.StatusCode
	}
	if resp2.Body != "" {
		merged.Body = resp2.Body
	}

	merged.Header = make(HTTPHeader, len(resp1.Header)+len(resp2.Header))
	maps.Copy(merged.Header, resp1.Header)
	maps.Copy(merged.Header, resp2.Header)

	return merged
}
