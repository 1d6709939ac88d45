// Package http sends every hook event as JSON-encoded POST request to an
// endpoint. The endpoint answers with a JSON-encoded hooks.HookResponse.
// Failed requests are retried with a linear backoff.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/sethgrid/pester"

	"github.com/tusdisk/tusdisk/pkg/hooks"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultSizeLimit = 1 << 20
)

type HttpHook struct {
	Endpoint       string
	MaxRetries     int
	Backoff        time.Duration
	ForwardHeaders []string
	Timeout        time.Duration
	SizeLimit      int64
	// Client is used for the requests instead of http.DefaultClient if set.
	Client *http.Client

	client *pester.Client
}

func (h *HttpHook) Setup() error {
	if h.Endpoint == "" {
		return errors.New("http hook: no endpoint configured")
	}
	if h.Timeout <= 0 {
		h.Timeout = DefaultTimeout
	}
	if h.SizeLimit <= 0 {
		h.SizeLimit = DefaultSizeLimit
	}
	if h.MaxRetries <= 0 {
		h.MaxRetries = 1
	}

	var client *pester.Client
	if h.Client != nil {
		client = pester.NewExtendedClient(h.Client)
	} else {
		client = pester.New()
	}
	client.KeepLog = true
	client.MaxRetries = h.MaxRetries
	client.Backoff = func(_ int) time.Duration {
		return h.Backoff
	}

	h.client = client

	return nil
}

func (h HttpHook) InvokeHook(hookReq hooks.HookRequest) (hookRes hooks.HookResponse, err error) {
	ctx := hookReq.Event.Context
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	httpReq, err := h.newRequest(ctx, hookReq)
	if err != nil {
		return hookRes, err
	}

	httpRes, err := h.client.Do(httpReq)
	if err != nil {
		return hookRes, err
	}
	defer httpRes.Body.Close()

	body, err := h.readResponse(httpRes)
	if err != nil {
		return hookRes, err
	}

	if err = json.Unmarshal(body, &hookRes); err != nil {
		return hookRes, fmt.Errorf("failed to parse hook response: %w", err)
	}
	return hookRes, nil
}

// newRequest encodes the hook request as JSON body. Headers listed in
// ForwardHeaders are copied from the upload request, using the spelling
// from ForwardHeaders.
func (h HttpHook) newRequest(ctx context.Context, hookReq hooks.HookRequest) (*http.Request, error) {
	payload, err := json.Marshal(hookReq)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", h.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	for _, name := range h.ForwardHeaders {
		if values, ok := hookReq.Event.HTTPRequest.Header[http.CanonicalHeaderKey(name)]; ok {
			httpReq.Header[name] = values
		}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Hook-Name", string(hookReq.Type))
	return httpReq, nil
}

// readResponse returns the body of a successful JSON response of at most
// SizeLimit bytes.
func (h HttpHook) readResponse(httpRes *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(httpRes.Body, h.SizeLimit+1))
	if err != nil {
		return nil, err
	}

	if httpRes.StatusCode < http.StatusOK || httpRes.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("unexpected response code from hook endpoint (%d): %s", httpRes.StatusCode, string(body))
	}
	if int64(len(body)) > h.SizeLimit {
		return nil, fmt.Errorf("hook response exceeded maximum size of %d bytes", h.SizeLimit)
	}

	contentType := httpRes.Header.Get("Content-Type")
	if contentType == "" {
		return nil, errors.New("hook response does not contain the 'Content-Type: application/json' header")
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Content-Type header: %w", err)
	}
	if mediaType != "application/json" {
		return nil, fmt.Errorf("expected hook response Content-Type to be application/json, but got '%s'", contentType)
	}

	return body, nil
}
