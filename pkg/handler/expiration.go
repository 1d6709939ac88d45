package handler

import (
	"net/http"
	"time"
)

// ExpirationStrategy selects the point in time from which the expiration
// timeout of an upload is measured.
type ExpirationStrategy int

const (
	// AbsoluteExpiration measures the timeout from the upload's creation.
	AbsoluteExpiration ExpirationStrategy = iota
	// SlidingExpiration measures the timeout from the last successful write,
	// so every accepted chunk extends the deadline.
	SlidingExpiration
)

func (s ExpirationStrategy) String() string {
	switch s {
	case AbsoluteExpiration:
		return "absolute"
	case SlidingExpiration:
		return "sliding"
	default:
		return "unknown"
	}
}

// Expiration describes after which time an incomplete upload is considered
// abandoned. Completed uploads never expire.
type Expiration struct {
	Strategy ExpirationStrategy
	Timeout  time.Duration
}

// NewExpiration returns the absolute or sliding expiration for the given
// timeout.
func NewExpiration(absolute bool, timeout time.Duration) *Expiration {
	strategy := SlidingExpiration
	if absolute {
		strategy = AbsoluteExpiration
	}

	return &Expiration{
		Strategy: strategy,
		Timeout:  timeout,
	}
}

// AnchorTime returns the time the timeout is counted from.
func (e *Expiration) AnchorTime(info FileInfo) time.Time {
	if e.Strategy == SlidingExpiration && !info.LastActivityAt.IsZero() {
		return info.LastActivityAt
	}
	return info.CreatedAt
}

// ExpiresAt returns the deadline of the upload. The zero time is returned
// if the expiration is disabled or the upload is complete.
func (e *Expiration) ExpiresAt(info FileInfo) time.Time {
	if e == nil || info.IsComplete() {
		return time.Time{}
	}

	anchor := e.AnchorTime(info)
	if anchor.IsZero() {
		return time.Time{}
	}

	return anchor.Add(e.Timeout)
}

// IsExpired reports whether the upload is incomplete and its deadline has
// been reached at the given time. A nil Expiration never expires anything.
func (e *Expiration) IsExpired(info FileInfo, now time.Time) bool {
	deadline := e.ExpiresAt(info)
	if deadline.IsZero() {
		return false
	}

	return !now.Before(deadline)
}

// header returns the value for the Upload-Expires header or an empty string
// if the upload does not expire.
func (e *Expiration) header(info FileInfo) string {
	deadline := e.ExpiresAt(info)
	if deadline.IsZero() {
		return ""
	}

	return deadline.UTC().Format(http.TimeFormat)
}
