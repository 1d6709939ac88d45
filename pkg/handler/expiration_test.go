package handler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExpiration(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	lastActivity := created.Add(30 * time.Second)

	info := FileInfo{
		Size:           100,
		Offset:         40,
		CreatedAt:      created,
		LastActivityAt: lastActivity,
	}

	t.Run("Absolute", func(t *testing.T) {
		a := assert.New(t)
		e := NewExpiration(true, time.Minute)

		a.Equal(AbsoluteExpiration, e.Strategy)
		a.Equal(created, e.AnchorTime(info))
		a.Equal(created.Add(time.Minute), e.ExpiresAt(info))
		a.False(e.IsExpired(info, created.Add(59*time.Second)))
		a.True(e.IsExpired(info, created.Add(time.Minute)))
		a.True(e.IsExpired(info, created.Add(61*time.Second)))
	})

	t.Run("Sliding", func(t *testing.T) {
		a := assert.New(t)
		e := NewExpiration(false, time.Minute)

		a.Equal(SlidingExpiration, e.Strategy)
		a.Equal(lastActivity, e.AnchorTime(info))
		// Would have expired with the absolute strategy
		a.False(e.IsExpired(info, created.Add(61*time.Second)))
		a.False(e.IsExpired(info, lastActivity.Add(59*time.Second)))
		a.True(e.IsExpired(info, lastActivity.Add(time.Minute)))
	})

	t.Run("SlidingWithoutActivity", func(t *testing.T) {
		e := NewExpiration(false, time.Minute)
		info := FileInfo{Size: 10, CreatedAt: created}

		assert.Equal(t, created, e.AnchorTime(info))
		assert.True(t, e.IsExpired(info, created.Add(time.Minute)))
	})

	t.Run("CompletedNeverExpires", func(t *testing.T) {
		a := assert.New(t)
		e := NewExpiration(true, time.Minute)
		info := FileInfo{Size: 10, Offset: 10, CreatedAt: created}

		a.True(e.ExpiresAt(info).IsZero())
		a.False(e.IsExpired(info, created.Add(24*time.Hour)))
		a.Equal("", e.header(info))
	})

	t.Run("Disabled", func(t *testing.T) {
		var e *Expiration

		assert.False(t, e.IsExpired(info, created.Add(24*time.Hour)))
		assert.Equal(t, "", e.header(info))
	})

	t.Run("Header", func(t *testing.T) {
		e := NewExpiration(true, time.Minute)

		assert.Equal(t, "Fri, 01 Mar 2024 12:01:00 GMT", e.header(info))
	})
}
