package handler_test

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"

	"github.com/tusdisk/tusdisk/pkg/handler"
)

//go:generate mockgen -package handler_test -source utils_test.go -destination=handler_mock_test.go

// FullDataStore combines the store interfaces for mockgen. Locking is
// mocked separately, so tests without a locker need no lock expectations.
type FullDataStore interface {
	handler.DataStore
	handler.TerminaterDataStore
	handler.ConcaterDataStore
	handler.LengthDeferrerDataStore
}

type FullUpload interface {
	handler.Upload
	handler.TerminatableUpload
	handler.LengthDeclarableUpload
	handler.ConcatableUpload
}

type FullLocker interface {
	handler.Locker
}

type FullLock interface {
	handler.Lock
}

// testNow is the fixed point in time used by handlers in tests, so that the
// timestamps of created uploads can be matched exactly.
var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testClock() time.Time {
	return testNow
}

type httpTest struct {
	Name string

	Method string
	URL    string

	ReqBody   io.Reader
	ReqHeader map[string]string

	Code      int
	ResBody   string
	ResHeader map[string]string
}

func (test *httpTest) Run(handler http.Handler, t *testing.T) *httptest.ResponseRecorder {
	t.Helper()

	// A relative URL, so the handler sees the path as stripped by a router.
	req, err := http.NewRequest(test.Method, test.URL, test.ReqBody)
	if err != nil {
		t.Fatal(err)
	}
	req.RequestURI = test.URL
	req.Host = "tus.io"
	for key, value := range test.ReqHeader {
		req.Header.Set(key, value)
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, test.Code, w.Code, "status code of %s %s", test.Method, test.URL)
	for key, value := range test.ResHeader {
		assert.Equal(t, value, w.Header().Get(key), "response header %s", key)
	}
	if test.ResBody != "" {
		assert.Equal(t, test.ResBody, w.Body.String(), "response body")
	}

	return w
}

// readerMatcher matches io.Readers whose complete content equals expect.
// A closed pipe counts as the end of the stream.
type readerMatcher struct {
	expect string
}

func NewReaderMatcher(expect string) gomock.Matcher {
	return readerMatcher{expect: expect}
}

func (m readerMatcher) Matches(x interface{}) bool {
	input, ok := x.(io.Reader)
	if !ok {
		return false
	}

	data, err := io.ReadAll(input)
	if err != nil && !errors.Is(err, io.ErrClosedPipe) {
		panic(err)
	}
	return string(data) == m.expect
}

func (m readerMatcher) String() string {
	return fmt.Sprintf("reads to %q", m.expect)
}
