package httperr

import (
	"errors"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/badgermind/scenedav/internal/logging"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

func TestKindStatus(t *testing.T) {
	cases := map[Kind]int{
		Forbidden:        http.StatusForbidden,
		Unauthorized:     http.StatusUnauthorized,
		NotFound:         http.StatusNotFound,
		MethodNotAllowed: http.StatusMethodNotAllowed,
		NotAcceptable:    http.StatusNotAcceptable,
		Conflict:         http.StatusConflict,
		ValidationFailed: http.StatusBadRequest,
		TooLarge:         http.StatusRequestEntityTooLarge,
		ExecutionFailed:  http.StatusInternalServerError,
		IOFailure:        http.StatusInternalServerError,
		Internal:         http.StatusInternalServerError,
	}
	for kind, status := range cases {
		assert.Equal(t, status, kind.Status(), kind.String())
	}
	assert.Equal(t, "kind(99)", Kind(99).String())
}

func TestWrapKeepsCause(t *testing.T) {
	err := Wrap(IOFailure, "cannot read", fs.ErrPermission)

	assert.ErrorIs(t, err, fs.ErrPermission)
	assert.ErrorIs(t, err, New(IOFailure, ""))
	assert.NotErrorIs(t, err, New(NotFound, ""))
	assert.Equal(t, IOFailure, KindOf(err))
	assert.Equal(t, Internal, KindOf(errors.New("plain")))
}

func TestWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set("Vary", "Accept")
	rec.Header().Set("Last-Modified", "Fri, 01 Mar 2024 12:00:00 GMT")
	rec.Header().Set("Content-Length", "42")
	rec.Header().Set("Allow", "GET")

	Write(rec, httptest.NewRequest(http.MethodGet, "/x", nil), New(MethodNotAllowed, "Method PATCH Not Allowed"))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "405 Method PATCH Not Allowed\n", rec.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "GET", rec.Header().Get("Allow"))
	assert.Empty(t, rec.Header().Get("Vary"))
	assert.Empty(t, rec.Header().Get("Last-Modified"))
	assert.Empty(t, rec.Header().Get("Content-Length"))
}

func TestWriteUnclassified(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, httptest.NewRequest(http.MethodGet, "/x", nil), errors.New("boom"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "500 internal error\n", rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestWriteDefaultMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, httptest.NewRequest(http.MethodGet, "/x", nil), New(NotFound, ""))
	assert.Equal(t, "404 Not Found\n", rec.Body.String())
}
