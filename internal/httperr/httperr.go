// Package httperr defines the request failure taxonomy and its mapping to
// HTTP responses. Every failure ends the request; nothing is retried.
package httperr

import (
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/badgermind/scenedav/internal/logging"
)

// Kind classifies a request failure.
type Kind int

const (
	Internal Kind = iota
	Forbidden
	Unauthorized
	NotFound
	MethodNotAllowed
	NotAcceptable
	Conflict
	ValidationFailed
	TooLarge
	ExecutionFailed
	IOFailure
)

var kindNames = map[Kind]string{
	Internal:         "internal",
	Forbidden:        "forbidden",
	Unauthorized:     "unauthorized",
	NotFound:         "not_found",
	MethodNotAllowed: "method_not_allowed",
	NotAcceptable:    "not_acceptable",
	Conflict:         "conflict",
	ValidationFailed: "validation_failed",
	TooLarge:         "too_large",
	ExecutionFailed:  "execution_failed",
	IOFailure:        "io_failure",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Status returns the HTTP status code for the kind.
func (k Kind) Status() int {
	switch k {
	case Forbidden:
		return http.StatusForbidden
	case Unauthorized:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case MethodNotAllowed:
		return http.StatusMethodNotAllowed
	case NotAcceptable:
		return http.StatusNotAcceptable
	case Conflict:
		return http.StatusConflict
	case ValidationFailed:
		return http.StatusBadRequest
	case TooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified request failure. Msg is shown to the client; Err is
// the underlying cause and is only logged.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so errors.Is(err,
// httperr.New(httperr.NotFound, "")) works as a kind check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New returns an Error without a cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap returns an Error with the given cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf reports the kind of err, or Internal if err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Write sends err as a status line plus a short plaintext explanation.
// Server-side failures are logged with their cause.
func Write(w http.ResponseWriter, r *http.Request, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = Wrap(Internal, "internal error", err)
	}
	status := e.Kind.Status()

	if status >= 500 {
		logging.WithContext(r.Context()).Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("kind", e.Kind.String()),
			zap.Error(err))
	} else {
		logging.WithContext(r.Context()).Debug("request rejected",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("kind", e.Kind.String()),
			zap.String("reason", e.Msg))
	}

	h := w.Header()
	h.Del("Content-Length")
	h.Del("Vary")
	h.Del("Last-Modified")
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	msg := e.Msg
	if msg == "" {
		msg = http.StatusText(status)
	}
	fmt.Fprintf(w, "%d %s\n", status, msg)
}
