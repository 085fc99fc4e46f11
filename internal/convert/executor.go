package convert

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/badgermind/scenedav/internal/httperr"
	"github.com/badgermind/scenedav/internal/logging"
	"github.com/badgermind/scenedav/internal/metrics"
)

// Target is the stored resource a conversion reads from.
type Target struct {
	FSPath  string
	RelPath string
	Size    int64
	ModTime time.Time
}

// Renderer produces a representation inside the server process.
//
// A renderer must not write to w before it knows it will succeed; an
// error returned after writing cannot be reported to the client.
type Renderer interface {
	Render(w http.ResponseWriter, r *http.Request, t Target, mediaType string) error
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(w http.ResponseWriter, r *http.Request, t Target, mediaType string) error

func (f RendererFunc) Render(w http.ResponseWriter, r *http.Request, t Target, mediaType string) error {
	return f(w, r, t, mediaType)
}

// Executor runs the action chosen by negotiation.
type Executor struct {
	runner    *Runner
	renderers map[HandlerName]Renderer
}

// NewExecutor returns an Executor using runner for external processes and
// renderers for internal handlers. The renderer map is copied.
func NewExecutor(runner *Runner, renderers map[HandlerName]Renderer) *Executor {
	rs := make(map[HandlerName]Renderer, len(renderers))
	for name, r := range renderers {
		rs[name] = r
	}
	return &Executor{runner: runner, renderers: rs}
}

// Execute writes the representation of t produced by action, labelled as
// mediaType. Errors returned before anything was written are classified
// with httperr.
//
// HEAD requests get headers only; converters and renderers are not run.
func (e *Executor) Execute(w http.ResponseWriter, r *http.Request, t Target, mediaType string, action Action) error {
	switch a := action.(type) {
	case Passthrough:
		return e.passthrough(w, r, t, mediaType)

	case ExternalProcess:
		if r.Method == http.MethodHead {
			return headOnly(w, mediaType)
		}
		args := make([]string, 0, len(a.Args)+1)
		args = append(args, a.Args...)
		args = append(args, t.FSPath)
		return e.runner.Stream(r.Context(), w, Command{Path: a.Command, Args: args}, mediaType)

	case InternalHandler:
		renderer, ok := e.renderers[a.Name]
		if !ok {
			return httperr.New(httperr.ExecutionFailed, fmt.Sprintf("no renderer %q", a.Name))
		}
		if r.Method == http.MethodHead {
			return headOnly(w, mediaType)
		}
		start := time.Now()
		err := renderer.Render(w, r, t, mediaType)
		metrics.RecordConversion("internal", time.Since(start), err == nil)
		return err

	default:
		return httperr.New(httperr.ExecutionFailed, fmt.Sprintf("unsupported action %T", action))
	}
}

func (e *Executor) passthrough(w http.ResponseWriter, r *http.Request, t Target, mediaType string) error {
	f, err := os.Open(t.FSPath)
	if err != nil {
		if os.IsNotExist(err) {
			return httperr.Wrap(httperr.NotFound, "Not Found", err)
		}
		return httperr.Wrap(httperr.IOFailure, "cannot open resource", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return httperr.Wrap(httperr.IOFailure, "cannot stat resource", err)
	}

	h := w.Header()
	h.Set("Content-Type", mediaType)
	h.Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return nil
	}

	n, err := io.Copy(w, f)
	metrics.RecordContentDownload(n)
	if err != nil {
		// Headers are gone; all that is left is to stop.
		logging.WithContext(r.Context()).Warn("passthrough interrupted",
			zap.String("path", t.RelPath),
			zap.Int64("bytes", n),
			zap.Error(err))
		panic(http.ErrAbortHandler)
	}
	return nil
}

func headOnly(w http.ResponseWriter, mediaType string) error {
	w.Header().Set("Content-Type", mediaType)
	w.WriteHeader(http.StatusOK)
	return nil
}
