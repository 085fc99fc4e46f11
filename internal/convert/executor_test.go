package convert

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badgermind/scenedav/internal/httperr"
	"github.com/badgermind/scenedav/internal/logging"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

// writeScript creates an executable shell script acting as a converter.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conv.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func writeResource(t *testing.T, content string) Target {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ship.fbx")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	info, err := os.Stat(path)
	require.NoError(t, err)
	return Target{FSPath: path, RelPath: "ship.fbx", Size: info.Size(), ModTime: info.ModTime()}
}

func newTestExecutor(renderers map[HandlerName]Renderer) *Executor {
	return NewExecutor(NewRunner(RunnerConfig{Timeout: 5 * time.Second, MaxConcurrent: 2, BufferBytes: 1024}), renderers)
}

func TestExecutePassthrough(t *testing.T) {
	target := writeResource(t, "stored bytes")
	e := newTestExecutor(nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ship.fbx", nil)
	require.NoError(t, e.Execute(rec, req, target, "video/mp4", Passthrough{}))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, "12", rec.Header().Get("Content-Length"))
	assert.Equal(t, "stored bytes", rec.Body.String())
}

func TestExecutePassthroughHead(t *testing.T) {
	target := writeResource(t, "stored bytes")
	e := newTestExecutor(nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodHead, "/ship.fbx", nil)
	require.NoError(t, e.Execute(rec, req, target, "audio/mp4", Passthrough{}))

	assert.Equal(t, "12", rec.Header().Get("Content-Length"))
	assert.Empty(t, rec.Body.String())
}

func TestExecuteExternalAppendsPath(t *testing.T) {
	target := writeResource(t, "model")
	script := writeScript(t, `echo "args: $@"`)
	e := newTestExecutor(nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ship.fbx", nil)
	err := e.Execute(rec, req, target, "application/json", ExternalProcess{Command: script, Args: []string{"--format=json"}})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "args: --format=json "+target.FSPath+"\n", rec.Body.String())
}

func TestExecuteExternalReceivesNoStdin(t *testing.T) {
	target := writeResource(t, "model")
	script := writeScript(t, `cat; echo done`)
	e := newTestExecutor(nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ship.fbx", strings.NewReader("request body"))
	require.NoError(t, e.Execute(rec, req, target, "text/plain", ExternalProcess{Command: script}))
	assert.Equal(t, "done\n", rec.Body.String())
}

func TestExecuteExternalNonZeroExitWritesNothing(t *testing.T) {
	target := writeResource(t, "model")
	script := writeScript(t, `echo partial; echo broken >&2; exit 3`)
	e := newTestExecutor(nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ship.fbx", nil)
	err := e.Execute(rec, req, target, "application/json", ExternalProcess{Command: script})

	require.Error(t, err)
	assert.Equal(t, httperr.ExecutionFailed, httperr.KindOf(err))
	assert.False(t, rec.Flushed)
	assert.Empty(t, rec.Body.String())
	assert.Empty(t, rec.Header().Get("Content-Type"))
}

func TestExecuteExternalMissingBinary(t *testing.T) {
	target := writeResource(t, "model")
	e := newTestExecutor(nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ship.fbx", nil)
	err := e.Execute(rec, req, target, "application/json", ExternalProcess{Command: filepath.Join(t.TempDir(), "nope")})

	require.Error(t, err)
	assert.Equal(t, httperr.ExecutionFailed, httperr.KindOf(err))
	assert.Empty(t, rec.Body.String())
}

func TestExecuteExternalLargeOutputFailureAborts(t *testing.T) {
	target := writeResource(t, "model")
	// 4 KiB of output, more than the 1 KiB buffer, then failure.
	script := writeScript(t, `head -c 4096 /dev/zero; exit 1`)
	e := newTestExecutor(nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ship.fbx", nil)

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		_ = e.Execute(rec, req, target, "application/octet-stream", ExternalProcess{Command: script})
	})
}

func TestExecuteExternalLargeOutputStreams(t *testing.T) {
	target := writeResource(t, "model")
	script := writeScript(t, `head -c 4096 /dev/zero`)
	e := newTestExecutor(nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ship.fbx", nil)
	require.NoError(t, e.Execute(rec, req, target, "application/octet-stream", ExternalProcess{Command: script}))
	assert.Equal(t, 4096, rec.Body.Len())
	assert.Empty(t, rec.Header().Get("Content-Length"))
}

func TestExecuteExternalTimeout(t *testing.T) {
	target := writeResource(t, "model")
	script := writeScript(t, `exec sleep 10`)
	e := NewExecutor(NewRunner(RunnerConfig{Timeout: 200 * time.Millisecond, MaxConcurrent: 1}), nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ship.fbx", nil)

	start := time.Now()
	err := e.Execute(rec, req, target, "application/json", ExternalProcess{Command: script})
	require.Error(t, err)
	assert.Equal(t, httperr.ExecutionFailed, httperr.KindOf(err))
	assert.Less(t, time.Since(start), 8*time.Second)
}

func TestExecuteExternalCancelledRequest(t *testing.T) {
	target := writeResource(t, "model")
	script := writeScript(t, `echo never`)
	e := newTestExecutor(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ship.fbx", nil).WithContext(ctx)
	err := e.Execute(rec, req, target, "application/json", ExternalProcess{Command: script})
	require.Error(t, err)
	assert.Empty(t, rec.Body.String())
}

func TestExecuteExternalHeadSkipsProcess(t *testing.T) {
	target := writeResource(t, "model")
	marker := filepath.Join(t.TempDir(), "ran")
	script := writeScript(t, `touch `+marker)
	e := newTestExecutor(nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodHead, "/ship.fbx", nil)
	require.NoError(t, e.Execute(rec, req, target, "application/json", ExternalProcess{Command: script}))

	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	_, err := os.Stat(marker)
	assert.True(t, os.IsNotExist(err))
}

func TestExecuteInternalHandler(t *testing.T) {
	target := writeResource(t, "model")
	var gotType string
	e := newTestExecutor(map[HandlerName]Renderer{
		SceneViewer: RendererFunc(func(w http.ResponseWriter, r *http.Request, tg Target, mediaType string) error {
			gotType = mediaType
			w.Header().Set("Content-Type", mediaType)
			_, err := w.Write([]byte("viewer for " + tg.RelPath))
			return err
		}),
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ship.fbx", nil)
	require.NoError(t, e.Execute(rec, req, target, "text/html", InternalHandler{Name: SceneViewer}))
	assert.Equal(t, "text/html", gotType)
	assert.Equal(t, "viewer for ship.fbx", rec.Body.String())

	err := e.Execute(httptest.NewRecorder(), req, target, "text/plain", InternalHandler{Name: PlainText})
	assert.Equal(t, httperr.ExecutionFailed, httperr.KindOf(err))
}

func TestRunnerStreamStdin(t *testing.T) {
	script := writeScript(t, `tr a-z A-Z`)
	r := NewRunner(RunnerConfig{Timeout: 5 * time.Second})

	rec := httptest.NewRecorder()
	err := r.Stream(context.Background(), rec, Command{Path: script, Stdin: strings.NewReader("instance\n")}, "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "INSTANCE\n", rec.Body.String())
	assert.Equal(t, "9", rec.Header().Get("Content-Length"))
}
