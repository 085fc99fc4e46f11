package render

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badgermind/scenedav/internal/convert"
	"github.com/badgermind/scenedav/internal/httperr"
	"github.com/badgermind/scenedav/internal/logging"
	"github.com/badgermind/scenedav/internal/mediatype"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

const sampleList = "props/rock.fbx\tScenery\t1\t2\t3\n" +
	"hero.fbx\tBoneAnim\t0.5\t0\t-1\n" +
	"broken line\n"

func setup(t *testing.T, script string) (*Renderers, convert.Target) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "props"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "props", "rock.fbx"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hero.fbx"), nil, 0644))

	path := filepath.Join(dir, "level.bid")
	require.NoError(t, os.WriteFile(path, []byte(sampleList), 0644))

	converter := filepath.Join(dir, ".script-convert")
	if script == "" {
		script = "cat"
	}
	require.NoError(t, os.WriteFile(converter, []byte("#!/bin/sh\n"+script+"\n"), 0755))

	runner := convert.NewRunner(convert.RunnerConfig{Timeout: 5 * time.Second})
	return New(runner, converter), convert.Target{FSPath: path, RelPath: "maps/level.bid"}
}

func TestInstanceTable(t *testing.T) {
	rs, target := setup(t, "")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/maps/level.bid", nil)
	require.NoError(t, rs.InstanceTable(rec, req, target, mediatype.HTML))

	body := rec.Body.String()
	assert.Equal(t, mediatype.HTML, rec.Header().Get("Content-Type"))
	assert.Contains(t, body, "<title>level.bid (instance list)</title>")
	assert.Contains(t, body, `<a href="props/rock.fbx">props/rock.fbx</a>`)
	assert.Contains(t, body, `<td class="n">0.500</td>`)
	assert.Contains(t, body, `<option>hero.fbx</option>`)
	assert.Contains(t, body, `<option>BoneAnim</option>`)
	assert.Contains(t, body, `value="1">Delete`)
	assert.NotContains(t, body, `value="2">Delete`)
}

func TestInstanceScriptSortsAndPipes(t *testing.T) {
	rs, target := setup(t, `echo "args:$*"; cat`)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/maps/level.bid", nil)
	require.NoError(t, rs.InstanceScript(rec, req, target, mediatype.SceneBinary))

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "args:", lines[0])
	assert.Contains(t, lines[1], `URI:"hero.fbx" shader:(shader name:"BoneAnim")`)
	assert.Contains(t, lines[2], `URI:"props/rock.fbx"`)
	assert.Equal(t, mediatype.SceneBinary, rec.Header().Get("Content-Type"))
}

func TestInstanceScript64BitPointer(t *testing.T) {
	rs, target := setup(t, `echo "args:$*"`)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/maps/level.bid", nil)
	require.NoError(t, rs.InstanceScript(rec, req, target, mediatype.SceneBinary64))
	assert.Equal(t, "args:--pointer-size=64\n", rec.Body.String())
}

func TestInstanceScriptConverterFailure(t *testing.T) {
	rs, target := setup(t, `exit 2`)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/maps/level.bid", nil)
	err := rs.InstanceScript(rec, req, target, mediatype.SceneBinary)
	assert.Equal(t, httperr.ExecutionFailed, httperr.KindOf(err))
	assert.Empty(t, rec.Body.String())
}

func TestPlainText(t *testing.T) {
	rs, target := setup(t, "")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/maps/level.bid", nil)
	require.NoError(t, rs.PlainText(rec, req, target, mediatype.PlainText))
	assert.Equal(t, "props/rock.fbx\tScenery\t1\t2\t3\nhero.fbx\tBoneAnim\t0.5\t0\t-1\n", rec.Body.String())
}

func TestSceneViewer(t *testing.T) {
	rs, _ := setup(t, "")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/models/ship.fbx", nil)
	target := convert.Target{RelPath: "models/ship.fbx"}
	require.NoError(t, rs.SceneViewer(rec, req, target, mediatype.HTML))

	body := rec.Body.String()
	assert.Contains(t, body, "<title>ship.fbx (model viewer)</title>")
	assert.Regexp(t, `VIEWER_Init\(&#34;\\?/models\\?/ship\.fbx\?media-type=application\\?/json&#34;\)`, body)
	assert.NotContains(t, body, "x-shader")
}

func TestMissingInstanceList(t *testing.T) {
	rs, target := setup(t, "")
	target.FSPath += ".gone"

	err := rs.PlainText(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), target, mediatype.PlainText)
	assert.Equal(t, httperr.NotFound, httperr.KindOf(err))
}

func postForm(values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/maps/level.bid", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestEditInstancesAdd(t *testing.T) {
	rs, target := setup(t, "")

	rec := httptest.NewRecorder()
	err := rs.EditInstances(rec, postForm(url.Values{
		"add":    {"1"},
		"model":  {"hero.fbx"},
		"shader": {"Scenery"},
		"x":      {"4"},
		"y":      {"-2.25"},
		"z":      {"1e2"},
	}), target)
	require.NoError(t, err)

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/maps/level.bid", rec.Header().Get("Location"))

	data, err := os.ReadFile(target.FSPath)
	require.NoError(t, err)
	assert.Equal(t,
		"props/rock.fbx\tScenery\t1\t2\t3\nhero.fbx\tBoneAnim\t0.5\t0\t-1\nhero.fbx\tScenery\t4\t-2.25\t100\n",
		string(data))
}

func TestEditInstancesRejectsNonNumeric(t *testing.T) {
	rs, target := setup(t, "")

	for _, x := range []string{"", "abc", "NaN", "Inf"} {
		err := rs.EditInstances(httptest.NewRecorder(), postForm(url.Values{
			"add": {"1"}, "model": {"hero.fbx"}, "shader": {"Scenery"},
			"x": {x}, "y": {"0"}, "z": {"0"},
		}), target)
		require.Error(t, err, x)
		assert.Equal(t, httperr.ValidationFailed, httperr.KindOf(err), x)
		assert.Contains(t, err.Error(), "Invalid X/Y/Z coordinates.  Must be numeric")
	}

	data, err := os.ReadFile(target.FSPath)
	require.NoError(t, err)
	assert.Equal(t, sampleList, string(data))
}

func TestEditInstancesRejectsTabInModel(t *testing.T) {
	rs, target := setup(t, "")

	err := rs.EditInstances(httptest.NewRecorder(), postForm(url.Values{
		"add": {"1"}, "model": {"a\tb"}, "shader": {"Scenery"},
		"x": {"0"}, "y": {"0"}, "z": {"0"},
	}), target)
	assert.Equal(t, httperr.ValidationFailed, httperr.KindOf(err))
}

func TestEditInstancesDelete(t *testing.T) {
	rs, target := setup(t, "")

	rec := httptest.NewRecorder()
	require.NoError(t, rs.EditInstances(rec, postForm(url.Values{"delete": {"0"}}), target))
	assert.Equal(t, http.StatusSeeOther, rec.Code)

	data, err := os.ReadFile(target.FSPath)
	require.NoError(t, err)
	assert.Equal(t, "hero.fbx\tBoneAnim\t0.5\t0\t-1\n", string(data))

	err = rs.EditInstances(httptest.NewRecorder(), postForm(url.Values{"delete": {"7"}}), target)
	assert.Equal(t, httperr.ValidationFailed, httperr.KindOf(err))
}

// brokenWriter accepts headers but fails every body write, like a client
// that hung up.
type brokenWriter struct {
	header   http.Header
	statuses []int
}

func newBrokenWriter() *brokenWriter { return &brokenWriter{header: http.Header{}} }

func (b *brokenWriter) Header() http.Header { return b.header }
func (b *brokenWriter) WriteHeader(code int) { b.statuses = append(b.statuses, code) }
func (b *brokenWriter) Write([]byte) (int, error) {
	return 0, errors.New("connection reset by peer")
}

func TestWriteBodyIgnoresClientFailure(t *testing.T) {
	w := newBrokenWriter()
	req := httptest.NewRequest(http.MethodGet, "/maps/level.bid", nil)

	require.NoError(t, writeBody(w, req, "text/plain; charset=utf-8", []byte("a.fbx\n")))
	assert.Equal(t, []int{http.StatusOK}, w.statuses)
	assert.Equal(t, "6", w.header.Get("Content-Length"))
}

func TestNewRegistersRecordFieldRule(t *testing.T) {
	var rs *Renderers
	require.NotPanics(t, func() { rs = New(nil, "script_convert") })
	assert.Error(t, rs.validate.Var("a\tb", "recordfield"))
	assert.NoError(t, rs.validate.Var("props/rock.fbx", "recordfield"))
}
