package listing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badgermind/scenedav/internal/httperr"
	"github.com/badgermind/scenedav/internal/logging"
	"github.com/badgermind/scenedav/internal/vcs"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

type call struct {
	Op      string
	Root    string
	Paths   []string
	Message string
	Author  string
}

// fakeVCS is an in-memory vcs.Client.
type fakeVCS struct {
	root        string
	status      vcs.Status
	rootCalls   int
	statusCalls int
	calls       []call
}

func (f *fakeVCS) Root(ctx context.Context, dir string) (string, error) {
	f.rootCalls++
	if f.root == "" {
		return "", vcs.ErrNotRepository
	}
	return f.root, nil
}

func (f *fakeVCS) Status(ctx context.Context, dir string) (vcs.Status, error) {
	f.statusCalls++
	return f.status, nil
}

func (f *fakeVCS) Add(ctx context.Context, root, path string) error {
	f.calls = append(f.calls, call{Op: "add", Root: root, Paths: []string{path}})
	return nil
}

func (f *fakeVCS) Delete(ctx context.Context, root, path string) error {
	f.calls = append(f.calls, call{Op: "delete", Root: root, Paths: []string{path}})
	return nil
}

func (f *fakeVCS) Revert(ctx context.Context, root, path string) error {
	f.calls = append(f.calls, call{Op: "revert", Root: root, Paths: []string{path}})
	return nil
}

func (f *fakeVCS) Commit(ctx context.Context, root string, paths []string, message, author string) error {
	f.calls = append(f.calls, call{Op: "commit", Root: root, Paths: paths, Message: message, Author: author})
	return nil
}

// tree creates root/maps with a few entries and returns root and the
// collection directory.
func tree(t *testing.T) (string, string) {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	dir := filepath.Join(root, "maps")
	for _, name := range []string{"new.fbx", "scene.bsd", "level.bid", "cache.tmp", "odd.png", ".hidden"} {
		require.NoError(t, os.MkdirAll(dir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "props"), 0755))
	return root, dir
}

func defaultStatus() vcs.Status {
	return vcs.Status{
		"maps/new.fbx":   "??",
		"maps/cache.tmp": "!!",
		"maps/scene.bsd": " M",
		"maps/odd.png":   "A ",
		"maps/props/":    "??",
		"other/file":     "??",
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		code    string
		present bool
		state   State
		action  Action
	}{
		{"", false, Committed, ActionDelete},
		{"??", true, Untracked, ActionAdd},
		{"!!", true, Ignored, NoAction},
		{" M", true, Modified, ActionRevert},
		{"M ", true, Modified, ActionRevert},
		{"MM", true, Modified, ActionRevert},
		{"A ", true, Other, NoAction},
		{"AM", true, Other, NoAction},
		{"RM", true, Other, NoAction},
		{" D", true, Other, NoAction},
	}
	for _, tc := range cases {
		state, action := Classify(tc.code, tc.present)
		assert.Equal(t, tc.state, state, tc.code)
		assert.Equal(t, tc.action, action, tc.code)
	}
}

func TestListMergesStatus(t *testing.T) {
	root, dir := tree(t)
	fake := &fakeVCS{root: root, status: defaultStatus()}

	listing, err := New(fake).List(context.Background(), dir, "maps")
	require.NoError(t, err)

	assert.True(t, listing.Versioned)
	assert.Equal(t, 1, fake.rootCalls)
	assert.Equal(t, 1, fake.statusCalls)

	var names []string
	for _, e := range listing.Entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"cache.tmp", "level.bid", "new.fbx", "odd.png", "props", "scene.bsd"}, names)

	check := func(name string, state State, action Action) {
		e, ok := listing.Find(name)
		require.True(t, ok, name)
		assert.Equal(t, state, e.State, name)
		assert.Equal(t, action, e.Action, name)
	}
	check("new.fbx", Untracked, ActionAdd)
	check("cache.tmp", Ignored, NoAction)
	check("scene.bsd", Modified, ActionRevert)
	check("level.bid", Committed, ActionDelete)
	check("odd.png", Other, NoAction)
	check("props", Untracked, ActionAdd)

	e, _ := listing.Find("odd.png")
	assert.Equal(t, "A ", e.Code)
}

func TestListInheritsEnclosingStatus(t *testing.T) {
	root, dir := tree(t)

	for _, tc := range []struct {
		status vcs.Status
		state  State
		action Action
	}{
		{vcs.Status{"maps/": "??"}, Untracked, ActionAdd},
		{vcs.Status{"maps/": "!!"}, Ignored, NoAction},
	} {
		listing, err := New(&fakeVCS{root: root, status: tc.status}).List(context.Background(), dir, "maps")
		require.NoError(t, err)
		require.NotEmpty(t, listing.Entries)
		for _, e := range listing.Entries {
			assert.Equal(t, tc.state, e.State, e.Name)
			assert.Equal(t, tc.action, e.Action, e.Name)
		}
	}

	nested := filepath.Join(dir, "props")
	require.NoError(t, os.WriteFile(filepath.Join(nested, "crate.fbx"), nil, 0644))
	listing, err := New(&fakeVCS{root: root, status: vcs.Status{"maps/": "??"}}).List(context.Background(), nested, "maps/props")
	require.NoError(t, err)
	e, ok := listing.Find("crate.fbx")
	require.True(t, ok)
	assert.Equal(t, Untracked, e.State)

	fake := &fakeVCS{root: root, status: vcs.Status{"maps/": "??"}}
	err = New(fake).Apply(context.Background(), dir, "maps", url.Values{"action": {"delete"}, "path": {"level.bid"}})
	assert.Equal(t, httperr.Conflict, httperr.KindOf(err))
	assert.Empty(t, fake.calls)
}

func TestListOutsideRepository(t *testing.T) {
	_, dir := tree(t)
	fake := &fakeVCS{}

	listing, err := New(fake).List(context.Background(), dir, "maps")
	require.NoError(t, err)
	assert.False(t, listing.Versioned)
	assert.Equal(t, 0, fake.statusCalls)
	for _, e := range listing.Entries {
		assert.Equal(t, NoAction, e.Action)
		assert.Equal(t, Unversioned, e.State)
	}
}

func TestListMissingCollection(t *testing.T) {
	_, err := New(&fakeVCS{}).List(context.Background(), filepath.Join(t.TempDir(), "none"), "none")
	assert.Equal(t, httperr.NotFound, httperr.KindOf(err))
}

func TestApplyEntryActions(t *testing.T) {
	root, dir := tree(t)
	fake := &fakeVCS{root: root, status: defaultStatus()}
	l := New(fake)
	ctx := context.Background()

	require.NoError(t, l.Apply(ctx, dir, "maps", url.Values{"action": {"add"}, "path": {"new.fbx"}}))
	require.NoError(t, l.Apply(ctx, dir, "maps", url.Values{"action": {"revert"}, "path": {"scene.bsd"}}))
	require.NoError(t, l.Apply(ctx, dir, "maps", url.Values{"action": {"delete"}, "path": {"level.bid"}}))

	assert.Equal(t, []call{
		{Op: "add", Root: root, Paths: []string{"maps/new.fbx"}},
		{Op: "revert", Root: root, Paths: []string{"maps/scene.bsd"}},
		{Op: "delete", Root: root, Paths: []string{"maps/level.bid"}},
	}, fake.calls)
}

func TestApplyRejectsUnofferedActions(t *testing.T) {
	root, dir := tree(t)
	fake := &fakeVCS{root: root, status: defaultStatus()}
	l := New(fake)
	ctx := context.Background()

	cases := []struct {
		form url.Values
		kind httperr.Kind
	}{
		{url.Values{"action": {"add"}, "path": {"level.bid"}}, httperr.Conflict},
		{url.Values{"action": {"delete"}, "path": {"cache.tmp"}}, httperr.Conflict},
		{url.Values{"action": {"revert"}, "path": {"odd.png"}}, httperr.Conflict},
		{url.Values{"action": {"add"}, "path": {".hidden"}}, httperr.NotFound},
		{url.Values{"action": {"add"}, "path": {"../maps/new.fbx"}}, httperr.NotFound},
		{url.Values{"action": {"add"}}, httperr.ValidationFailed},
		{url.Values{"action": {"push"}, "path": {"new.fbx"}}, httperr.ValidationFailed},
	}
	for _, tc := range cases {
		err := l.Apply(ctx, dir, "maps", tc.form)
		assert.Equal(t, tc.kind, httperr.KindOf(err), tc.form.Encode())
	}
	assert.Empty(t, fake.calls)
}

func TestApplyOutsideRepository(t *testing.T) {
	_, dir := tree(t)
	err := New(&fakeVCS{}).Apply(context.Background(), dir, "maps", url.Values{"action": {"add"}, "path": {"new.fbx"}})
	assert.Equal(t, httperr.Conflict, httperr.KindOf(err))
}

func TestApplyCommit(t *testing.T) {
	root, dir := tree(t)
	fake := &fakeVCS{root: root, status: defaultStatus()}

	err := New(fake).Apply(context.Background(), dir, "maps", url.Values{
		"action":      {"commit"},
		"message":     {"  Move the props  "},
		"description": {"Closer to the spawn point."},
		"author":      {"Level Designer <ld@example.com>"},
	})
	require.NoError(t, err)

	require.Len(t, fake.calls, 1)
	assert.Equal(t, call{
		Op:      "commit",
		Root:    root,
		Paths:   []string{"maps"},
		Message: "Move the props\n\nCloser to the spawn point.\n",
		Author:  "Level Designer <ld@example.com>",
	}, fake.calls[0])
}

func TestApplyCommitValidation(t *testing.T) {
	root, dir := tree(t)
	fake := &fakeVCS{root: root, status: defaultStatus()}
	l := New(fake)

	for _, form := range []url.Values{
		{"action": {"commit"}, "message": {""}, "author": {"A B <a@b.c>"}},
		{"action": {"commit"}, "message": {"  ok  "}, "author": {"A B <a@b.c>"}},
		{"action": {"commit"}, "message": {"Fix"}, "author": {""}},
		{"action": {"commit"}, "message": {"Fix"}, "author": {"nobody"}},
		{"action": {"commit"}, "message": {"Fix"}, "author": {"<a@b.c>"}},
		{"action": {"commit"}, "message": {"Fix"}, "author": {"Name <not-an-email>"}},
	} {
		err := l.Apply(context.Background(), dir, "maps", form)
		require.Error(t, err, form.Encode())
		assert.Equal(t, httperr.ValidationFailed, httperr.KindOf(err), form.Encode())
	}
	assert.Empty(t, fake.calls)
	assert.Equal(t, 0, fake.statusCalls, "rejected commits must not consult version control")
}

func TestValidateTrims(t *testing.T) {
	c := CommitRequest{Summary: "  abc ", Author: " A <a@b> "}
	require.NoError(t, New(&fakeVCS{}).Validate(&c))
	assert.Equal(t, "abc", c.Summary)
	assert.Equal(t, "A <a@b>", c.Author)
	assert.Equal(t, "abc\n", c.Message())
}

func TestRender(t *testing.T) {
	root, dir := tree(t)
	listing, err := New(&fakeVCS{root: root, status: defaultStatus()}).List(context.Background(), dir, "maps")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	require.NoError(t, Render(rec, httptest.NewRequest(http.MethodGet, "/maps/", nil), listing))

	body := rec.Body.String()
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, body, "<title>Index of /maps</title>")
	assert.Contains(t, body, `<a href="/maps/props/">props/</a>`)
	assert.Contains(t, body, `<a href="/maps/new.fbx">new.fbx</a>`)
	assert.Contains(t, body, `value="add">add</button>`)
	assert.Contains(t, body, `value="revert">revert</button>`)
	assert.Contains(t, body, `action="/maps/"`)
	assert.Contains(t, body, `name="author"`)
	assert.NotContains(t, body, ".hidden")
}

func TestRenderUnversionedHead(t *testing.T) {
	_, dir := tree(t)
	listing, err := New(&fakeVCS{}).List(context.Background(), dir, "maps")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	require.NoError(t, Render(rec, httptest.NewRequest(http.MethodHead, "/maps/", nil), listing))
	assert.Empty(t, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("Content-Length"))

	rec = httptest.NewRecorder()
	require.NoError(t, Render(rec, httptest.NewRequest(http.MethodGet, "/maps/", nil), listing))
	assert.NotContains(t, rec.Body.String(), "<h2>Commit</h2>")
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

func TestRenderIgnoresClientFailure(t *testing.T) {
	_, dir := tree(t)
	listing, err := New(&fakeVCS{}).List(context.Background(), dir, "maps")
	require.NoError(t, err)

	w := newBrokenWriter()
	require.NoError(t, Render(w, httptest.NewRequest(http.MethodGet, "/maps/", nil), listing))
	assert.Equal(t, []int{http.StatusOK}, w.statuses)
}

func TestNewRegistersAuthorRule(t *testing.T) {
	var l *Lister
	require.NotPanics(t, func() { l = New(&fakeVCS{}) })

	ok := CommitRequest{Summary: "Fix", Author: "A B <a@b.c>"}
	assert.NoError(t, l.Validate(&ok))
	bad := CommitRequest{Summary: "Fix", Author: "A B"}
	assert.Equal(t, httperr.ValidationFailed, httperr.KindOf(l.Validate(&bad)))
}
