// Package listing builds collection listings annotated with
// version-control state and applies the actions those listings offer.
package listing

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/badgermind/scenedav/internal/httperr"
	"github.com/badgermind/scenedav/internal/logging"
	"github.com/badgermind/scenedav/internal/vcs"
)

// State is an entry's version-control state.
type State int

const (
	Unversioned State = iota
	Committed
	Untracked
	Ignored
	Modified
	Other
)

func (s State) String() string {
	switch s {
	case Committed:
		return "committed"
	case Untracked:
		return "untracked"
	case Ignored:
		return "ignored"
	case Modified:
		return "modified"
	case Other:
		return "other"
	default:
		return ""
	}
}

// Action is an operation a listing entry offers.
type Action string

const (
	NoAction     Action = ""
	ActionAdd    Action = "add"
	ActionDelete Action = "delete"
	ActionRevert Action = "revert"
	ActionCommit Action = "commit"
)

// Classify maps a status code to a state and the action it offers.
// present is false when the entry has no status line, meaning it is
// unchanged since the last commit.
func Classify(code string, present bool) (State, Action) {
	switch {
	case !present:
		return Committed, ActionDelete
	case code == "??":
		return Untracked, ActionAdd
	case code == "!!":
		return Ignored, NoAction
	case len(code) == 2 && inHead(code[0]) && inHead(code[1]) && strings.ContainsRune(code, 'M'):
		return Modified, ActionRevert
	default:
		return Other, NoAction
	}
}

// inHead reports whether a status column is compatible with the path
// existing unchanged or modified in the last commit, so that restoring it
// from there is meaningful.
func inHead(c byte) bool {
	return c == ' ' || c == 'M'
}

// Entry is one child of a listed collection.
type Entry struct {
	Name    string
	IsDir   bool
	Size    int64
	ModTime time.Time
	State   State
	// Code is the raw status code, empty for unchanged entries.
	Code   string
	Action Action
}

// Listing is a collection's non-hidden children sorted by name.
type Listing struct {
	RelDir    string
	Versioned bool
	Entries   []Entry

	root   string
	relVCS string
}

// Find returns the entry called name.
func (l *Listing) Find(name string) (Entry, bool) {
	for _, e := range l.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Lister reads collections and merges in version-control state.
type Lister struct {
	vcs      vcs.Client
	validate *validator.Validate
}

var authorPattern = regexp.MustCompile(`^[^<>\r\n]*[^<>\s][^<>\r\n]* <[^<>@\s]+@[^<>\s]+>$`)

// New returns a Lister backed by client.
func New(client vcs.Client) *Lister {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("author", func(fl validator.FieldLevel) bool {
		return authorPattern.MatchString(fl.Field().String())
	}); err != nil {
		panic("listing: register author validation: " + err.Error())
	}
	return &Lister{vcs: client, validate: v}
}

// List reads the collection at fsDir, addressed as relDir. The work-tree
// root is resolved once for the collection and its status fetched once;
// outside a work tree entries carry no state and no actions.
func (l *Lister) List(ctx context.Context, fsDir, relDir string) (*Listing, error) {
	dirents, err := os.ReadDir(fsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, httperr.Wrap(httperr.NotFound, "Not Found", err)
		}
		return nil, httperr.Wrap(httperr.IOFailure, "cannot read collection", err)
	}

	listing := &Listing{RelDir: relDir}
	for _, d := range dirents {
		if strings.HasPrefix(d.Name(), ".") {
			continue
		}
		info, err := d.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		e := Entry{Name: d.Name(), IsDir: d.IsDir(), ModTime: info.ModTime()}
		if !e.IsDir {
			e.Size = info.Size()
		}
		listing.Entries = append(listing.Entries, e)
	}
	sort.Slice(listing.Entries, func(i, j int) bool {
		return listing.Entries[i].Name < listing.Entries[j].Name
	})

	log := logging.WithContext(ctx).With(zap.String("dir", relDir))

	root, err := l.vcs.Root(ctx, fsDir)
	if err != nil {
		if !errors.Is(err, vcs.ErrNotRepository) {
			log.Warn("version control root lookup failed", zap.Error(err))
		}
		return listing, nil
	}

	relVCS, err := relativeTo(root, fsDir)
	if err != nil {
		log.Warn("collection outside its work tree", zap.String("root", root), zap.Error(err))
		return listing, nil
	}

	status, err := l.vcs.Status(ctx, fsDir)
	if err != nil {
		return nil, httperr.Wrap(httperr.ExecutionFailed, "cannot read version control status", err)
	}

	listing.Versioned = true
	listing.root = root
	listing.relVCS = relVCS
	inherited, enclosed := enclosingCode(status, relVCS)
	for i := range listing.Entries {
		e := &listing.Entries[i]
		key := vcsPath(relVCS, e.Name)
		if e.IsDir {
			key += "/"
		}
		code, present := status[key]
		if !present && enclosed {
			code, present = inherited, true
		}
		e.State, e.Action = Classify(code, present)
		e.Code = code
	}
	return listing, nil
}

// enclosingCode returns the untracked or ignored code reported for relDir
// or one of its ancestors. git collapses such a directory into one line, so
// its children never show up on their own.
func enclosingCode(status vcs.Status, relDir string) (string, bool) {
	for dir := relDir; dir != "." && dir != "" && dir != "/"; dir = path.Dir(dir) {
		if code := status[dir+"/"]; code == "??" || code == "!!" {
			return code, true
		}
	}
	return "", false
}

// relativeTo returns dir relative to root with forward slashes, resolving
// symlinks in dir the way the version-control tool does.
func relativeTo(root, dir string) (string, error) {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", errors.New("outside root")
	}
	return rel, nil
}

func vcsPath(relDir, name string) string {
	if relDir == "." || relDir == "" {
		return name
	}
	return relDir + "/" + name
}

// CommitRequest is the commit form of a listing.
type CommitRequest struct {
	Summary string `validate:"required,min=3"`
	Body    string
	Author  string `validate:"required,author"`
}

// Message returns the commit message.
func (c CommitRequest) Message() string {
	if c.Body == "" {
		return c.Summary + "\n"
	}
	return c.Summary + "\n\n" + c.Body + "\n"
}

// Validate checks c after trimming surrounding whitespace.
func (l *Lister) Validate(c *CommitRequest) error {
	c.Summary = strings.TrimSpace(c.Summary)
	c.Body = strings.TrimSpace(c.Body)
	c.Author = strings.TrimSpace(c.Author)
	if err := l.validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			switch verrs[0].Field() {
			case "Summary":
				return httperr.Wrap(httperr.ValidationFailed, "Commit summary must be at least 3 characters", err)
			case "Author":
				return httperr.Wrap(httperr.ValidationFailed, "Author must look like 'Name <email>'", err)
			}
		}
		return httperr.Wrap(httperr.ValidationFailed, "Invalid commit", err)
	}
	return nil
}

// actionForm is a listing POST.
type actionForm struct {
	Action Action `validate:"required,oneof=add delete revert commit"`
	Path   string `validate:"required_unless=Action commit"`
}

// Apply performs the action posted to the collection at fsDir. Entry
// actions name a listed child in "path" and must be the action its state
// offers. "commit" records the collection with "message", "description"
// and "author".
func (l *Lister) Apply(ctx context.Context, fsDir, relDir string, form url.Values) error {
	req := actionForm{
		Action: Action(form.Get("action")),
		Path:   form.Get("path"),
	}
	if err := l.validate.Struct(req); err != nil {
		return httperr.Wrap(httperr.ValidationFailed, "Unknown or incomplete action", err)
	}

	var commit CommitRequest
	if req.Action == ActionCommit {
		commit = CommitRequest{
			Summary: form.Get("message"),
			Body:    form.Get("description"),
			Author:  form.Get("author"),
		}
		// Rejected commits never reach the collaborator.
		if err := l.Validate(&commit); err != nil {
			return err
		}
	}

	listing, err := l.List(ctx, fsDir, relDir)
	if err != nil {
		return err
	}
	if !listing.Versioned {
		return httperr.New(httperr.Conflict, "Collection is not under version control")
	}

	log := logging.WithContext(ctx).With(
		zap.String("dir", relDir),
		zap.String("action", string(req.Action)))

	if req.Action == ActionCommit {
		paths := []string{listing.relVCS}
		if err := l.vcs.Commit(ctx, listing.root, paths, commit.Message(), commit.Author); err != nil {
			return httperr.Wrap(httperr.ExecutionFailed, "Commit failed", err)
		}
		log.Info("collection committed", zap.String("author", commit.Author))
		return nil
	}

	entry, ok := listing.Find(req.Path)
	if !ok {
		return httperr.New(httperr.NotFound, "No such entry")
	}
	if entry.Action != req.Action {
		return httperr.New(httperr.Conflict, "Action not available for "+entry.State.String()+" entry")
	}

	target := vcsPath(listing.relVCS, entry.Name)
	switch req.Action {
	case ActionAdd:
		err = l.vcs.Add(ctx, listing.root, target)
	case ActionDelete:
		err = l.vcs.Delete(ctx, listing.root, target)
	case ActionRevert:
		err = l.vcs.Revert(ctx, listing.root, target)
	}
	if err != nil {
		return httperr.Wrap(httperr.ExecutionFailed, "Version control action failed", err)
	}
	log.Info("version control action applied", zap.String("path", target))
	return nil
}

//go:embed listing.html
var templateFS embed.FS

var listingTemplate = template.Must(template.New("listing.html").Funcs(template.FuncMap{
	"href": entryHref,
	"size": func(n int64) string { return strconv.FormatInt(n, 10) },
	"time": func(t time.Time) string { return t.UTC().Format(http.TimeFormat) },
}).ParseFS(templateFS, "listing.html"))

// collectionURL is the absolute URL path of relDir, with a trailing slash.
func collectionURL(relDir string) string {
	p := path.Join("/", relDir)
	if p != "/" {
		p += "/"
	}
	return (&url.URL{Path: p}).EscapedPath()
}

func entryHref(relDir string, e Entry) string {
	p := path.Join("/", relDir, e.Name)
	if e.IsDir {
		p += "/"
	}
	return (&url.URL{Path: p}).EscapedPath()
}

// Render writes listing as an HTML page.
func Render(w http.ResponseWriter, r *http.Request, listing *Listing) error {
	title := path.Join("/", listing.RelDir)
	var buf bytes.Buffer
	err := listingTemplate.Execute(&buf, map[string]any{
		"Title":   title,
		"Action":  collectionURL(listing.RelDir),
		"Listing": listing,
		"IsRoot":  title == "/",
	})
	if err != nil {
		return httperr.Wrap(httperr.Internal, "cannot render listing", err)
	}

	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return nil
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		logging.WithContext(r.Context()).Debug("listing write failed", zap.Error(err))
	}
	return nil
}
