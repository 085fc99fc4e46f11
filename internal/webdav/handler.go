// Package webdav serves the storage tree over HTTP with WebDAV-style
// methods, negotiating the representation of every stored resource.
package webdav

import (
	"net/http"
	"os"
	"strings"

	"github.com/badgermind/scenedav/internal/convert"
	"github.com/badgermind/scenedav/internal/httperr"
	"github.com/badgermind/scenedav/internal/listing"
	"github.com/badgermind/scenedav/internal/pathutil"
)

const (
	allowAll        = "OPTIONS, GET, HEAD, POST, PUT, DELETE, MKCOL, PROPFIND"
	allowCollection = "OPTIONS, GET, HEAD, POST, DELETE, MKCOL, PROPFIND"
	allowResource   = "OPTIONS, GET, HEAD, PUT, DELETE, MKCOL, PROPFIND"

	defaultDocument = "scene.bsd"
	maxFormSize     = 1 << 20
)

// InstanceEditor applies form posts to instance-list resources.
type InstanceEditor interface {
	EditInstances(w http.ResponseWriter, r *http.Request, t convert.Target) error
}

// Options wires a Handler.
type Options struct {
	Resolver *pathutil.Resolver
	Registry *convert.Registry
	Executor *convert.Executor
	Lister   *listing.Lister
	Editor   InstanceEditor

	// DefaultDocument is served for reads of a collection containing it.
	DefaultDocument string
	// MaxUploadSize limits PUT bodies; <= 0 means unlimited.
	MaxUploadSize int64
}

// Handler dispatches requests by method and resource kind.
type Handler struct {
	resolver        *pathutil.Resolver
	registry        *convert.Registry
	executor        *convert.Executor
	lister          *listing.Lister
	editor          InstanceEditor
	defaultDocument string
	maxUploadSize   int64
}

// NewHandler returns a Handler for opts.
func NewHandler(opts Options) *Handler {
	doc := opts.DefaultDocument
	if doc == "" {
		doc = defaultDocument
	}
	return &Handler{
		resolver:        opts.Resolver,
		registry:        opts.Registry,
		executor:        opts.Executor,
		lister:          opts.Lister,
		editor:          opts.Editor,
		defaultDocument: doc,
		maxUploadSize:   opts.MaxUploadSize,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.serve(w, r); err != nil {
		httperr.Write(w, r, err)
	}
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) error {
	// OPTIONS describes the server, not a resource.
	if r.Method == http.MethodOptions {
		hdr := w.Header()
		hdr.Set("Allow", allowAll)
		hdr.Set("DAV", "1")
		hdr.Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
		return nil
	}

	res, err := h.resolver.Resolve(r.URL.Path)
	if err != nil {
		return err
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		return h.handleRead(w, r, res)
	case http.MethodPut:
		return h.handlePut(w, r, res)
	case http.MethodDelete:
		return h.handleDelete(w, r, res)
	case "MKCOL":
		return h.handleMkcol(w, r, res)
	case "PROPFIND":
		return h.handlePropfind(w, r, res)
	case http.MethodPost:
		return h.handlePost(w, r, res)
	default:
		return methodNotAllowed(w, r.Method, allowAll)
	}
}

func methodNotAllowed(w http.ResponseWriter, method, allow string) error {
	w.Header().Set("Allow", allow)
	return httperr.New(httperr.MethodNotAllowed, "Method "+method+" Not Allowed")
}

// stat classifies a missing resource as NotFound.
func stat(fsPath string) (os.FileInfo, error) {
	info, err := os.Stat(fsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, httperr.Wrap(httperr.NotFound, "Not Found", err)
		}
		return nil, httperr.Wrap(httperr.IOFailure, "cannot stat resource", err)
	}
	return info, nil
}

func targetOf(res pathutil.Resolved, info os.FileInfo) convert.Target {
	return convert.Target{
		FSPath:  res.FSPath,
		RelPath: res.RelPath,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
}

// hrefOf returns the escaped absolute URL path of a resource.
func hrefOf(relPath string, collection bool) string {
	p := "/" + relPath
	if collection && !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return escapePath(p)
}
