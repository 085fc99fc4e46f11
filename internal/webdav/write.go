package webdav

import (
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/badgermind/scenedav/internal/auth"
	"github.com/badgermind/scenedav/internal/httperr"
	"github.com/badgermind/scenedav/internal/logging"
	"github.com/badgermind/scenedav/internal/metrics"
	"github.com/badgermind/scenedav/internal/pathutil"
)

const putChunkSize = 64 << 10

// handlePut replaces the resource with the request body. The body goes to a
// hidden temporary file beside the target which is renamed over it once
// fully written, so a failed upload leaves the previous content in place.
func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request, res pathutil.Resolved) error {
	existing, err := os.Stat(res.FSPath)
	existed := err == nil
	if existed && existing.IsDir() || res.TrailingSlash || res.RelPath == "" {
		return methodNotAllowed(w, r.Method, allowCollection)
	}
	if h.maxUploadSize > 0 && r.ContentLength > h.maxUploadSize {
		return httperr.New(httperr.TooLarge, "Upload exceeds size limit")
	}

	log := logging.WithContext(r.Context()).With(zap.String("path", res.RelPath))

	tmp, err := os.CreateTemp(filepath.Dir(res.FSPath), ".put.tmp.*")
	if err != nil {
		return httperr.Wrap(httperr.IOFailure, "Failed to open target path for writing", err)
	}
	tmpName := tmp.Name()
	fail := func(kind httperr.Kind, msg string, cause error) error {
		tmp.Close()
		os.Remove(tmpName)
		metrics.RecordContentUpload(0, false)
		return httperr.Wrap(kind, msg, cause)
	}

	body := io.Reader(r.Body)
	if h.maxUploadSize > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	}

	n, err := io.CopyBuffer(onlyWriter{tmp}, body, make([]byte, putChunkSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fail(httperr.TooLarge, "Upload exceeds size limit", err)
		}
		return fail(httperr.IOFailure, "Error writing to target file", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return fail(httperr.IOFailure, "Error writing to target file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		metrics.RecordContentUpload(0, false)
		return httperr.Wrap(httperr.IOFailure, "Error writing to target file", err)
	}
	if err := os.Rename(tmpName, res.FSPath); err != nil {
		os.Remove(tmpName)
		metrics.RecordContentUpload(0, false)
		return httperr.Wrap(httperr.IOFailure, "Error replacing target file", err)
	}

	metrics.RecordContentUpload(n, true)
	log.Info("resource stored", zap.Int64("bytes", n), zap.Bool("created", !existed))

	w.Header().Set("Content-Length", "0")
	if existed {
		w.WriteHeader(http.StatusNoContent)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
	return nil
}

// onlyWriter hides io.ReaderFrom so copies go through the fixed-size buffer.
type onlyWriter struct{ io.Writer }

// handleDelete removes a resource or an empty collection.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, res pathutil.Resolved) error {
	if res.RelPath == "" {
		return httperr.New(httperr.Forbidden, "Forbidden")
	}
	info, err := os.Lstat(res.FSPath)
	if err != nil {
		if os.IsNotExist(err) {
			return httperr.Wrap(httperr.NotFound, "Not Found", err)
		}
		return httperr.Wrap(httperr.IOFailure, "cannot stat resource", err)
	}

	if info.IsDir() {
		entries, err := os.ReadDir(res.FSPath)
		if err != nil {
			return httperr.Wrap(httperr.IOFailure, "cannot read collection", err)
		}
		if len(entries) > 0 {
			return httperr.New(httperr.Conflict, "Collection is not empty")
		}
	}

	if err := os.Remove(res.FSPath); err != nil {
		return httperr.Wrap(httperr.IOFailure, "Delete failed", err)
	}
	logging.WithContext(r.Context()).Info("resource deleted", zap.String("path", res.RelPath))
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// handleMkcol creates a collection. Anything already at the path is a
// conflict and is left untouched.
func (h *Handler) handleMkcol(w http.ResponseWriter, r *http.Request, res pathutil.Resolved) error {
	if err := os.Mkdir(res.FSPath, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return httperr.Wrap(httperr.Conflict, "Collection already exists", err)
		}
		return httperr.Wrap(httperr.IOFailure, "mkdir failed", err)
	}
	logging.WithContext(r.Context()).Info("collection created", zap.String("path", res.RelPath))
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusCreated)
	return nil
}

// handlePost routes form posts: collections take version-control actions,
// instance lists take editor actions.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request, res pathutil.Resolved) error {
	info, err := stat(res.FSPath)
	if err != nil {
		return err
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxFormSize)

	if info.IsDir() {
		if err := r.ParseForm(); err != nil {
			return httperr.Wrap(httperr.ValidationFailed, "Malformed form data", err)
		}
		if p, ok := auth.FromContext(r.Context()); ok && strings.TrimSpace(r.PostForm.Get("author")) == "" {
			r.PostForm.Set("author", p.Author())
		}
		if err := h.lister.Apply(r.Context(), res.FSPath, res.RelPath, r.PostForm); err != nil {
			return err
		}
		w.Header().Set("Location", hrefOf(res.RelPath, true))
		w.WriteHeader(http.StatusSeeOther)
		return nil
	}

	if isInstanceList(res.FSPath) && h.editor != nil {
		return h.editor.EditInstances(w, r, targetOf(res, info))
	}
	return methodNotAllowed(w, r.Method, allowResource)
}
