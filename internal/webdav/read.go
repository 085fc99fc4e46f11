package webdav

import (
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/badgermind/scenedav/internal/convert"
	"github.com/badgermind/scenedav/internal/httperr"
	"github.com/badgermind/scenedav/internal/listing"
	"github.com/badgermind/scenedav/internal/logging"
	"github.com/badgermind/scenedav/internal/mediatype"
	"github.com/badgermind/scenedav/internal/metrics"
	"github.com/badgermind/scenedav/internal/negotiate"
	"github.com/badgermind/scenedav/internal/pathutil"
)

// handleRead serves GET and HEAD. Collections serve their default document
// when present and a listing otherwise.
func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request, res pathutil.Resolved) error {
	info, err := stat(res.FSPath)
	if err != nil {
		return err
	}

	if info.IsDir() {
		if doc, err := h.resolver.Child(res, h.defaultDocument); err == nil {
			if docInfo, err := os.Stat(doc.FSPath); err == nil && docInfo.Mode().IsRegular() {
				return h.serveResource(w, r, doc, docInfo)
			}
		}

		l, err := h.lister.List(r.Context(), res.FSPath, res.RelPath)
		if err != nil {
			return err
		}
		return listing.Render(w, r, l)
	}

	if !info.Mode().IsRegular() {
		return httperr.New(httperr.NotFound, "Not Found")
	}
	return h.serveResource(w, r, res, info)
}

// serveResource applies the conditional check, classifies the resource and
// serves the negotiated representation.
func (h *Handler) serveResource(w http.ResponseWriter, r *http.Request, res pathutil.Resolved, info os.FileInfo) error {
	if NotModified(r, info.ModTime()) {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	target := targetOf(res, info)

	intrinsic, ok := mediatype.Classify(res.FSPath)
	if !ok {
		// Opaque asset: stored bytes, no negotiation, no Vary.
		return h.executor.Execute(w, r, target, mediatype.Guess(res.FSPath), convert.Passthrough{})
	}

	result, err := negotiate.Negotiate(h.registry, negotiate.Request{
		Intrinsic: intrinsic,
		Override:  r.URL.Query().Get("media-type"),
		Accept:    acceptOf(r),
	})
	if err != nil {
		metrics.RecordNegotiation(intrinsic, "")
		return err
	}
	metrics.RecordNegotiation(intrinsic, result.MediaType)

	logging.WithContext(r.Context()).Debug("representation selected",
		zap.String("path", res.RelPath),
		zap.String("intrinsic", intrinsic),
		zap.String("media_type", result.MediaType),
		zap.Float64("quality", result.Quality),
		zap.String("action", convert.Kind(result.Action)))

	hdr := w.Header()
	hdr.Set("Vary", "Accept")
	hdr.Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))
	return h.executor.Execute(w, r, target, result.MediaType, result.Action)
}

// acceptOf parses the Accept header. A missing or blank header yields nil,
// which selects the intrinsic type.
func acceptOf(r *http.Request) negotiate.AcceptList {
	values := r.Header.Values("Accept")
	if len(values) == 0 {
		return nil
	}
	header := strings.Join(values, ",")
	if strings.TrimSpace(header) == "" {
		return nil
	}
	return negotiate.ParseAccept(header)
}

// NotModified reports whether r's If-Modified-Since is at or after modTime.
// Anything after a ';' in the header is ignored, and an unparsable date
// never matches. modTime is compared at one-second resolution.
func NotModified(r *http.Request, modTime time.Time) bool {
	v := r.Header.Get("If-Modified-Since")
	if v == "" {
		return false
	}
	v, _, _ = strings.Cut(v, ";")
	since, err := http.ParseTime(strings.TrimSpace(v))
	if err != nil {
		return false
	}
	return !modTime.Truncate(time.Second).After(since)
}
