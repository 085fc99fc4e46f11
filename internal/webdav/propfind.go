package webdav

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/badgermind/scenedav/internal/httperr"
	"github.com/badgermind/scenedav/internal/logging"
	"github.com/badgermind/scenedav/internal/mediatype"
	"github.com/badgermind/scenedav/internal/pathutil"
)

type multistatus struct {
	XMLName   xml.Name       `xml:"D:multistatus"`
	XMLNS     string         `xml:"xmlns:D,attr"`
	Responses []propResponse `xml:"D:response"`
}

type propResponse struct {
	Href     string   `xml:"D:href"`
	Propstat propstat `xml:"D:propstat"`
}

type propstat struct {
	Prop   prop   `xml:"D:prop"`
	Status string `xml:"D:status"`
}

type prop struct {
	DisplayName   string       `xml:"D:displayname,omitempty"`
	LastModified  string       `xml:"D:getlastmodified"`
	ContentLength *int64       `xml:"D:getcontentlength,omitempty"`
	ContentType   string       `xml:"D:getcontenttype,omitempty"`
	ETag          string       `xml:"D:getetag,omitempty"`
	ResourceType  resourceType `xml:"D:resourcetype"`
}

type resourceType struct {
	Collection *struct{} `xml:"D:collection,omitempty"`
}

// handlePropfind answers with one record for the resource and, for
// collections, one per non-hidden child unless Depth is 0. Depth values
// other than 0 are treated alike; the listing never recurses.
func (h *Handler) handlePropfind(w http.ResponseWriter, r *http.Request, res pathutil.Resolved) error {
	info, err := stat(res.FSPath)
	if err != nil {
		return err
	}
	log := logging.WithContext(r.Context())

	ms := multistatus{XMLNS: "DAV:"}
	ms.Responses = append(ms.Responses, propsOf(log, res, info))

	if info.IsDir() && strings.TrimSpace(r.Header.Get("Depth")) != "0" {
		entries, err := os.ReadDir(res.FSPath)
		if err != nil {
			return httperr.Wrap(httperr.IOFailure, "cannot read collection", err)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, e := range entries {
			// Hidden, forbidden and escaping children are never advertised.
			cres, err := h.resolver.Child(res, e.Name())
			if err != nil {
				continue
			}
			ci, err := os.Stat(cres.FSPath)
			if err != nil {
				continue
			}
			ms.Responses = append(ms.Responses, propsOf(log, cres, ci))
		}
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(ms); err != nil {
		return httperr.Wrap(httperr.Internal, "cannot encode multistatus", err)
	}
	buf.WriteByte('\n')

	hdr := w.Header()
	hdr.Set("Content-Type", "application/xml; charset=utf-8")
	hdr.Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusMultiStatus)
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Debug("multistatus write failed", zap.Error(err))
	}
	return nil
}

func propsOf(log *zap.Logger, res pathutil.Resolved, info os.FileInfo) propResponse {
	p := prop{
		DisplayName:  info.Name(),
		LastModified: info.ModTime().UTC().Format(http.TimeFormat),
	}
	if info.IsDir() {
		p.ResourceType.Collection = &struct{}{}
	} else {
		size := info.Size()
		p.ContentLength = &size
		if mt, ok := mediatype.Classify(res.FSPath); ok {
			p.ContentType = mt
		}
		etag, err := fingerprint(res.FSPath)
		if err != nil {
			log.Warn("cannot fingerprint resource", zap.String("path", res.RelPath), zap.Error(err))
		} else {
			p.ETag = etag
		}
	}
	if res.RelPath == "" {
		p.DisplayName = ""
	}
	return propResponse{
		Href: hrefOf(res.RelPath, info.IsDir()),
		Propstat: propstat{
			Prop:   p,
			Status: "HTTP/1.1 200 OK",
		},
	}
}

// fingerprint hashes the full content of the file at fsPath.
func fingerprint(fsPath string) (string, error) {
	f, err := os.Open(fsPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	d := xxhash.New()
	if _, err := io.Copy(d, f); err != nil {
		return "", err
	}
	return fmt.Sprintf(`"%016x"`, d.Sum64()), nil
}

func escapePath(p string) string {
	return (&url.URL{Path: p}).EscapedPath()
}

func isInstanceList(fsPath string) bool {
	mt, ok := mediatype.Classify(fsPath)
	return ok && mt == mediatype.InstanceList
}
