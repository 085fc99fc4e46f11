// Package mediatype maps stored resource names to their intrinsic media
// types.
package mediatype

import (
	"io"
	"mime"
	"os"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Intrinsic media types of the resources this server negotiates.
const (
	FBX          = "application/vnd.autodesk.fbx"
	PNG          = "image/png"
	JPEG         = "image/jpeg"
	MP3          = "audio/mpeg"
	MP4          = "audio/mp4"
	WebM         = "audio/webm"
	Scene        = "application/vnd.badgermind.sd"
	InstanceList = "application/vnd.badgermind.bid"
)

// Representations produced by conversions.
const (
	Model         = "application/vnd.badgermind.m0"
	JSON          = "application/json"
	HTML          = "text/html"
	PlainText     = "text/plain"
	SceneBinary   = "application/vnd.badgermind.sd.binary.0"
	SceneBinary64 = "application/vnd.badgermind.sd.binary64.0"
	VideoMP4      = "video/mp4"
	VideoWebM     = "video/webm"
	Any           = "*/*"
	OctetStream   = "application/octet-stream"
)

const sniffSize = 3072

var byExtension = map[string]string{
	"fbx":  FBX,
	"png":  PNG,
	"jpg":  JPEG,
	"jpeg": JPEG,
	"mp3":  MP3,
	"mp4":  MP4,
	"webm": WebM,
	"bsd":  Scene,
	"bid":  InstanceList,
}

// Classify returns the intrinsic media type for name. ok is false for
// unknown extensions; such resources are served verbatim without
// negotiation.
func Classify(name string) (mediaType string, ok bool) {
	ext := strings.TrimPrefix(path.Ext(name), ".")
	if ext == "" {
		return "", false
	}
	mediaType, ok = byExtension[strings.ToLower(ext)]
	return mediaType, ok
}

// Guess returns a Content-Type for an opaque asset that is served without
// negotiation. It only labels the response; the bytes are never changed.
func Guess(fsPath string) string {
	if t := mime.TypeByExtension(path.Ext(fsPath)); t != "" {
		return t
	}

	f, err := os.Open(fsPath)
	if err != nil {
		return OctetStream
	}
	defer f.Close()

	head := make([]byte, sniffSize)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return OctetStream
	}
	return mimetype.Detect(head[:n]).String()
}
