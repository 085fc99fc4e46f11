package negotiate

import (
	"strings"

	"github.com/badgermind/scenedav/internal/convert"
	"github.com/badgermind/scenedav/internal/httperr"
	"github.com/badgermind/scenedav/internal/mediatype"
)

// Result is the representation chosen for one request.
type Result struct {
	// MediaType is the Content-Type of the response.
	MediaType string
	// Quality is the weight the selection was made at, for diagnostics.
	Quality float64
	// Action produces the representation.
	Action convert.Action
	// Converted is false when the stored bytes are served as they are.
	Converted bool
}

// Request carries the inputs of one negotiation.
type Request struct {
	// Intrinsic is the stored resource's media type.
	Intrinsic string
	// Override is the media-type query parameter, if any.
	Override string
	// Accept is the parsed Accept header; nil when the header is absent.
	Accept AcceptList
}

// Negotiate picks exactly one representation, or fails with
// httperr.NotAcceptable.
//
// An override with a matching rule wins outright at quality 1. Without an
// Accept header the intrinsic type is served. Otherwise entries are walked
// in descending quality and an entry only replaces the current choice if
// its quality is strictly greater, so among equal weights the first listed
// wins. "*/*" and the intrinsic type select the stored bytes; any other
// entry needs a rule in reg.
func Negotiate(reg *convert.Registry, req Request) (Result, error) {
	if req.Override != "" {
		if action, ok := reg.Lookup(req.Intrinsic, req.Override); ok {
			return Result{
				MediaType: strings.ToLower(req.Override),
				Quality:   1.0,
				Action:    action,
				Converted: true,
			}, nil
		}
	}

	if req.Accept == nil {
		return unconverted(req.Intrinsic, 1.0), nil
	}

	var (
		best    Result
		bestQ   float64
		matched bool
	)
	for _, entry := range req.Accept.Sorted() {
		if !(entry.Quality > bestQ) {
			continue
		}

		switch {
		case entry.MediaType == mediatype.Any:
			best = unconverted(req.Intrinsic, entry.Quality)
		case strings.EqualFold(entry.MediaType, req.Intrinsic):
			best = unconverted(entry.MediaType, entry.Quality)
		default:
			action, ok := reg.Lookup(req.Intrinsic, entry.MediaType)
			if !ok {
				continue
			}
			best = Result{
				MediaType: entry.MediaType,
				Quality:   entry.Quality,
				Action:    action,
				Converted: true,
			}
		}
		bestQ = entry.Quality
		matched = true
	}

	if !matched {
		return Result{}, httperr.New(httperr.NotAcceptable, "Not Acceptable")
	}
	return best, nil
}

func unconverted(mediaType string, q float64) Result {
	return Result{
		MediaType: mediaType,
		Quality:   q,
		Action:    convert.Passthrough{},
	}
}
