// Package negotiate selects the representation returned for a resource from
// the client's declared preferences and the available conversions.
package negotiate

import (
	"sort"
	"strconv"
	"strings"
)

// AcceptEntry is one media range from an Accept header.
type AcceptEntry struct {
	MediaType string
	Quality   float64
}

// AcceptList is an Accept header in the order the client listed it.
type AcceptList []AcceptEntry

// ParseAccept parses an Accept header value. Entries keep header order.
// A missing or malformed q parameter counts as 1.0; values outside [0,1]
// are clamped. Empty elements are skipped.
func ParseAccept(header string) AcceptList {
	var list AcceptList
	for _, part := range strings.Split(header, ",") {
		params := strings.Split(part, ";")
		mt := strings.ToLower(strings.TrimSpace(params[0]))
		if mt == "" {
			continue
		}
		q := 1.0
		for _, p := range params[1:] {
			key, val, found := strings.Cut(strings.TrimSpace(p), "=")
			if !found || !strings.EqualFold(strings.TrimSpace(key), "q") {
				continue
			}
			q = parseQuality(val)
		}
		list = append(list, AcceptEntry{MediaType: mt, Quality: q})
	}
	return list
}

func parseQuality(s string) float64 {
	q, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || q != q { // NaN
		return 1.0
	}
	if q < 0 {
		return 0
	}
	if q > 1 {
		return 1
	}
	return q
}

// Sorted returns a copy ordered by descending quality. Entries of equal
// quality stay in header order.
func (l AcceptList) Sorted() AcceptList {
	out := make(AcceptList, len(l))
	copy(out, l)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Quality > out[j].Quality
	})
	return out
}

// String renders the list back into header form.
func (l AcceptList) String() string {
	parts := make([]string, len(l))
	for i, e := range l {
		if e.Quality == 1 {
			parts[i] = e.MediaType
			continue
		}
		parts[i] = e.MediaType + ";q=" + strconv.FormatFloat(e.Quality, 'g', -1, 64)
	}
	return strings.Join(parts, ", ")
}
