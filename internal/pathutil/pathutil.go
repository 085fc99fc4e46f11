// Package pathutil maps raw request targets onto paths inside the served
// root.
package pathutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/badgermind/scenedav/internal/httperr"
)

// Resolved is a request path that passed all checks.
type Resolved struct {
	// FSPath is the absolute filesystem path inside the root.
	FSPath string
	// RelPath is the slash-separated path relative to the root, without a
	// leading slash. It is empty for the root itself.
	RelPath string
	// TrailingSlash reports whether the request addressed a collection
	// explicitly ("dir/").
	TrailingSlash bool
}

// Resolver normalizes request targets against a root directory.
type Resolver struct {
	root              string
	realRoot          string
	forbiddenSuffixes []string
}

// NewResolver returns a Resolver for root. Paths ending in any of
// forbiddenSuffixes (compared case-insensitively) are refused.
func NewResolver(root string, forbiddenSuffixes []string) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", root, err)
	}
	suffixes := make([]string, 0, len(forbiddenSuffixes))
	for _, s := range forbiddenSuffixes {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			suffixes = append(suffixes, s)
		}
	}
	abs = filepath.Clean(abs)
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Missing roots are reported by the health check, not here.
		real = abs
	}
	return &Resolver{root: abs, realRoot: real, forbiddenSuffixes: suffixes}, nil
}

// Root returns the absolute root directory.
func (r *Resolver) Root() string {
	return r.root
}

// Resolve validates rawTarget (path plus optional query) and maps it into
// the root. All failures are httperr.Forbidden.
//
// The bare root ("/") is accepted and addresses the root collection; an
// empty target is refused. Symlinks are followed and must stay inside the
// root.
func (r *Resolver) Resolve(rawTarget string) (Resolved, error) {
	p, _, _ := strings.Cut(rawTarget, "?")
	if p == "" {
		return Resolved{}, httperr.New(httperr.Forbidden, "Forbidden")
	}

	p = collapseSlashes(p)
	trailing := strings.HasSuffix(p, "/")
	p = strings.TrimLeft(p, "/")

	if strings.ContainsRune(p, 0) || strings.Contains(p, "\\") {
		return Resolved{}, httperr.New(httperr.Forbidden, "Forbidden")
	}

	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			continue
		}
		// Covers hidden files as well as "." and "..".
		if strings.HasPrefix(seg, ".") {
			return Resolved{}, httperr.New(httperr.Forbidden, "Forbidden")
		}
	}

	lower := strings.ToLower(strings.TrimRight(p, "/"))
	for _, suffix := range r.forbiddenSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return Resolved{}, httperr.New(httperr.Forbidden, "Forbidden")
		}
	}

	rel := strings.TrimPrefix(path.Clean("/"+p), "/")
	fsPath := filepath.Join(r.root, filepath.FromSlash(rel))
	if !within(r.root, fsPath) || !r.confined(fsPath) {
		return Resolved{}, httperr.New(httperr.Forbidden, "Forbidden")
	}

	return Resolved{FSPath: fsPath, RelPath: rel, TrailingSlash: trailing}, nil
}

// Child resolves a direct child name of an already resolved collection.
func (r *Resolver) Child(parent Resolved, name string) (Resolved, error) {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.HasPrefix(name, ".") {
		return Resolved{}, httperr.New(httperr.Forbidden, "Forbidden")
	}
	rel := name
	if parent.RelPath != "" {
		rel = parent.RelPath + "/" + name
	}
	return r.Resolve("/" + rel)
}

// confined resolves symlinks along the longest existing prefix of p and
// reports whether the result is still inside the root. A dangling symlink
// on the way is refused since a write would land wherever it points.
func (r *Resolver) confined(p string) bool {
	for cur := p; ; {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return within(r.realRoot, real)
		}
		if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, syscall.ENOTDIR) {
			return false
		}
		if _, lerr := os.Lstat(cur); lerr == nil {
			return false
		}
		parent := filepath.Dir(cur)
		if parent == cur || !within(r.root, parent) {
			return false
		}
		cur = parent
	}
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, filepath.Clean(p))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func collapseSlashes(p string) string {
	if !strings.Contains(p, "//") {
		return p
	}
	var b strings.Builder
	b.Grow(len(p))
	prevSlash := false
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteByte(c)
	}
	return b.String()
}
