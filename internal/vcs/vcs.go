// Package vcs talks to the version-control collaborator that tracks the
// served tree. The only implementation shells out to git.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/badgermind/scenedav/internal/logging"
	"github.com/badgermind/scenedav/internal/metrics"
)

// ErrNotRepository is returned by Root for directories outside any work
// tree.
var ErrNotRepository = errors.New("not inside a version-controlled tree")

// Status maps paths relative to the work-tree root to two-character status
// codes. Directories carry a trailing slash.
type Status map[string]string

// Client is the version-control collaborator. Paths passed to the mutating
// operations are relative to root.
type Client interface {
	// Root returns the work-tree root containing dir.
	Root(ctx context.Context, dir string) (string, error)
	// Status reports the entries below dir that differ from the last
	// commit, ignored entries included.
	Status(ctx context.Context, dir string) (Status, error)
	Add(ctx context.Context, root, path string) error
	Delete(ctx context.Context, root, path string) error
	Revert(ctx context.Context, root, path string) error
	Commit(ctx context.Context, root string, paths []string, message, author string) error
}

// GitConfig configures the git client.
type GitConfig struct {
	Binary  string
	Timeout time.Duration
}

// Git runs the git command-line tool.
type Git struct {
	binary  string
	timeout time.Duration
}

// NewGit returns a git client. An empty binary means "git" from PATH.
func NewGit(cfg GitConfig) *Git {
	if cfg.Binary == "" {
		cfg.Binary = "git"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Git{binary: cfg.Binary, timeout: cfg.Timeout}
}

func (g *Git) Root(ctx context.Context, dir string) (string, error) {
	out, err := g.run(ctx, "root", dir, nil, "rev-parse", "--show-toplevel")
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", ErrNotRepository
		}
		return "", err
	}
	root := strings.TrimRight(string(out), "\r\n")
	if root == "" {
		return "", ErrNotRepository
	}
	return filepath.FromSlash(root), nil
}

func (g *Git) Status(ctx context.Context, dir string) (Status, error) {
	out, err := g.run(ctx, "status", dir, nil, "status", "--porcelain", "-z", "--ignored", "--", ".")
	if err != nil {
		return nil, err
	}
	return ParseStatus(out), nil
}

func (g *Git) Add(ctx context.Context, root, path string) error {
	_, err := g.run(ctx, "add", root, nil, "add", "--", path)
	return err
}

func (g *Git) Delete(ctx context.Context, root, path string) error {
	_, err := g.run(ctx, "delete", root, nil, "rm", "-r", "--quiet", "--", path)
	return err
}

// Revert restores path from the last commit, dropping staged and unstaged
// changes alike.
func (g *Git) Revert(ctx context.Context, root, path string) error {
	_, err := g.run(ctx, "revert", root, nil, "checkout", "HEAD", "--", path)
	return err
}

// Commit records the given paths with message, attributed to author
// ("Name <email>"). The message goes through stdin so it is never parsed
// as an argument.
func (g *Git) Commit(ctx context.Context, root string, paths []string, message, author string) error {
	args := []string{"commit", "--quiet", "--file=-", "--author=" + author, "--"}
	args = append(args, paths...)
	_, err := g.run(ctx, "commit", root, strings.NewReader(message), args...)
	return err
}

func (g *Git) run(ctx context.Context, op, dir string, stdin io.Reader, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, g.binary, args...)
	cmd.Dir = dir
	cmd.Stdin = stdin
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	metrics.RecordVCSOperation(op, time.Since(start), err == nil)

	if err != nil {
		logging.WithContext(ctx).Debug("git command failed",
			zap.String("dir", dir),
			zap.Strings("args", args),
			zap.String("stderr", strings.TrimSpace(stderr.String())),
			zap.Error(err))
		return nil, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// ParseStatus decodes `git status --porcelain -z` output. For renames and
// copies the entry is recorded under the new path and the original path
// field is skipped.
func ParseStatus(data []byte) Status {
	status := make(Status)
	fields := bytes.Split(data, []byte{0})
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if len(f) < 4 || f[2] != ' ' {
			continue
		}
		code := string(f[:2])
		status[string(f[3:])] = code
		if code[0] == 'R' || code[0] == 'C' {
			i++
		}
	}
	return status
}

// Disabled is a Client for trees that are not version-controlled.
type Disabled struct{}

func (Disabled) Root(context.Context, string) (string, error)   { return "", ErrNotRepository }
func (Disabled) Status(context.Context, string) (Status, error) { return Status{}, nil }
func (Disabled) Add(context.Context, string, string) error      { return ErrNotRepository }
func (Disabled) Delete(context.Context, string, string) error   { return ErrNotRepository }
func (Disabled) Revert(context.Context, string, string) error   { return ErrNotRepository }
func (Disabled) Commit(context.Context, string, []string, string, string) error {
	return ErrNotRepository
}
