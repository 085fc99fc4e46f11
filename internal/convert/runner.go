package convert

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/badgermind/scenedav/internal/httperr"
	"github.com/badgermind/scenedav/internal/logging"
	"github.com/badgermind/scenedav/internal/metrics"
)

const (
	defaultTimeout     = 60 * time.Second
	defaultBufferBytes = 8 << 20
	stderrLimit        = 4 << 10
	waitDelay          = 5 * time.Second
)

// RunnerConfig bounds external converter processes.
type RunnerConfig struct {
	// Timeout is the deadline of a single process run.
	Timeout time.Duration
	// MaxConcurrent caps concurrently running processes; <= 0 means 1.
	MaxConcurrent int64
	// BufferBytes is how much output is held back before headers are
	// committed. Output that fits is only sent once the exit status is
	// known.
	BufferBytes int
}

// Command is one external process invocation.
type Command struct {
	Path  string
	Args  []string
	Stdin io.Reader
}

// Runner executes converter processes and streams their output.
type Runner struct {
	timeout     time.Duration
	bufferBytes int
	sem         *semaphore.Weighted
}

// NewRunner returns a Runner for cfg.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.BufferBytes <= 0 {
		cfg.BufferBytes = defaultBufferBytes
	}
	return &Runner{
		timeout:     cfg.Timeout,
		bufferBytes: cfg.BufferBytes,
		sem:         semaphore.NewWeighted(cfg.MaxConcurrent),
	}
}

// Stream runs c and sends its standard output as a 200 response with the
// given content type.
//
// Headers are not written until the process has started and either exited
// or produced more than the configured buffer. A start failure or a
// non-zero exit inside that window returns httperr.ExecutionFailed with
// nothing written. A failure after headers were committed aborts the
// connection so the client never mistakes a truncated body for a complete
// one.
func (p *Runner) Stream(ctx context.Context, w http.ResponseWriter, c Command, contentType string) error {
	log := logging.WithContext(ctx).With(
		zap.String("command", c.Path),
		zap.Strings("args", c.Args))

	// The deadline covers waiting for a slot as well as the run itself.
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return httperr.Wrap(httperr.ExecutionFailed, "converter unavailable", err)
	}
	defer p.sem.Release(1)

	metrics.ConverterStarted()
	defer metrics.ConverterFinished()

	start := time.Now()

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Stdin = c.Stdin
	cmd.WaitDelay = waitDelay
	stderr := &limitedBuffer{limit: stderrLimit}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return httperr.Wrap(httperr.ExecutionFailed, "converter failed to start", err)
	}
	if err := cmd.Start(); err != nil {
		metrics.RecordConversion("external", time.Since(start), false)
		return httperr.Wrap(httperr.ExecutionFailed, "converter failed to start", err)
	}

	var spool bytes.Buffer
	_, readErr := io.CopyN(&spool, stdout, int64(p.bufferBytes)+1)

	if readErr != nil {
		// Whole output is in the spool (EOF) or reading broke; either way
		// the exit status decides before anything is sent.
		waitErr := cmd.Wait()
		if readErr != io.EOF || waitErr != nil {
			metrics.RecordConversion("external", time.Since(start), false)
			cause := errors.Join(nonEOF(readErr), waitErr)
			log.Warn("converter failed",
				zap.Error(cause),
				zap.String("stderr", stderr.String()))
			return httperr.Wrap(httperr.ExecutionFailed, "conversion failed", cause)
		}

		h := w.Header()
		h.Set("Content-Type", contentType)
		h.Set("Content-Length", strconv.Itoa(spool.Len()))
		w.WriteHeader(http.StatusOK)
		n, _ := w.Write(spool.Bytes())
		metrics.RecordContentDownload(int64(n))
		metrics.RecordConversion("external", time.Since(start), true)
		log.Debug("converter finished",
			zap.Int("bytes", n),
			zap.Duration("duration", time.Since(start)))
		return nil
	}

	// Output exceeds the buffer: commit and stream the rest.
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	written, copyErr := w.Write(spool.Bytes())
	if copyErr == nil {
		var n int64
		n, copyErr = io.Copy(w, stdout)
		written += int(n)
	}
	if copyErr != nil {
		cancel()
	}
	waitErr := cmd.Wait()
	metrics.RecordContentDownload(int64(written))

	if copyErr != nil || waitErr != nil {
		metrics.RecordConversion("external", time.Since(start), false)
		log.Warn("converter failed after response started",
			zap.Error(errors.Join(copyErr, waitErr)),
			zap.Int("bytes", written),
			zap.String("stderr", stderr.String()))
		panic(http.ErrAbortHandler)
	}

	metrics.RecordConversion("external", time.Since(start), true)
	return nil
}

func nonEOF(err error) error {
	if err == io.EOF {
		return nil
	}
	return err
}

// limitedBuffer keeps the first limit bytes written to it.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return strings.TrimSpace(b.buf.String())
}
