// Package logging owns the process logger and the per-request logger that
// follows a request through negotiation, conversion and git calls.
package logging

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RequestIDHeader is echoed on every response and honoured when a proxy
// already assigned one.
const RequestIDHeader = "X-Request-ID"

type ctxKey struct{}

var (
	logger = zap.NewNop()
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Config selects the level, encoding and sink of the process logger.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// Init replaces the process logger. An unknown level falls back to info.
func Init(cfg Config) error {
	lvl, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	level.SetLevel(lvl)

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	if cfg.OutputPath != "" {
		zc.OutputPaths = []string{cfg.OutputPath}
	}

	l, err := zc.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}
	logger = l
	return nil
}

// InitNop discards all output.
func InitNop() {
	logger = zap.NewNop()
}

func Sync() error {
	return logger.Sync()
}

// L returns the process logger.
func L() *zap.Logger {
	return logger
}

// LevelHandler reports the current level on GET and changes it on PUT,
// using zap's {"level":"debug"} body.
func LevelHandler() http.Handler {
	return level
}

// WithContext returns the request logger stored by Middleware, or the
// process logger outside a request.
func WithContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok {
		return l
	}
	return logger
}

// recorder captures the first status written and the body size.
type recorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rec *recorder) WriteHeader(code int) {
	if rec.status == 0 {
		rec.status = code
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *recorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += int64(n)
	return n, err
}

func (rec *recorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

// Middleware tags each request with an id and logs one line when it
// finishes: the negotiated Content-Type, status and byte count. Server
// errors are logged at warn. A converter that dies mid-stream aborts the
// handler; that is logged as "request aborted" and the abort re-raised.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		reqLog := logger.With(
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
		r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, reqLog))
		reqLog.Debug("request started",
			zap.String("accept", r.Header.Get("Accept")),
			zap.String("remote_addr", r.RemoteAddr))

		rec := &recorder{ResponseWriter: w}
		defer func() {
			if p := recover(); p != nil {
				if err, ok := p.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					reqLog.Warn("request aborted",
						zap.Int("status", rec.status),
						zap.Int64("bytes", rec.bytes),
						zap.Duration("duration", time.Since(start)))
				}
				panic(p)
			}
		}()

		next.ServeHTTP(rec, r)

		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		lvl := zapcore.InfoLevel
		if rec.status >= http.StatusInternalServerError {
			lvl = zapcore.WarnLevel
		}
		if ce := reqLog.Check(lvl, "request completed"); ce != nil {
			ce.Write(
				zap.Int("status", rec.status),
				zap.String("content_type", rec.Header().Get("Content-Type")),
				zap.Int64("bytes", rec.bytes),
				zap.Duration("duration", time.Since(start)),
			)
		}
	})
}
