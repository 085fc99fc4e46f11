// Package api assembles the scenedav HTTP servers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/badgermind/scenedav/internal/auth"
	"github.com/badgermind/scenedav/internal/config"
	"github.com/badgermind/scenedav/internal/convert"
	"github.com/badgermind/scenedav/internal/listing"
	"github.com/badgermind/scenedav/internal/logging"
	"github.com/badgermind/scenedav/internal/metrics"
	"github.com/badgermind/scenedav/internal/pathutil"
	"github.com/badgermind/scenedav/internal/render"
	"github.com/badgermind/scenedav/internal/webdav"
)

const readHeaderTimeout = 10 * time.Second

// Server owns the content and metrics listeners.
type Server struct {
	cfg      *config.Config
	auth     *auth.Authenticator
	dav      *webdav.Handler
	registry *convert.Registry
	root     string
}

// New wires the resolver, conversion registry, executor, lister and
// authenticator described by cfg.
func New(cfg *config.Config) (*Server, error) {
	resolver, err := pathutil.NewResolver(cfg.Storage.Root, cfg.Storage.ForbiddenSuffixes)
	if err != nil {
		return nil, fmt.Errorf("storage root: %w", err)
	}

	binaries := cfg.ConverterBinaries()
	registry := convert.NewRegistry(convert.DefaultRules(binaries)...)
	runner := convert.NewRunner(cfg.RunnerOptions())
	renderers := render.New(runner, binaries.ScriptConvert)
	executor := convert.NewExecutor(runner, renderers.Handlers())

	dav := webdav.NewHandler(webdav.Options{
		Resolver:        resolver,
		Registry:        registry,
		Executor:        executor,
		Lister:          listing.New(cfg.VCSClient()),
		Editor:          renderers,
		DefaultDocument: cfg.Storage.DefaultDocument,
		MaxUploadSize:   cfg.Storage.MaxUploadSize,
	})

	return &Server{
		cfg:      cfg,
		auth:     auth.New(cfg.AuthOptions()),
		dav:      dav,
		registry: registry,
		root:     resolver.Root(),
	}, nil
}

// Handler returns the content handler with auth, logging and metrics
// middleware.
func (s *Server) Handler() http.Handler {
	return metrics.Middleware(logging.Middleware(s.auth.Middleware(s.dav)))
}

// MetricsHandler serves /metrics, /healthz and /loglevel. It is meant for
// the operator network only and carries no authentication.
func (s *Server) MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("/loglevel", logging.LevelHandler())
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if info, err := os.Stat(s.root); err != nil || !info.IsDir() {
		status, code = "storage unavailable", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":           status,
		"conversion_rules": s.registry.Len(),
	})
}

// Run serves until ctx is cancelled or a listener fails, then shuts both
// servers down within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	servers := []*http.Server{httpServer}
	if s.cfg.Server.MetricsAddr != "" {
		servers = append(servers, &http.Server{
			Addr:              s.cfg.Server.MetricsAddr,
			Handler:           s.MetricsHandler(),
			ReadHeaderTimeout: readHeaderTimeout,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			logging.L().Info("listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logging.L().Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}
