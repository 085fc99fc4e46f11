// scenedav server
//
// Serves a directory tree of 3D scene assets over WebDAV-style HTTP with
// per-request content negotiation, external converters and git-backed
// collection listings.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/badgermind/scenedav/internal/api"
	"github.com/badgermind/scenedav/internal/config"
	"github.com/badgermind/scenedav/internal/logging"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML configuration file")
	envFile := pflag.String("env-file", ".env", "dotenv file loaded before the environment is read")
	pflag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		panic("env file error: " + err.Error())
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(cfg.LoggingOptions()); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.L().Info("scenedav starting",
		zap.String("listen", cfg.Server.ListenAddr),
		zap.String("metrics", cfg.Server.MetricsAddr),
		zap.String("root", cfg.Storage.Root),
		zap.Bool("vcs", cfg.VCS.Enabled))

	srv, err := api.New(cfg)
	if err != nil {
		logging.L().Fatal("server init failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logging.L().Fatal("server stopped with error", zap.Error(err))
	}
	logging.L().Info("scenedav stopped")
}
