package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/spec-kit/journal-tracker/internal/config"
	"github.com/spec-kit/journal-tracker/internal/devauth"
	"github.com/spec-kit/journal-tracker/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	app := cfg.App
	app.Name = "journal-devauth"
	logger, err := observability.NewLogger(cfg.Logger, app)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	srv, err := devauth.NewServer(cfg.DevAuth, logger)
	if err != nil {
		logger.Fatal("failed to seed dev auth server", zap.Error(err))
	}
	fiberApp := srv.App()

	go func() {
		if err := fiberApp.Listen(cfg.DevAuth.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()
	logger.Info("dev auth server started", zap.String("addr", cfg.DevAuth.Addr()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))

	_ = fiberApp.Shutdown()
}
