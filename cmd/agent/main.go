package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/journal-tracker/internal/api/http"
	"github.com/spec-kit/journal-tracker/internal/api/http/handlers"
	"github.com/spec-kit/journal-tracker/internal/authclient"
	"github.com/spec-kit/journal-tracker/internal/config"
	"github.com/spec-kit/journal-tracker/internal/observability"
	"github.com/spec-kit/journal-tracker/internal/persistence"
	"github.com/spec-kit/journal-tracker/internal/pipeline"
	"github.com/spec-kit/journal-tracker/internal/service"
	"github.com/spec-kit/journal-tracker/internal/session"
	"github.com/spec-kit/journal-tracker/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger, cfg.App)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tabID := uuid.NewString()
	store, err := persistence.Open(ctx, *cfg, tabID, logger)
	if err != nil {
		logger.Fatal("failed to open session store", zap.String("store", cfg.Session.Store), zap.Error(err))
	}
	defer store.Close()

	metrics := observability.NewMetrics()
	manager, err := session.New(ctx, session.Options{
		Store:          store,
		Auth:           authclient.New(cfg.Upstream.AuthURL, cfg.Session.RefreshTimeout(), logger),
		TabID:          tabID,
		Key:            cfg.Session.StoreKey,
		SafetyMargin:   cfg.Session.SafetyMargin(),
		LeadTime:       cfg.Session.LeadTime(),
		RefreshTimeout: cfg.Session.RefreshTimeout(),
		CoalesceWindow: cfg.Session.CoalesceWindow(),
		Metrics:        metrics,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("failed to start session", zap.Error(err))
	}
	defer manager.Close()

	exec := pipeline.NewExecutor(manager, metrics, logger)
	webhookClient := &http.Client{
		Transport: pipeline.NewTransport(exec, nil),
		Timeout:   cfg.App.RequestTimeout(),
	}
	notifications := service.NewNotificationService(manager, logger, cfg.Notify).WithHTTPClient(webhookClient)
	notifications.RegisterHandlers()
	defer notifications.Close()

	preRefresher := worker.StartPreRefresher(ctx, manager, logger)

	app := fiber.New(fiber.Config{AppName: cfg.App.Name})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())

	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:  handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, map[string]handlers.Pinger{"session_store": store}),
		Session: handlers.NewSessionHandler(manager),
		Proxy: pipeline.ProxyHandler(exec, pipeline.ProxyConfig{
			Upstream: cfg.Upstream.APIURL,
			Timeout:  cfg.App.RequestTimeout(),
		}),
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()
	logger.Info("session agent started",
		zap.String("addr", cfg.App.Addr()),
		zap.String("tab", tabID),
		zap.String("store", cfg.Session.Store))

	waitForShutdown(logger)

	_ = app.Shutdown()
	cancel()
	<-preRefresher.Done()
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
