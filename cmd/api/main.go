package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/checkfox/go_broker/internal/adapter"
	"github.com/checkfox/go_broker/internal/client"
	"github.com/checkfox/go_broker/internal/config"
	"github.com/checkfox/go_broker/internal/database"
	"github.com/checkfox/go_broker/internal/dispatch"
	"github.com/checkfox/go_broker/internal/handlers"
	"github.com/checkfox/go_broker/internal/logger"
	"github.com/checkfox/go_broker/internal/queue"
	"github.com/checkfox/go_broker/internal/reconcile"
	"github.com/checkfox/go_broker/internal/repository"
	"github.com/checkfox/go_broker/internal/selector"
	"github.com/checkfox/go_broker/internal/services"
)

func main() {
	logger.Init()
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger.InitWithConfig(cfg.Logging.Level, cfg.Logging.Format)

	logger.Info(ctx, "API Server starting",
		"host", cfg.API.Host,
		"port", cfg.API.Port,
		"auth_enabled", cfg.Auth.Enabled,
		"pull_host", cfg.Pull.Host)

	dbWrapper, err := database.InitFromConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer dbWrapper.Close()

	logger.Info(ctx, "Database connection established")

	if err := database.RunMigrations(dbWrapper, cfg.API.MigrationsPath); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	logger.Info(ctx, "Database migrations completed")

	jobQueue, err := queue.NewDBQueue(dbWrapper.DB)
	if err != nil {
		log.Fatalf("Failed to initialize queue: %v", err)
	}
	defer jobQueue.Close()

	// Repositories
	leadRepo := repository.NewLeadRepository(dbWrapper.DB)
	attemptRepo := repository.NewAttemptRepository(dbWrapper.DB)
	eventRepo := repository.NewStatusEventRepository(dbWrapper.DB)
	templateRepo := repository.NewTemplateRepository(dbWrapper.DB)
	boxRepo := repository.NewBoxRepository(dbWrapper.DB)
	settingsRepo := repository.NewSettingsRepository(dbWrapper.DB)

	// Broker adapters
	brokerClient := client.NewBrokerClient(cfg.Dispatch.BrokerTimeout)
	registry := adapter.NewRegistry(brokerClient, func(code string) adapter.Adapter {
		return adapter.NewMock(code, adapter.WithLatency(cfg.Dispatch.MockMinLatency, cfg.Dispatch.MockMaxLatency))
	})
	if _, err := registry.Load(ctx, templateRepo); err != nil {
		// unknown brokers fall back to the mock until the next reload
		logger.LogError(ctx, "Failed to load broker templates", err)
	}

	// Dispatch
	brokerSelector := selector.New(boxRepo, attemptRepo, settingsRepo, templateRepo, cfg.CRM.Timezone)
	dispatchService := dispatch.NewService(leadRepo, attemptRepo, brokerSelector, registry)
	scheduler := dispatch.NewScheduler(dispatchService)

	// Reconciliation
	validator := services.NewValidator()
	mapper := services.NewStatusMapper(cfg.StatusMapping)
	applier := reconcile.NewApplier(leadRepo, eventRepo, mapper)
	puller := reconcile.NewPuller(leadRepo, templateRepo, brokerClient, applier, cfg.Pull.DefaultWindow, cfg.Pull.LeadLookback)
	importer := reconcile.NewImporter(leadRepo, brokerClient, mapper, services.NewNormalizer(), validator)
	receiver := reconcile.NewWebhookReceiver(leadRepo, applier)

	var pollerControl handlers.PollerControl
	pollerCtx, stopPoller := context.WithCancel(ctx)
	defer stopPoller()
	if cfg.Pull.Enabled && cfg.Pull.Host == "api" {
		poller := reconcile.NewPoller(templateRepo, puller, cfg.Pull.Interval, cfg.Pull.Concurrency)
		pollerControl = poller
		go func() {
			_ = poller.Run(pollerCtx)
		}()
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		Config:       cfg,
		Dispatch:     handlers.NewDispatchHandler(jobQueue, scheduler, validator),
		Integrations: handlers.NewIntegrationsHandler(templateRepo, puller, importer, registry, pollerControl),
		Webhook:      handlers.NewWebhookHandler(receiver),
		Stats:        handlers.NewStatsHandler(leadRepo, attemptRepo, eventRepo, jobQueue, dbWrapper),
	})

	addr := fmt.Sprintf("%s:%s", cfg.API.Host, cfg.API.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Dispatch.BrokerTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info(ctx, "HTTP server listening", "address", addr)
		serverErrors <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatalf("Server error: %v", err)

	case sig := <-sigChan:
		logger.Info(ctx, "Received shutdown signal", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		stopPoller()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error(ctx, "Server shutdown error", "error", err.Error())
			server.Close()
		}

		// pending delayed sends are dropped; their broker assignment stays on the lead
		if err := scheduler.Shutdown(shutdownCtx); err != nil {
			logger.Error(ctx, "Scheduler shutdown error", "error", err.Error())
		}

		logger.Info(ctx, "Server shutdown complete")
	}
}
