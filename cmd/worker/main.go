package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/checkfox/go_broker/internal/adapter"
	"github.com/checkfox/go_broker/internal/client"
	"github.com/checkfox/go_broker/internal/config"
	"github.com/checkfox/go_broker/internal/database"
	"github.com/checkfox/go_broker/internal/dispatch"
	"github.com/checkfox/go_broker/internal/logger"
	"github.com/checkfox/go_broker/internal/queue"
	"github.com/checkfox/go_broker/internal/reconcile"
	"github.com/checkfox/go_broker/internal/repository"
	"github.com/checkfox/go_broker/internal/selector"
	"github.com/checkfox/go_broker/internal/services"
	"github.com/checkfox/go_broker/internal/worker"
)

func main() {
	logger.Init()
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger.InitWithConfig(cfg.Logging.Level, cfg.Logging.Format)

	logger.Info(ctx, "Worker starting",
		"poll_interval", cfg.Worker.PollInterval,
		"registry_refresh_interval", cfg.Worker.RegistryRefreshInterval,
		"pull_enabled", cfg.Pull.Enabled,
		"pull_host", cfg.Pull.Host)

	dbWrapper, err := database.InitFromConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer dbWrapper.Close()

	logger.Info(ctx, "Database connection established")

	jobQueue, err := queue.NewDBQueue(dbWrapper.DB)
	if err != nil {
		log.Fatalf("Failed to initialize queue: %v", err)
	}
	defer jobQueue.Close()

	leadRepo := repository.NewLeadRepository(dbWrapper.DB)
	attemptRepo := repository.NewAttemptRepository(dbWrapper.DB)
	templateRepo := repository.NewTemplateRepository(dbWrapper.DB)

	brokerClient := client.NewBrokerClient(cfg.Dispatch.BrokerTimeout)
	registry := adapter.NewRegistry(brokerClient, func(code string) adapter.Adapter {
		return adapter.NewMock(code, adapter.WithLatency(cfg.Dispatch.MockMinLatency, cfg.Dispatch.MockMaxLatency))
	})
	if _, err := registry.Load(ctx, templateRepo); err != nil {
		logger.LogError(ctx, "Failed to load broker templates", err)
	}

	brokerSelector := selector.New(
		repository.NewBoxRepository(dbWrapper.DB),
		attemptRepo,
		repository.NewSettingsRepository(dbWrapper.DB),
		templateRepo,
		cfg.CRM.Timezone,
	)
	dispatchService := dispatch.NewService(leadRepo, attemptRepo, brokerSelector, registry)

	processor := worker.NewProcessor(worker.ProcessorConfig{
		Queue:        jobQueue,
		Dispatcher:   dispatchService,
		PollInterval: cfg.Worker.PollInterval,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var background sync.WaitGroup

	// template CRUD happens in another process; reload on an interval
	background.Add(1)
	go func() {
		defer background.Done()
		refreshRegistry(workerCtx, registry, templateRepo, cfg.Worker.RegistryRefreshInterval)
	}()

	if cfg.Pull.Enabled && cfg.Pull.Host == "worker" {
		mapper := services.NewStatusMapper(cfg.StatusMapping)
		applier := reconcile.NewApplier(leadRepo, repository.NewStatusEventRepository(dbWrapper.DB), mapper)
		puller := reconcile.NewPuller(leadRepo, templateRepo, brokerClient, applier, cfg.Pull.DefaultWindow, cfg.Pull.LeadLookback)
		poller := reconcile.NewPoller(templateRepo, puller, cfg.Pull.Interval, cfg.Pull.Concurrency)

		background.Add(1)
		go func() {
			defer background.Done()
			if err := poller.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error(ctx, "Reconciliation poller error", "error", err.Error())
			}
		}()
	}

	workerErrors := make(chan error, 1)
	go func() {
		workerErrors <- processor.Start(workerCtx)
	}()

	logger.Info(ctx, "Worker started successfully")

	select {
	case err := <-workerErrors:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error(ctx, "Worker error", "error", err.Error())
		}
		cancel()

	case sig := <-sigChan:
		logger.Info(ctx, "Received shutdown signal", "signal", sig.String())

		cancel()

		shutdownTimeout := time.NewTimer(30 * time.Second)
		defer shutdownTimeout.Stop()

		select {
		case <-workerErrors:
			logger.Info(ctx, "Worker stopped gracefully")
		case <-shutdownTimeout.C:
			logger.Warn(ctx, "Worker shutdown timeout exceeded, forcing exit")
		}
	}

	background.Wait()
	logger.Info(ctx, "Worker shutdown complete")
}

func refreshRegistry(ctx context.Context, registry *adapter.Registry, lister adapter.TemplateLister, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := registry.Load(ctx, lister); err != nil {
				logger.LogError(ctx, "Failed to refresh broker templates", err)
			}
		}
	}
}
