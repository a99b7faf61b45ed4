// The worker binary runs webhook delivery without the HTTP API, for
// deployments that scale delivery separately from request handling.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/prk-Jr/transaction-service/internal/config"
	"github.com/prk-Jr/transaction-service/internal/repository/postgres"
	"github.com/prk-Jr/transaction-service/internal/webhook"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer store.Close()

	worker := webhook.NewWorker(store, log, webhook.Config{
		PoolSize:       cfg.WebhookWorkers,
		BatchSize:      cfg.WebhookBatchSize,
		MaxAttempts:    cfg.WebhookMaxAttempts,
		RetryBase:      cfg.WebhookRetryBase,
		RetryCap:       cfg.WebhookRetryCap,
		RequestTimeout: cfg.WebhookTimeout,
	})

	log.Info("webhook worker starting", zap.Int("pool_size", cfg.WebhookWorkers))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("worker exited with error", zap.Error(err))
	}
	log.Info("worker stopped")
}
