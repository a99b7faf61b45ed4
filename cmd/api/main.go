package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/prk-Jr/transaction-service/internal/config"
	"github.com/prk-Jr/transaction-service/internal/repository"
	"github.com/prk-Jr/transaction-service/internal/repository/memory"
	"github.com/prk-Jr/transaction-service/internal/repository/postgres"
	"github.com/prk-Jr/transaction-service/internal/server"
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

	repo, closeRepo, err := openRepository(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to open repository", zap.Error(err))
	}
	defer closeRepo()

	srv := server.New(repo, log, cfg)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv.Handler,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting", zap.String("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info("webhook worker starting")
		return srv.Worker.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("exited with error", zap.Error(err))
	}
	log.Info("stopped")
}

// openRepository selects the engine from the URL scheme: postgres for real
// deployments, the embedded in-process engine for local runs.
func openRepository(ctx context.Context, databaseURL string) (repository.Repository, func(), error) {
	if strings.HasPrefix(databaseURL, "memory://") {
		return memory.New(), func() {}, nil
	}
	store, err := postgres.Connect(ctx, databaseURL)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}
