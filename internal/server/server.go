// Package server wires the repository, services, middleware and routes into
// one http.Handler plus the delivery worker, shared by cmd/api and the test
// suite.
package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/prk-Jr/transaction-service/internal/api"
	"github.com/prk-Jr/transaction-service/internal/apikey"
	"github.com/prk-Jr/transaction-service/internal/auth"
	"github.com/prk-Jr/transaction-service/internal/config"
	"github.com/prk-Jr/transaction-service/internal/ledger"
	"github.com/prk-Jr/transaction-service/internal/ratelimit"
	"github.com/prk-Jr/transaction-service/internal/repository"
	"github.com/prk-Jr/transaction-service/internal/webhook"
)

type Server struct {
	Handler http.Handler
	Worker  *webhook.Worker

	Keys     *apikey.Store
	Ledger   *ledger.Service
	Registry *webhook.Registry
}

func New(repo repository.Repository, log *zap.Logger, cfg *config.Config) *Server {
	keys := apikey.NewStore(repo, log)
	limiter := ratelimit.New(cfg.RateLimitCapacity)
	ledgerSvc := ledger.NewService(repo, log)
	registry := webhook.NewRegistry(repo, log)
	worker := webhook.NewWorker(repo, log, webhook.Config{
		PoolSize:       cfg.WebhookWorkers,
		BatchSize:      cfg.WebhookBatchSize,
		MaxAttempts:    cfg.WebhookMaxAttempts,
		RetryBase:      cfg.WebhookRetryBase,
		RetryCap:       cfg.WebhookRetryCap,
		RequestTimeout: cfg.WebhookTimeout,
	})

	ledgerHandler := &ledger.Handler{Service: ledgerSvc, Log: log}
	keyHandler := &apikey.Handler{Store: keys, Log: log}
	webhookHandler := &webhook.Handler{Registry: registry, Log: log}
	guard := &auth.Middleware{Keys: keys, Limiter: limiter, Log: log}

	mux := http.NewServeMux()

	// Health and bootstrap sit outside the auth gate.
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	mux.HandleFunc("POST /api/bootstrap", keyHandler.Bootstrap)

	protected := func(h http.HandlerFunc) http.Handler { return guard.Wrap(h) }

	mux.Handle("POST /api/keys", protected(keyHandler.Create))
	mux.Handle("GET /api/keys", protected(keyHandler.List))

	mux.Handle("POST /api/accounts", protected(ledgerHandler.CreateAccount))
	mux.Handle("GET /api/accounts", protected(ledgerHandler.ListAccounts))
	mux.Handle("GET /api/accounts/{id}", protected(ledgerHandler.GetAccount))
	mux.Handle("GET /api/accounts/{id}/transactions", protected(ledgerHandler.ListTransactions))

	mux.Handle("POST /api/transactions/deposit", protected(ledgerHandler.Deposit))
	mux.Handle("POST /api/transactions/withdraw", protected(ledgerHandler.Withdraw))
	mux.Handle("POST /api/transactions/transfer", protected(ledgerHandler.Transfer))

	mux.Handle("POST /api/webhooks", protected(webhookHandler.Register))
	mux.Handle("GET /api/webhooks", protected(webhookHandler.List))
	mux.Handle("DELETE /api/webhooks/{id}", protected(webhookHandler.Deactivate))

	var handler http.Handler = mux
	handler = api.Timeout(cfg.DBTimeout)(handler)
	handler = api.Logging(log)(handler)
	handler = api.RequestID(handler)

	return &Server{
		Handler:  handler,
		Worker:   worker,
		Keys:     keys,
		Ledger:   ledgerSvc,
		Registry: registry,
	}
}
