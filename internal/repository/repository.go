package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/prk-Jr/transaction-service/internal/model"
)

// Sentinel errors shared by every engine. Services translate these into
// caller-visible error kinds.
var (
	ErrNotFound                = errors.New("repository: not found")
	ErrDuplicateIdempotencyKey = errors.New("repository: duplicate idempotency key")
	ErrDuplicateKeyHash        = errors.New("repository: duplicate key hash")
	ErrDeadlock                = errors.New("repository: deadlock detected")
)

// Repository is the persistence port. Two engines implement it: Postgres
// with real row locks, and the embedded single-writer engine used for local
// runs and the test suite. All balance mutations happen inside a single Tx.
type Repository interface {
	Begin(ctx context.Context) (Tx, error)

	// Non-transactional reads.
	GetAccount(ctx context.Context, id uuid.UUID) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]*model.Account, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*model.Transaction, error)
	ListTransactionsForAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*model.Transaction, error)

	// API keys.
	FindAPIKeyByHash(ctx context.Context, keyHash string) (*model.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*model.APIKey, error)
	TouchAPIKeyLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error

	// Webhook endpoints.
	InsertEndpoint(ctx context.Context, ep *model.WebhookEndpoint) error
	GetEndpoint(ctx context.Context, id uuid.UUID) (*model.WebhookEndpoint, error)
	ListEndpoints(ctx context.Context) ([]*model.WebhookEndpoint, error)
	DeactivateEndpoint(ctx context.Context, id uuid.UUID) error

	// Webhook queue. ClaimWebhookBatch atomically moves up to limit due
	// PENDING rows to PROCESSING, oldest first, and returns them with the
	// receiving endpoint resolved.
	ClaimWebhookBatch(ctx context.Context, limit int, now time.Time) ([]*ClaimedEvent, error)
	// MarkWebhookDelivered records the successful attempt: attempts is
	// incremented, processed_at set and last_error cleared.
	MarkWebhookDelivered(ctx context.Context, id uuid.UUID, now time.Time) error
	// MarkWebhookFailed records a failed attempt. A nil nextAttemptAt is
	// terminal: the row becomes FAILED instead of returning to PENDING.
	MarkWebhookFailed(ctx context.Context, id uuid.UUID, lastError string, attempts int, nextAttemptAt *time.Time) error
	// RecoverStuckWebhooks resets PROCESSING rows claimed before olderThan
	// back to PENDING and reports how many were reset.
	RecoverStuckWebhooks(ctx context.Context, olderThan time.Time) (int, error)
	CountWebhookEventsByStatus(ctx context.Context, status model.WebhookStatus) (int, error)
	GetWebhookEvent(ctx context.Context, id uuid.UUID) (*model.WebhookEvent, error)
}

// Tx is one unit of work. Rollback after Commit is a no-op, so callers can
// always `defer tx.Rollback(ctx)`.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// SelectAccountForUpdate locks the account row for the remainder of the
	// transaction (FOR UPDATE on Postgres; the embedded engine serializes
	// write transactions instead).
	SelectAccountForUpdate(ctx context.Context, id uuid.UUID) (*model.Account, error)
	UpdateBalance(ctx context.Context, id uuid.UUID, newBalance int64) error
	InsertAccount(ctx context.Context, account *model.Account) error

	// InsertTransaction fails with ErrDuplicateIdempotencyKey when another
	// row already holds the same non-null idempotency key.
	InsertTransaction(ctx context.Context, txn *model.Transaction) error
	FindTransactionByIdempotencyKey(ctx context.Context, key string) (*model.Transaction, error)

	EnqueueWebhookEvent(ctx context.Context, ev *model.WebhookEvent) error
	ListActiveEndpointsForEvent(ctx context.Context, eventType string) ([]*model.WebhookEndpoint, error)

	// Bootstrap needs the count check and the insert in one transaction.
	CountActiveAPIKeys(ctx context.Context) (int, error)
	InsertAPIKey(ctx context.Context, key *model.APIKey) error
}

// ClaimedEvent pairs a claimed queue row with its receiving endpoint so the
// worker does not re-read the endpoint per delivery.
type ClaimedEvent struct {
	Event    *model.WebhookEvent
	Endpoint *model.WebhookEndpoint
}
