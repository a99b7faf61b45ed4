// Package postgres is the production repository engine. Row-level locks
// (`FOR UPDATE`) provide per-account sequencing and the webhook queue is
// claimed with `FOR UPDATE SKIP LOCKED` so worker pools never contend on the
// same rows.
package postgres

import (
	"context"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prk-Jr/transaction-service/internal/model"
	"github.com/prk-Jr/transaction-service/internal/repository"
)

const (
	pgUniqueViolation    = "23505"
	pgDeadlockDetected   = "40P01"
	pgSerializationError = "40001"
)

type Store struct {
	pool *pgxpool.Pool
	sb   sq.StatementBuilderType
}

var _ repository.Repository = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool: pool,
		sb:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// Connect opens a pool against databaseURL and verifies connectivity.
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 20
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return New(pool), nil
}

func (s *Store) Close() { s.pool.Close() }

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			switch pgErr.ConstraintName {
			case "transactions_idempotency_key_key":
				return repository.ErrDuplicateIdempotencyKey
			case "api_keys_key_hash_key":
				return repository.ErrDuplicateKeyHash
			}
		case pgDeadlockDetected, pgSerializationError:
			return repository.ErrDeadlock
		}
	}
	return err
}

func (s *Store) Begin(ctx context.Context) (repository.Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Commit(ctx context.Context) error {
	return translateErr(t.tx.Commit(ctx))
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

func (t *pgTx) SelectAccountForUpdate(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	var a model.Account
	err := t.tx.QueryRow(ctx, `
		SELECT id, name, balance, currency, created_at
		FROM accounts
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&a.ID, &a.Name, &a.Balance, &a.Currency, &a.CreatedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	return &a, nil
}

func (t *pgTx) UpdateBalance(ctx context.Context, id uuid.UUID, newBalance int64) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE accounts SET balance = $2 WHERE id = $1
	`, id, newBalance)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertAccount(ctx context.Context, account *model.Account) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO accounts (id, name, balance, currency, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, account.ID, account.Name, account.Balance, account.Currency, account.CreatedAt)
	return translateErr(err)
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn *model.Transaction) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO transactions (
			id, direction, amount, currency,
			source_account_id, destination_account_id,
			idempotency_key, reference, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, txn.ID, txn.Direction, txn.Amount, txn.Currency,
		txn.SourceAccountID, txn.DestinationAccountID,
		txn.IdempotencyKey, txn.Reference, txn.CreatedAt)
	return translateErr(err)
}

func (t *pgTx) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*model.Transaction, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT id, direction, amount, currency,
		       source_account_id, destination_account_id,
		       idempotency_key, reference, created_at
		FROM transactions
		WHERE idempotency_key = $1
	`, key)
	return scanTransaction(row)
}

func (t *pgTx) EnqueueWebhookEvent(ctx context.Context, ev *model.WebhookEvent) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO webhook_events (
			id, event_type, payload, endpoint_id,
			status, attempts, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.ID, ev.EventType, ev.Payload, ev.EndpointID, ev.Status, ev.Attempts, ev.CreatedAt)
	return translateErr(err)
}

func (t *pgTx) ListActiveEndpointsForEvent(ctx context.Context, eventType string) ([]*model.WebhookEndpoint, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, url, secret, events, is_active, created_at
		FROM webhook_endpoints
		WHERE is_active = true AND $1 = ANY(events)
		ORDER BY created_at
	`, eventType)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	return collectEndpoints(rows)
}

func (t *pgTx) CountActiveAPIKeys(ctx context.Context) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM api_keys WHERE is_active = true
	`).Scan(&n)
	return n, translateErr(err)
}

func (t *pgTx) InsertAPIKey(ctx context.Context, key *model.APIKey) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO api_keys (id, name, key_hash, account_id, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, key.ID, key.Name, key.KeyHash, key.AccountID, key.IsActive, key.CreatedAt)
	return translateErr(err)
}

func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	var a model.Account
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, balance, currency, created_at
		FROM accounts
		WHERE id = $1
	`, id).Scan(&a.ID, &a.Name, &a.Balance, &a.Currency, &a.CreatedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	return &a, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]*model.Account, error) {
	query, args, err := s.sb.
		Select("id", "name", "balance", "currency", "created_at").
		From("accounts").
		OrderBy("created_at").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []*model.Account
	for rows.Next() {
		var a model.Account
		if err := rows.Scan(&a.ID, &a.Name, &a.Balance, &a.Currency, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (*model.Transaction, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, direction, amount, currency,
		       source_account_id, destination_account_id,
		       idempotency_key, reference, created_at
		FROM transactions
		WHERE id = $1
	`, id)
	return scanTransaction(row)
}

func (s *Store) ListTransactionsForAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*model.Transaction, error) {
	builder := s.sb.
		Select("id", "direction", "amount", "currency",
			"source_account_id", "destination_account_id",
			"idempotency_key", "reference", "created_at").
		From("transactions").
		Where(sq.Or{
			sq.Eq{"source_account_id": accountID},
			sq.Eq{"destination_account_id": accountID},
		}).
		OrderBy("created_at DESC").
		Offset(uint64(offset))
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []*model.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

func (s *Store) FindAPIKeyByHash(ctx context.Context, keyHash string) (*model.APIKey, error) {
	var k model.APIKey
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, key_hash, account_id, is_active, created_at, last_used_at
		FROM api_keys
		WHERE key_hash = $1
	`, keyHash).Scan(&k.ID, &k.Name, &k.KeyHash, &k.AccountID, &k.IsActive, &k.CreatedAt, &k.LastUsedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	return &k, nil
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]*model.APIKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, key_hash, account_id, is_active, created_at, last_used_at
		FROM api_keys
		ORDER BY created_at
	`)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []*model.APIKey
	for rows.Next() {
		var k model.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.AccountID, &k.IsActive, &k.CreatedAt, &k.LastUsedAt); err != nil {
			return nil, err
		}
		out = append(out, &k)
	}
	return out, rows.Err()
}

func (s *Store) TouchAPIKeyLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE api_keys SET last_used_at = $2 WHERE id = $1
	`, id, at)
	return translateErr(err)
}

func (s *Store) InsertEndpoint(ctx context.Context, ep *model.WebhookEndpoint) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_endpoints (id, url, secret, events, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ep.ID, ep.URL, ep.Secret, ep.Events, ep.IsActive, ep.CreatedAt)
	return translateErr(err)
}

func (s *Store) GetEndpoint(ctx context.Context, id uuid.UUID) (*model.WebhookEndpoint, error) {
	var ep model.WebhookEndpoint
	err := s.pool.QueryRow(ctx, `
		SELECT id, url, secret, events, is_active, created_at
		FROM webhook_endpoints
		WHERE id = $1
	`, id).Scan(&ep.ID, &ep.URL, &ep.Secret, &ep.Events, &ep.IsActive, &ep.CreatedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	return &ep, nil
}

func (s *Store) ListEndpoints(ctx context.Context) ([]*model.WebhookEndpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, url, secret, events, is_active, created_at
		FROM webhook_endpoints
		ORDER BY created_at
	`)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	return collectEndpoints(rows)
}

func (s *Store) DeactivateEndpoint(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_endpoints SET is_active = false WHERE id = $1
	`, id)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) ClaimWebhookBatch(ctx context.Context, limit int, now time.Time) ([]*repository.ClaimedEvent, error) {
	rows, err := s.pool.Query(ctx, `
		WITH due AS (
			SELECT id
			FROM webhook_events
			WHERE status = 'PENDING'
			  AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE webhook_events e
		SET status = 'PROCESSING', claimed_at = $2
		FROM due
		WHERE e.id = due.id
		RETURNING e.id, e.event_type, e.payload, e.endpoint_id, e.status,
		          e.attempts, e.last_error, e.next_attempt_at, e.created_at, e.processed_at
	`, limit, now)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var events []*model.WebhookEvent
	endpointIDs := map[uuid.UUID]struct{}{}
	for rows.Next() {
		var ev model.WebhookEvent
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.Payload, &ev.EndpointID, &ev.Status,
			&ev.Attempts, &ev.LastError, &ev.NextAttemptAt, &ev.CreatedAt, &ev.ProcessedAt); err != nil {
			return nil, err
		}
		events = append(events, &ev)
		endpointIDs[ev.EndpointID] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, 0, len(endpointIDs))
	for id := range endpointIDs {
		ids = append(ids, id)
	}
	epRows, err := s.pool.Query(ctx, `
		SELECT id, url, secret, events, is_active, created_at
		FROM webhook_endpoints
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, translateErr(err)
	}
	defer epRows.Close()
	endpoints, err := collectEndpoints(epRows)
	if err != nil {
		return nil, err
	}
	byID := map[uuid.UUID]*model.WebhookEndpoint{}
	for _, ep := range endpoints {
		byID[ep.ID] = ep
	}

	claimed := make([]*repository.ClaimedEvent, 0, len(events))
	for _, ev := range events {
		ep, ok := byID[ev.EndpointID]
		if !ok {
			continue
		}
		claimed = append(claimed, &repository.ClaimedEvent{Event: ev, Endpoint: ep})
	}
	return claimed, nil
}

func (s *Store) MarkWebhookDelivered(ctx context.Context, id uuid.UUID, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET status = 'DELIVERED', attempts = attempts + 1, processed_at = $2, last_error = NULL, next_attempt_at = NULL
		WHERE id = $1
	`, id, now)
	return translateErr(err)
}

func (s *Store) MarkWebhookFailed(ctx context.Context, id uuid.UUID, lastError string, attempts int, nextAttemptAt *time.Time) error {
	if nextAttemptAt != nil {
		_, err := s.pool.Exec(ctx, `
			UPDATE webhook_events
			SET status = 'PENDING', attempts = $2, last_error = $3, next_attempt_at = $4
			WHERE id = $1
		`, id, attempts, lastError, *nextAttemptAt)
		return translateErr(err)
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET status = 'FAILED', attempts = $2, last_error = $3, next_attempt_at = NULL, processed_at = NOW()
		WHERE id = $1
	`, id, attempts, lastError)
	return translateErr(err)
}

func (s *Store) RecoverStuckWebhooks(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET status = 'PENDING', claimed_at = NULL
		WHERE status = 'PROCESSING' AND claimed_at <= $1
	`, olderThan)
	if err != nil {
		return 0, translateErr(err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) CountWebhookEventsByStatus(ctx context.Context, status model.WebhookStatus) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM webhook_events WHERE status = $1
	`, status).Scan(&n)
	return n, translateErr(err)
}

func (s *Store) GetWebhookEvent(ctx context.Context, id uuid.UUID) (*model.WebhookEvent, error) {
	var ev model.WebhookEvent
	err := s.pool.QueryRow(ctx, `
		SELECT id, event_type, payload, endpoint_id, status,
		       attempts, last_error, next_attempt_at, created_at, processed_at
		FROM webhook_events
		WHERE id = $1
	`, id).Scan(&ev.ID, &ev.EventType, &ev.Payload, &ev.EndpointID, &ev.Status,
		&ev.Attempts, &ev.LastError, &ev.NextAttemptAt, &ev.CreatedAt, &ev.ProcessedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	return &ev, nil
}

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var txn model.Transaction
	err := row.Scan(&txn.ID, &txn.Direction, &txn.Amount, &txn.Currency,
		&txn.SourceAccountID, &txn.DestinationAccountID,
		&txn.IdempotencyKey, &txn.Reference, &txn.CreatedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	return &txn, nil
}

func collectEndpoints(rows pgx.Rows) ([]*model.WebhookEndpoint, error) {
	var out []*model.WebhookEndpoint
	for rows.Next() {
		var ep model.WebhookEndpoint
		if err := rows.Scan(&ep.ID, &ep.URL, &ep.Secret, &ep.Events, &ep.IsActive, &ep.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &ep)
	}
	return out, rows.Err()
}
