package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prk-Jr/transaction-service/internal/apperr"
	"github.com/prk-Jr/transaction-service/internal/model"
	"github.com/prk-Jr/transaction-service/internal/repository"
)

// maxDeadlockRetries bounds how often a write is retried when the engine
// reports a deadlock before the error surfaces to the caller.
const maxDeadlockRetries = 3

const defaultTxnPageSize = 50

// Service owns all balance mutations. Every write runs in a single
// repository transaction: idempotency lookup, row locks, validation, the
// transaction insert, balance updates and webhook fanout either all commit
// or none do.
//
// Idempotency is replay-wins: when a request carries a key that was already
// used, the stored transaction is returned unchanged even if the retried
// request body differs.
type Service struct {
	repo repository.Repository
	log  *zap.Logger
	now  func() time.Time
}

func NewService(repo repository.Repository, log *zap.Logger) *Service {
	return &Service{
		repo: repo,
		log:  log,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

type DepositCommand struct {
	AccountID      uuid.UUID
	Amount         int64
	Currency       string
	IdempotencyKey string
	Reference      string
}

type WithdrawCommand struct {
	AccountID      uuid.UUID
	Amount         int64
	Currency       string
	IdempotencyKey string
	Reference      string
}

type TransferCommand struct {
	FromAccountID  uuid.UUID
	ToAccountID    uuid.UUID
	Amount         int64
	Currency       string
	IdempotencyKey string
	Reference      string
}

func (s *Service) CreateAccount(ctx context.Context, name, currency string) (*model.Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.New(apperr.KindValidation, "account name must not be empty")
	}
	if !model.ValidCurrency(currency) {
		return nil, apperr.New(apperr.KindValidation, "currency must be a three-letter uppercase code")
	}

	account := &model.Account{
		ID:        uuid.New(),
		Name:      name,
		Balance:   0,
		Currency:  currency,
		CreatedAt: s.now(),
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "begin transaction")
	}
	defer tx.Rollback(ctx)

	if err := tx.InsertAccount(ctx, account); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "insert account")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "commit")
	}

	s.log.Info("account created",
		zap.String("account_id", account.ID.String()),
		zap.String("currency", account.Currency))
	return account, nil
}

func (s *Service) Deposit(ctx context.Context, cmd DepositCommand) (*model.Transaction, error) {
	if err := validateAmount(cmd.Amount, cmd.Currency); err != nil {
		return nil, err
	}
	return s.withDeadlockRetry(ctx, func() (*model.Transaction, error) {
		return s.deposit(ctx, cmd)
	})
}

func (s *Service) deposit(ctx context.Context, cmd DepositCommand) (*model.Transaction, error) {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "begin transaction")
	}
	defer tx.Rollback(ctx)

	if prior, ok, err := s.replay(ctx, tx, cmd.IdempotencyKey); err != nil {
		return nil, err
	} else if ok {
		return prior, nil
	}

	account, err := tx.SelectAccountForUpdate(ctx, cmd.AccountID)
	if err != nil {
		return nil, accountErr(err)
	}
	if account.Currency != cmd.Currency {
		return nil, apperr.New(apperr.KindValidation,
			"currency mismatch: account holds %s", account.Currency)
	}
	if account.Balance > math.MaxInt64-cmd.Amount {
		return nil, apperr.New(apperr.KindValidation, "deposit would overflow account balance")
	}

	txn := s.newTransaction(model.DirectionDeposit, cmd.Amount, cmd.Currency, nil, &cmd.AccountID, cmd.IdempotencyKey, cmd.Reference)
	if prior, err := s.insertOrReplay(ctx, tx, txn); err != nil {
		return nil, err
	} else if prior != nil {
		return prior, nil
	}

	if err := tx.UpdateBalance(ctx, cmd.AccountID, account.Balance+cmd.Amount); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "update balance")
	}
	if err := s.fanout(ctx, tx, model.EventDepositSucceeded, txn, cmd.AccountID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, commitErr(err)
	}

	s.log.Info("deposit committed",
		zap.String("transaction_id", txn.ID.String()),
		zap.String("account_id", cmd.AccountID.String()),
		zap.Int64("amount", cmd.Amount))
	return txn, nil
}

func (s *Service) Withdraw(ctx context.Context, cmd WithdrawCommand) (*model.Transaction, error) {
	if err := validateAmount(cmd.Amount, cmd.Currency); err != nil {
		return nil, err
	}
	return s.withDeadlockRetry(ctx, func() (*model.Transaction, error) {
		return s.withdraw(ctx, cmd)
	})
}

func (s *Service) withdraw(ctx context.Context, cmd WithdrawCommand) (*model.Transaction, error) {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "begin transaction")
	}
	defer tx.Rollback(ctx)

	if prior, ok, err := s.replay(ctx, tx, cmd.IdempotencyKey); err != nil {
		return nil, err
	} else if ok {
		return prior, nil
	}

	account, err := tx.SelectAccountForUpdate(ctx, cmd.AccountID)
	if err != nil {
		return nil, accountErr(err)
	}
	if account.Currency != cmd.Currency {
		return nil, apperr.New(apperr.KindValidation,
			"currency mismatch: account holds %s", account.Currency)
	}
	if account.Balance < cmd.Amount {
		return nil, apperr.New(apperr.KindInsufficientFunds,
			"insufficient funds: balance %d, requested %d", account.Balance, cmd.Amount)
	}

	txn := s.newTransaction(model.DirectionWithdrawal, cmd.Amount, cmd.Currency, &cmd.AccountID, nil, cmd.IdempotencyKey, cmd.Reference)
	if prior, err := s.insertOrReplay(ctx, tx, txn); err != nil {
		return nil, err
	} else if prior != nil {
		return prior, nil
	}

	if err := tx.UpdateBalance(ctx, cmd.AccountID, account.Balance-cmd.Amount); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "update balance")
	}
	if err := s.fanout(ctx, tx, model.EventWithdrawSucceeded, txn, cmd.AccountID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, commitErr(err)
	}

	s.log.Info("withdrawal committed",
		zap.String("transaction_id", txn.ID.String()),
		zap.String("account_id", cmd.AccountID.String()),
		zap.Int64("amount", cmd.Amount))
	return txn, nil
}

func (s *Service) Transfer(ctx context.Context, cmd TransferCommand) (*model.Transaction, error) {
	if err := validateAmount(cmd.Amount, cmd.Currency); err != nil {
		return nil, err
	}
	if cmd.FromAccountID == cmd.ToAccountID {
		return nil, apperr.New(apperr.KindValidation, "source and destination accounts must differ")
	}
	return s.withDeadlockRetry(ctx, func() (*model.Transaction, error) {
		return s.transfer(ctx, cmd)
	})
}

func (s *Service) transfer(ctx context.Context, cmd TransferCommand) (*model.Transaction, error) {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "begin transaction")
	}
	defer tx.Rollback(ctx)

	if prior, ok, err := s.replay(ctx, tx, cmd.IdempotencyKey); err != nil {
		return nil, err
	} else if ok {
		return prior, nil
	}

	// Lock in id order regardless of direction so concurrent A->B and B->A
	// transfers never deadlock.
	first, second := cmd.FromAccountID, cmd.ToAccountID
	if second.String() < first.String() {
		first, second = second, first
	}
	locked := map[uuid.UUID]*model.Account{}
	for _, id := range []uuid.UUID{first, second} {
		account, err := tx.SelectAccountForUpdate(ctx, id)
		if err != nil {
			return nil, accountErr(err)
		}
		locked[id] = account
	}
	from, to := locked[cmd.FromAccountID], locked[cmd.ToAccountID]

	if from.Currency != cmd.Currency || to.Currency != cmd.Currency {
		return nil, apperr.New(apperr.KindValidation,
			"currency mismatch: accounts hold %s and %s", from.Currency, to.Currency)
	}
	if from.Balance < cmd.Amount {
		return nil, apperr.New(apperr.KindInsufficientFunds,
			"insufficient funds: balance %d, requested %d", from.Balance, cmd.Amount)
	}
	if to.Balance > math.MaxInt64-cmd.Amount {
		return nil, apperr.New(apperr.KindValidation, "transfer would overflow destination balance")
	}

	txn := s.newTransaction(model.DirectionTransfer, cmd.Amount, cmd.Currency, &cmd.FromAccountID, &cmd.ToAccountID, cmd.IdempotencyKey, cmd.Reference)
	if prior, err := s.insertOrReplay(ctx, tx, txn); err != nil {
		return nil, err
	} else if prior != nil {
		return prior, nil
	}

	if err := tx.UpdateBalance(ctx, cmd.FromAccountID, from.Balance-cmd.Amount); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "update source balance")
	}
	if err := tx.UpdateBalance(ctx, cmd.ToAccountID, to.Balance+cmd.Amount); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "update destination balance")
	}
	if err := s.fanout(ctx, tx, model.EventTransferSucceeded, txn, cmd.FromAccountID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, commitErr(err)
	}

	s.log.Info("transfer committed",
		zap.String("transaction_id", txn.ID.String()),
		zap.String("from_account_id", cmd.FromAccountID.String()),
		zap.String("to_account_id", cmd.ToAccountID.String()),
		zap.Int64("amount", cmd.Amount))
	return txn, nil
}

func (s *Service) GetAccount(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	account, err := s.repo.GetAccount(ctx, id)
	if err != nil {
		return nil, accountErr(err)
	}
	return account, nil
}

func (s *Service) ListAccounts(ctx context.Context) ([]*model.Account, error) {
	accounts, err := s.repo.ListAccounts(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "list accounts")
	}
	return accounts, nil
}

// ListTransactions returns transactions touching the account as source or
// destination, newest first.
func (s *Service) ListTransactions(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*model.Transaction, error) {
	if _, err := s.repo.GetAccount(ctx, accountID); err != nil {
		return nil, accountErr(err)
	}
	if limit <= 0 {
		limit = defaultTxnPageSize
	}
	if offset < 0 {
		offset = 0
	}
	txns, err := s.repo.ListTransactionsForAccount(ctx, accountID, limit, offset)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "list transactions")
	}
	return txns, nil
}

// replay returns the stored transaction for key, if any.
func (s *Service) replay(ctx context.Context, tx repository.Tx, key string) (*model.Transaction, bool, error) {
	if key == "" {
		return nil, false, nil
	}
	prior, err := tx.FindTransactionByIdempotencyKey(ctx, key)
	if err == nil {
		return prior, true, nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return nil, false, nil
	}
	return nil, false, apperr.Wrap(apperr.KindInternal, err, "idempotency lookup")
}

// insertOrReplay inserts txn; when a concurrent request with the same
// idempotency key won the race it re-reads and returns that row instead.
func (s *Service) insertOrReplay(ctx context.Context, tx repository.Tx, txn *model.Transaction) (*model.Transaction, error) {
	err := tx.InsertTransaction(ctx, txn)
	if err == nil {
		return nil, nil
	}
	if errors.Is(err, repository.ErrDuplicateIdempotencyKey) && txn.IdempotencyKey != nil {
		prior, ferr := tx.FindTransactionByIdempotencyKey(ctx, *txn.IdempotencyKey)
		if ferr != nil {
			return nil, apperr.Wrap(apperr.KindInternal, ferr, "re-read after duplicate key")
		}
		return prior, nil
	}
	if errors.Is(err, repository.ErrDeadlock) {
		return nil, err
	}
	return nil, apperr.Wrap(apperr.KindInternal, err, "insert transaction")
}

// fanout enqueues one PENDING webhook event per active endpoint subscribed
// to eventType, inside the same transaction as the balance mutation.
func (s *Service) fanout(ctx context.Context, tx repository.Tx, eventType string, txn *model.Transaction, accountID uuid.UUID) error {
	endpoints, err := tx.ListActiveEndpointsForEvent(ctx, eventType)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "list endpoints")
	}
	if len(endpoints) == 0 {
		return nil
	}

	payload, err := json.Marshal(struct {
		Event       string             `json:"event"`
		Transaction *model.Transaction `json:"transaction"`
		AccountID   uuid.UUID          `json:"account_id"`
		OccurredAt  string             `json:"occurred_at"`
	}{
		Event:       eventType,
		Transaction: txn,
		AccountID:   accountID,
		OccurredAt:  txn.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "marshal event payload")
	}

	for _, ep := range endpoints {
		ev := &model.WebhookEvent{
			ID:         uuid.New(),
			EventType:  eventType,
			Payload:    payload,
			EndpointID: ep.ID,
			Status:     model.WebhookPending,
			CreatedAt:  s.now(),
		}
		if err := tx.EnqueueWebhookEvent(ctx, ev); err != nil {
			return apperr.Wrap(apperr.KindInternal, err, "enqueue webhook event")
		}
	}
	return nil
}

func (s *Service) newTransaction(direction model.Direction, amount int64, currency string, source, destination *uuid.UUID, idemKey, reference string) *model.Transaction {
	txn := &model.Transaction{
		ID:                   uuid.New(),
		Direction:            direction,
		Amount:               amount,
		Currency:             currency,
		SourceAccountID:      source,
		DestinationAccountID: destination,
		CreatedAt:            s.now(),
	}
	if idemKey != "" {
		k := idemKey
		txn.IdempotencyKey = &k
	}
	if reference != "" {
		r := reference
		txn.Reference = &r
	}
	return txn
}

func (s *Service) withDeadlockRetry(ctx context.Context, fn func() (*model.Transaction, error)) (*model.Transaction, error) {
	var lastErr error
	for attempt := 0; attempt <= maxDeadlockRetries; attempt++ {
		txn, err := fn()
		if err == nil || !errors.Is(err, repository.ErrDeadlock) {
			return txn, err
		}
		lastErr = err
		if attempt < maxDeadlockRetries {
			s.log.Warn("deadlock detected, retrying", zap.Int("attempt", attempt+1))
		}
	}
	return nil, apperr.Wrap(apperr.KindInternal, lastErr, "deadlock retries exhausted")
}

func validateAmount(amount int64, currency string) error {
	if amount <= 0 {
		return apperr.New(apperr.KindValidation, "amount must be positive")
	}
	if !model.ValidCurrency(currency) {
		return apperr.New(apperr.KindValidation, "currency must be a three-letter uppercase code")
	}
	return nil
}

func accountErr(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.New(apperr.KindNotFound, "account not found")
	}
	if errors.Is(err, repository.ErrDeadlock) {
		return err
	}
	return apperr.Wrap(apperr.KindInternal, err, "load account")
}

func commitErr(err error) error {
	if errors.Is(err, repository.ErrDeadlock) {
		return err
	}
	return apperr.Wrap(apperr.KindInternal, err, "commit")
}
