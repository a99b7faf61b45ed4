package ledger

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/prk-Jr/transaction-service/internal/apperr"
	"github.com/prk-Jr/transaction-service/internal/model"
	"github.com/prk-Jr/transaction-service/internal/repository/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.New()
	return NewService(repo, zap.NewNop()), repo
}

func createAccount(t *testing.T, svc *Service, name, currency string) *model.Account {
	t.Helper()
	account, err := svc.CreateAccount(context.Background(), name, currency)
	require.NoError(t, err)
	return account
}

func TestCreateAccountValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateAccount(ctx, "   ", "USD")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = svc.CreateAccount(ctx, "ops", "usd")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = svc.CreateAccount(ctx, "ops", "DOLLARS")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestDepositIncreasesBalance(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	account := createAccount(t, svc, "treasury", "USD")

	txn, err := svc.Deposit(ctx, DepositCommand{
		AccountID: account.ID, Amount: 10000, Currency: "USD",
	})
	require.NoError(t, err)
	assert.Equal(t, model.DirectionDeposit, txn.Direction)
	assert.Nil(t, txn.SourceAccountID)
	require.NotNil(t, txn.DestinationAccountID)
	assert.Equal(t, account.ID, *txn.DestinationAccountID)

	got, err := svc.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), got.Balance)
}

func TestDepositRejectsNonPositiveAmount(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	account := createAccount(t, svc, "treasury", "USD")

	for _, amount := range []int64{0, -1, -10000} {
		_, err := svc.Deposit(ctx, DepositCommand{
			AccountID: account.ID, Amount: amount, Currency: "USD",
		})
		assert.True(t, apperr.IsKind(err, apperr.KindValidation), "amount %d", amount)
	}
}

func TestDepositCurrencyMismatch(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	account := createAccount(t, svc, "treasury", "EUR")

	_, err := svc.Deposit(ctx, DepositCommand{
		AccountID: account.ID, Amount: 100, Currency: "USD",
	})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	got, err := svc.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Balance)
}

func TestDepositOverflowRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	account := createAccount(t, svc, "treasury", "USD")

	_, err := svc.Deposit(ctx, DepositCommand{
		AccountID: account.ID, Amount: math.MaxInt64, Currency: "USD",
	})
	require.NoError(t, err)

	_, err = svc.Deposit(ctx, DepositCommand{
		AccountID: account.ID, Amount: 1, Currency: "USD",
	})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	got, err := svc.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), got.Balance)
}

func TestDepositUnknownAccount(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Deposit(context.Background(), DepositCommand{
		AccountID: uuid.New(), Amount: 100, Currency: "USD",
	})
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	account := createAccount(t, svc, "treasury", "USD")

	_, err := svc.Deposit(ctx, DepositCommand{AccountID: account.ID, Amount: 10000, Currency: "USD"})
	require.NoError(t, err)

	_, err = svc.Withdraw(ctx, WithdrawCommand{AccountID: account.ID, Amount: 99999, Currency: "USD"})
	assert.True(t, apperr.IsKind(err, apperr.KindInsufficientFunds))

	got, err := svc.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), got.Balance)
}

func TestWithdrawToZeroAllowed(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	account := createAccount(t, svc, "treasury", "USD")

	_, err := svc.Deposit(ctx, DepositCommand{AccountID: account.ID, Amount: 500, Currency: "USD"})
	require.NoError(t, err)
	_, err = svc.Withdraw(ctx, WithdrawCommand{AccountID: account.ID, Amount: 500, Currency: "USD"})
	require.NoError(t, err)

	got, err := svc.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Balance)
}

func TestTransferConservation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	a := createAccount(t, svc, "alice", "USD")
	b := createAccount(t, svc, "bob", "USD")

	_, err := svc.Deposit(ctx, DepositCommand{AccountID: a.ID, Amount: 10000, Currency: "USD"})
	require.NoError(t, err)

	txn, err := svc.Transfer(ctx, TransferCommand{
		FromAccountID: a.ID, ToAccountID: b.ID, Amount: 2000, Currency: "USD",
	})
	require.NoError(t, err)
	assert.Equal(t, model.DirectionTransfer, txn.Direction)

	gotA, err := svc.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	gotB, err := svc.GetAccount(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8000), gotA.Balance)
	assert.Equal(t, int64(2000), gotB.Balance)
}

func TestTransferToSelfRejected(t *testing.T) {
	svc, _ := newTestService(t)
	account := createAccount(t, svc, "alice", "USD")

	_, err := svc.Transfer(context.Background(), TransferCommand{
		FromAccountID: account.ID, ToAccountID: account.ID, Amount: 100, Currency: "USD",
	})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestTransferCurrencyMismatch(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	eur := createAccount(t, svc, "alice", "EUR")
	usd := createAccount(t, svc, "bob", "USD")

	_, err := svc.Deposit(ctx, DepositCommand{AccountID: eur.ID, Amount: 5000, Currency: "EUR"})
	require.NoError(t, err)

	_, err = svc.Transfer(ctx, TransferCommand{
		FromAccountID: eur.ID, ToAccountID: usd.ID, Amount: 1000, Currency: "EUR",
	})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	gotEUR, err := svc.GetAccount(ctx, eur.ID)
	require.NoError(t, err)
	gotUSD, err := svc.GetAccount(ctx, usd.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), gotEUR.Balance)
	assert.Equal(t, int64(0), gotUSD.Balance)
}

func TestIdempotentDepositReplay(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	account := createAccount(t, svc, "treasury", "USD")

	_, err := svc.Deposit(ctx, DepositCommand{AccountID: account.ID, Amount: 6500, Currency: "USD"})
	require.NoError(t, err)

	first, err := svc.Deposit(ctx, DepositCommand{
		AccountID: account.ID, Amount: 500, Currency: "USD", IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	second, err := svc.Deposit(ctx, DepositCommand{
		AccountID: account.ID, Amount: 500, Currency: "USD", IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	got, err := svc.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7000), got.Balance)
}

func TestIdempotencyReplayWinsOverDifferentBody(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	account := createAccount(t, svc, "treasury", "USD")

	first, err := svc.Deposit(ctx, DepositCommand{
		AccountID: account.ID, Amount: 100, Currency: "USD", IdempotencyKey: "k2",
	})
	require.NoError(t, err)

	// The stored transaction wins even though the retried amount differs.
	second, err := svc.Deposit(ctx, DepositCommand{
		AccountID: account.ID, Amount: 999, Currency: "USD", IdempotencyKey: "k2",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(100), second.Amount)

	got, err := svc.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Balance)
}

func TestIdempotencyKeySharedAcrossOperations(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	account := createAccount(t, svc, "treasury", "USD")

	dep, err := svc.Deposit(ctx, DepositCommand{
		AccountID: account.ID, Amount: 300, Currency: "USD", IdempotencyKey: "k3",
	})
	require.NoError(t, err)

	// A withdraw retried with the deposit's key replays the deposit.
	replayed, err := svc.Withdraw(ctx, WithdrawCommand{
		AccountID: account.ID, Amount: 300, Currency: "USD", IdempotencyKey: "k3",
	})
	require.NoError(t, err)
	assert.Equal(t, dep.ID, replayed.ID)

	got, err := svc.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), got.Balance)
}

func registerEndpoint(t *testing.T, repo *memory.Store, events ...string) *model.WebhookEndpoint {
	t.Helper()
	ep := &model.WebhookEndpoint{
		ID:        uuid.New(),
		URL:       "http://127.0.0.1:9/hook",
		Secret:    "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		Events:    events,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.InsertEndpoint(context.Background(), ep))
	return ep
}

func TestDepositFansOutToSubscribedEndpointsOnly(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	account := createAccount(t, svc, "treasury", "USD")

	subscribed := registerEndpoint(t, repo, model.EventDepositSucceeded, model.EventTransferSucceeded)
	registerEndpoint(t, repo, model.EventWithdrawSucceeded)

	txn, err := svc.Deposit(ctx, DepositCommand{AccountID: account.ID, Amount: 1000, Currency: "USD"})
	require.NoError(t, err)

	pending, err := repo.CountWebhookEventsByStatus(ctx, model.WebhookPending)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	claimed, err := repo.ClaimWebhookBatch(ctx, 10, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, subscribed.ID, claimed[0].Event.EndpointID)
	assert.Equal(t, model.EventDepositSucceeded, claimed[0].Event.EventType)

	payload := string(claimed[0].Event.Payload)
	assert.Equal(t, model.EventDepositSucceeded, gjson.Get(payload, "event").String())
	assert.Equal(t, txn.ID.String(), gjson.Get(payload, "transaction.id").String())
	assert.Equal(t, account.ID.String(), gjson.Get(payload, "account_id").String())
	assert.NotEmpty(t, gjson.Get(payload, "occurred_at").String())
}

func TestFailedWithdrawEnqueuesNothing(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	account := createAccount(t, svc, "treasury", "USD")
	registerEndpoint(t, repo, model.EventWithdrawSucceeded)

	_, err := svc.Withdraw(ctx, WithdrawCommand{AccountID: account.ID, Amount: 100, Currency: "USD"})
	assert.True(t, apperr.IsKind(err, apperr.KindInsufficientFunds))

	pending, err := repo.CountWebhookEventsByStatus(ctx, model.WebhookPending)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestInactiveEndpointExcludedFromFanout(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	account := createAccount(t, svc, "treasury", "USD")

	ep := registerEndpoint(t, repo, model.EventDepositSucceeded)
	require.NoError(t, repo.DeactivateEndpoint(ctx, ep.ID))

	_, err := svc.Deposit(ctx, DepositCommand{AccountID: account.ID, Amount: 1000, Currency: "USD"})
	require.NoError(t, err)

	pending, err := repo.CountWebhookEventsByStatus(ctx, model.WebhookPending)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestListTransactionsNewestFirst(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	a := createAccount(t, svc, "alice", "USD")
	b := createAccount(t, svc, "bob", "USD")

	_, err := svc.Deposit(ctx, DepositCommand{AccountID: a.ID, Amount: 1000, Currency: "USD"})
	require.NoError(t, err)
	_, err = svc.Withdraw(ctx, WithdrawCommand{AccountID: a.ID, Amount: 200, Currency: "USD"})
	require.NoError(t, err)
	last, err := svc.Transfer(ctx, TransferCommand{FromAccountID: a.ID, ToAccountID: b.ID, Amount: 300, Currency: "USD"})
	require.NoError(t, err)

	txns, err := svc.ListTransactions(ctx, a.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, txns, 3)
	assert.Equal(t, last.ID, txns[0].ID)
	assert.Equal(t, model.DirectionDeposit, txns[2].Direction)

	// The transfer shows up for the destination account too.
	bTxns, err := svc.ListTransactions(ctx, b.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, bTxns, 1)
	assert.Equal(t, last.ID, bTxns[0].ID)
}

func TestListTransactionsUnknownAccount(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.ListTransactions(context.Background(), uuid.New(), 0, 0)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestConcurrentOperationsConserveMoney(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	a := createAccount(t, svc, "alice", "USD")
	b := createAccount(t, svc, "bob", "USD")

	_, err := svc.Deposit(ctx, DepositCommand{AccountID: a.ID, Amount: 100000, Currency: "USD"})
	require.NoError(t, err)
	_, err = svc.Deposit(ctx, DepositCommand{AccountID: b.ID, Amount: 100000, Currency: "USD"})
	require.NoError(t, err)

	// Opposing transfer directions exercise the deterministic lock order.
	const workers = 8
	const perWorker = 25
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		from, to := a.ID, b.ID
		if i%2 == 1 {
			from, to = b.ID, a.ID
		}
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, err := svc.Transfer(ctx, TransferCommand{
					FromAccountID: from, ToAccountID: to, Amount: 7, Currency: "USD",
				})
				if err != nil && !apperr.IsKind(err, apperr.KindInsufficientFunds) {
					t.Errorf("unexpected transfer error: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	gotA, err := svc.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	gotB, err := svc.GetAccount(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200000), gotA.Balance+gotB.Balance)
	assert.GreaterOrEqual(t, gotA.Balance, int64(0))
	assert.GreaterOrEqual(t, gotB.Balance, int64(0))
}

func TestConcurrentIdempotentDepositsApplyOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	account := createAccount(t, svc, "treasury", "USD")

	const callers = 10
	ids := make([]uuid.UUID, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			txn, err := svc.Deposit(ctx, DepositCommand{
				AccountID: account.ID, Amount: 500, Currency: "USD", IdempotencyKey: "race-key",
			})
			if err != nil {
				t.Errorf("deposit %d: %v", i, err)
				return
			}
			ids[i] = txn.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		assert.Equal(t, ids[0], ids[i])
	}
	got, err := svc.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), got.Balance)
}
