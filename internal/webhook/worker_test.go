package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/prk-Jr/transaction-service/internal/model"
	"github.com/prk-Jr/transaction-service/internal/repository/memory"
)

var testWorkerConfig = Config{
	PoolSize:       1,
	BatchSize:      10,
	MaxAttempts:    5,
	RetryBase:      10 * time.Millisecond,
	RetryCap:       200 * time.Millisecond,
	RequestTimeout: 2 * time.Second,
	PollInterval:   5 * time.Millisecond,
}

func seedEndpoint(t *testing.T, repo *memory.Store, url string) *model.WebhookEndpoint {
	t.Helper()
	ep := &model.WebhookEndpoint{
		ID:        uuid.New(),
		URL:       url,
		Secret:    "fedcba9876543210fedcba9876543210fedcba9876543210fedcba9876543210",
		Events:    []string{model.EventDepositSucceeded},
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.InsertEndpoint(context.Background(), ep))
	return ep
}

func enqueueEvent(t *testing.T, repo *memory.Store, endpointID uuid.UUID, payload string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	ev := &model.WebhookEvent{
		ID:         uuid.New(),
		EventType:  model.EventDepositSucceeded,
		Payload:    []byte(payload),
		EndpointID: endpointID,
		Status:     model.WebhookPending,
		CreatedAt:  time.Now().UTC(),
	}
	tx, err := repo.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.EnqueueWebhookEvent(ctx, ev))
	require.NoError(t, tx.Commit(ctx))
	return ev.ID
}

// runWorker starts w and returns a stop function that blocks until the run
// loop has exited.
func runWorker(t *testing.T, w *Worker) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Run(ctx); err != nil {
			t.Errorf("worker exited with error: %v", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestWorkerDeliversAndSigns(t *testing.T) {
	repo := memory.New()

	type received struct {
		body      []byte
		signature string
		eventID   string
		eventType string
		ct        string
	}
	var mu sync.Mutex
	var got []received

	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, received{
			body:      body,
			signature: r.Header.Get("X-Webhook-Signature"),
			eventID:   r.Header.Get("X-Webhook-Event-Id"),
			eventType: r.Header.Get("X-Webhook-Event-Type"),
			ct:        r.Header.Get("Content-Type"),
		})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	ep := seedEndpoint(t, repo, receiver.URL)
	payload := `{"event":"deposit.success","transaction":{"amount":1000}}`
	evID := enqueueEvent(t, repo, ep.ID, payload)

	worker := NewWorker(repo, zap.NewNop(), testWorkerConfig)
	stop := runWorker(t, worker)
	defer stop()

	require.Eventually(t, func() bool {
		ev, err := repo.GetWebhookEvent(context.Background(), evID)
		return err == nil && ev.Status == model.WebhookDelivered
	}, 5*time.Second, 10*time.Millisecond)

	ev, err := repo.GetWebhookEvent(context.Background(), evID)
	require.NoError(t, err)
	assert.Equal(t, 1, ev.Attempts)
	assert.NotNil(t, ev.ProcessedAt)
	assert.Nil(t, ev.LastError)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "application/json", got[0].ct)
	assert.Equal(t, evID.String(), got[0].eventID)
	assert.Equal(t, model.EventDepositSucceeded, got[0].eventType)
	assert.True(t, VerifySignature(ep.Secret, got[0].body, got[0].signature))
	assert.Equal(t, int64(1000), gjson.GetBytes(got[0].body, "transaction.amount").Int())
}

func TestWorkerRetriesUntilReceiverRecovers(t *testing.T) {
	repo := memory.New()

	var mu sync.Mutex
	calls := 0
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n <= 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	ep := seedEndpoint(t, repo, receiver.URL)
	evID := enqueueEvent(t, repo, ep.ID, `{"event":"deposit.success"}`)

	worker := NewWorker(repo, zap.NewNop(), testWorkerConfig)
	stop := runWorker(t, worker)
	defer stop()

	require.Eventually(t, func() bool {
		ev, err := repo.GetWebhookEvent(context.Background(), evID)
		return err == nil && ev.Status == model.WebhookDelivered
	}, 10*time.Second, 10*time.Millisecond)

	ev, err := repo.GetWebhookEvent(context.Background(), evID)
	require.NoError(t, err)
	assert.Equal(t, 4, ev.Attempts)

	mu.Lock()
	assert.Equal(t, 4, calls)
	mu.Unlock()
}

func TestWorkerMarksTerminalFailure(t *testing.T) {
	repo := memory.New()

	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer receiver.Close()

	ep := seedEndpoint(t, repo, receiver.URL)
	evID := enqueueEvent(t, repo, ep.ID, `{"event":"deposit.success"}`)

	cfg := testWorkerConfig
	cfg.MaxAttempts = 2
	worker := NewWorker(repo, zap.NewNop(), cfg)
	stop := runWorker(t, worker)
	defer stop()

	require.Eventually(t, func() bool {
		ev, err := repo.GetWebhookEvent(context.Background(), evID)
		return err == nil && ev.Status == model.WebhookFailed
	}, 10*time.Second, 10*time.Millisecond)

	ev, err := repo.GetWebhookEvent(context.Background(), evID)
	require.NoError(t, err)
	assert.Equal(t, 2, ev.Attempts)
	require.NotNil(t, ev.LastError)
	assert.Contains(t, *ev.LastError, "500")
	assert.NotNil(t, ev.ProcessedAt)
}

func TestWorkerRespectsNextAttemptAt(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()

	ep := seedEndpoint(t, repo, "http://127.0.0.1:9/hook")
	evID := enqueueEvent(t, repo, ep.ID, `{"event":"deposit.success"}`)

	// Push the retry far into the future; the claim must skip it.
	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, repo.MarkWebhookFailed(ctx, evID, "receiver returned 500", 1, &future))

	claimed, err := repo.ClaimWebhookBatch(ctx, 10, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, claimed)

	claimed, err = repo.ClaimWebhookBatch(ctx, 10, future.Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestRecoveryResetsExpiredClaims(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()

	ep := seedEndpoint(t, repo, "http://127.0.0.1:9/hook")
	enqueueEvent(t, repo, ep.ID, `{"event":"deposit.success"}`)

	claimed, err := repo.ClaimWebhookBatch(ctx, 10, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	processing, err := repo.CountWebhookEventsByStatus(ctx, model.WebhookProcessing)
	require.NoError(t, err)
	assert.Equal(t, 1, processing)

	// A cutoff after the claim time treats the lease as expired.
	n, err := repo.RecoverStuckWebhooks(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := repo.CountWebhookEventsByStatus(ctx, model.WebhookPending)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := Config{
		RetryBase: 30 * time.Second,
		RetryCap:  time.Hour,
	}
	worker := NewWorker(memory.New(), zap.NewNop(), cfg)

	prev := time.Duration(0)
	for attempts := 1; attempts <= 6; attempts++ {
		d := worker.backoff(attempts)
		base := cfg.RetryBase << (attempts - 1)
		if base > cfg.RetryCap {
			base = cfg.RetryCap
		}
		assert.GreaterOrEqual(t, d, base, "attempt %d", attempts)
		assert.Less(t, d, time.Duration(float64(base)*1.2)+time.Nanosecond, "attempt %d", attempts)
		if attempts > 1 && base < cfg.RetryCap {
			assert.Greater(t, d, prev, "attempt %d should back off further", attempts)
		}
		prev = d
	}

	assert.LessOrEqual(t, worker.backoff(50), time.Duration(float64(cfg.RetryCap)*1.2))
}

func TestWorkerStopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t)

	repo := memory.New()
	cfg := testWorkerConfig
	cfg.PoolSize = 3
	worker := NewWorker(repo, zap.NewNop(), cfg)

	stop := runWorker(t, worker)
	time.Sleep(50 * time.Millisecond)
	stop()
}
