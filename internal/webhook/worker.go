package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/prk-Jr/transaction-service/internal/repository"
)

// Config tunes the delivery worker. Zero values take the defaults below.
type Config struct {
	PoolSize       int
	BatchSize      int
	MaxAttempts    int
	RetryBase      time.Duration
	RetryCap       time.Duration
	RequestTimeout time.Duration
	PollInterval   time.Duration
}

func (c *Config) applyDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = time.Hour
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}

// Worker drains the webhook_events queue: claim a batch, sign, POST, mark.
// Correctness does not depend on the pool size; any number of loops may poll
// the same queue because claiming is an atomic PENDING->PROCESSING step.
type Worker struct {
	repo   repository.Repository
	log    *zap.Logger
	client *http.Client
	cfg    Config
	now    func() time.Time
}

func NewWorker(repo repository.Repository, log *zap.Logger, cfg Config) *Worker {
	cfg.applyDefaults()
	return &Worker{
		repo:   repo,
		log:    log,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks until ctx is cancelled. It recovers rows a crashed worker left
// in PROCESSING, then runs the delivery pool plus a periodic recovery sweep.
func (w *Worker) Run(ctx context.Context) error {
	w.recover(ctx)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.PoolSize; i++ {
		g.Go(func() error { return w.loop(ctx) })
	}
	g.Go(func() error { return w.recoveryLoop(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := w.repo.ClaimWebhookBatch(ctx, w.cfg.BatchSize, w.now())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("claim batch failed", zap.Error(err))
			if err := sleep(ctx, w.pollDelay()); err != nil {
				return err
			}
			continue
		}

		if len(batch) == 0 {
			if err := sleep(ctx, w.pollDelay()); err != nil {
				return err
			}
			continue
		}

		for _, claimed := range batch {
			w.deliver(ctx, claimed)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

// recoveryLoop periodically resets rows whose PROCESSING lease expired, so a
// crashed peer's claims recover without a restart.
func (w *Worker) recoveryLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.recover(ctx)
		}
	}
}

func (w *Worker) recover(ctx context.Context) {
	lease := 2 * w.cfg.RequestTimeout
	n, err := w.repo.RecoverStuckWebhooks(ctx, w.now().Add(-lease))
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error("webhook recovery failed", zap.Error(err))
		}
		return
	}
	if n > 0 {
		w.log.Warn("recovered stuck webhook events", zap.Int("count", n))
	}
}

func (w *Worker) deliver(ctx context.Context, claimed *repository.ClaimedEvent) {
	ev, ep := claimed.Event, claimed.Endpoint

	attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	defer cancel()

	err := w.send(attemptCtx, ep.URL, ep.Secret, ev.ID.String(), ev.EventType, ev.Payload)

	// Marking must survive a shutdown that races a finished delivery, so it
	// runs on a detached context.
	markCtx, markCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer markCancel()

	if err == nil {
		if merr := w.repo.MarkWebhookDelivered(markCtx, ev.ID, w.now()); merr != nil {
			w.log.Error("mark delivered failed", zap.String("event_id", ev.ID.String()), zap.Error(merr))
		}
		w.log.Info("webhook delivered",
			zap.String("event_id", ev.ID.String()),
			zap.String("endpoint_id", ep.ID.String()),
			zap.Int("attempt", ev.Attempts+1))
		return
	}

	// Cancellation mid-flight leaves the row PROCESSING; lease recovery
	// returns it to PENDING without burning an attempt.
	if ctx.Err() != nil {
		return
	}

	attempts := ev.Attempts + 1
	if attempts < w.cfg.MaxAttempts {
		next := w.now().Add(w.backoff(attempts))
		if merr := w.repo.MarkWebhookFailed(markCtx, ev.ID, err.Error(), attempts, &next); merr != nil {
			w.log.Error("mark failed (retry) failed", zap.String("event_id", ev.ID.String()), zap.Error(merr))
		}
		w.log.Warn("webhook delivery failed, scheduled retry",
			zap.String("event_id", ev.ID.String()),
			zap.String("endpoint_id", ep.ID.String()),
			zap.Int("attempts", attempts),
			zap.Time("next_attempt_at", next),
			zap.Error(err))
		return
	}

	if merr := w.repo.MarkWebhookFailed(markCtx, ev.ID, err.Error(), attempts, nil); merr != nil {
		w.log.Error("mark failed (terminal) failed", zap.String("event_id", ev.ID.String()), zap.Error(merr))
	}
	w.log.Error("webhook delivery failed permanently",
		zap.String("event_id", ev.ID.String()),
		zap.String("endpoint_id", ep.ID.String()),
		zap.Int("attempts", attempts),
		zap.Error(err))
}

func (w *Worker) send(ctx context.Context, url, secret, eventID, eventType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", Sign(secret, body))
	req.Header.Set("X-Webhook-Event-Id", eventID)
	req.Header.Set("X-Webhook-Event-Type", eventType)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	// Drain and close so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("receiver returned %d", resp.StatusCode)
	}
	return nil
}

// backoff computes min(cap, base*2^(attempts-1)) scaled by a jitter factor
// in [1.0, 1.2).
func (w *Worker) backoff(attempts int) time.Duration {
	delay := w.cfg.RetryBase
	for i := 1; i < attempts && delay < w.cfg.RetryCap; i++ {
		delay *= 2
	}
	if delay > w.cfg.RetryCap {
		delay = w.cfg.RetryCap
	}
	return time.Duration(float64(delay) * (1 + rand.Float64()*0.2))
}

// pollDelay is the empty-queue sleep with modest jitter so idle workers do
// not poll in lockstep.
func (w *Worker) pollDelay() time.Duration {
	base := w.cfg.PollInterval
	return base + time.Duration(rand.Float64()*0.25*float64(base))
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
