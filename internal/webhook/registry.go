package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prk-Jr/transaction-service/internal/apperr"
	"github.com/prk-Jr/transaction-service/internal/model"
	"github.com/prk-Jr/transaction-service/internal/repository"
)

// Registry manages webhook endpoints. The signing secret is generated at
// registration, returned to the caller once, and never listed afterwards.
type Registry struct {
	repo repository.Repository
	log  *zap.Logger
	now  func() time.Time
}

func NewRegistry(repo repository.Repository, log *zap.Logger) *Registry {
	return &Registry{
		repo: repo,
		log:  log,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Register creates an endpoint subscribed to the given event types and
// returns it together with its raw secret.
func (r *Registry) Register(ctx context.Context, rawURL string, events []string) (*model.WebhookEndpoint, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, apperr.New(apperr.KindValidation, "at least one event type is required")
	}
	for _, ev := range events {
		if !model.KnownEventType(ev) {
			return nil, apperr.New(apperr.KindValidation, "unknown event type: %s", ev)
		}
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "generate endpoint secret")
	}

	ep := &model.WebhookEndpoint{
		ID:        uuid.New(),
		URL:       rawURL,
		Secret:    hex.EncodeToString(buf),
		Events:    append([]string(nil), events...),
		IsActive:  true,
		CreatedAt: r.now(),
	}
	if err := r.repo.InsertEndpoint(ctx, ep); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "insert endpoint")
	}

	r.log.Info("webhook endpoint registered",
		zap.String("endpoint_id", ep.ID.String()),
		zap.String("url", ep.URL),
		zap.Strings("events", ep.Events))
	return ep, nil
}

// List returns all endpoints. Secrets are excluded from the JSON shape.
func (r *Registry) List(ctx context.Context) ([]*model.WebhookEndpoint, error) {
	endpoints, err := r.repo.ListEndpoints(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "list endpoints")
	}
	return endpoints, nil
}

// Deactivate soft-deletes an endpoint. Events already queued for it still
// deliver; new transactions no longer fan out to it.
func (r *Registry) Deactivate(ctx context.Context, id uuid.UUID) error {
	err := r.repo.DeactivateEndpoint(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.New(apperr.KindNotFound, "endpoint not found")
	}
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "deactivate endpoint")
	}
	r.log.Info("webhook endpoint deactivated", zap.String("endpoint_id", id.String()))
	return nil
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return apperr.New(apperr.KindValidation, "url must be absolute")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return apperr.New(apperr.KindValidation, "url scheme must be http or https")
	}
	return nil
}
