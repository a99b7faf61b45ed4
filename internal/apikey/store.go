package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prk-Jr/transaction-service/internal/apperr"
	"github.com/prk-Jr/transaction-service/internal/model"
	"github.com/prk-Jr/transaction-service/internal/repository"
)

const keyPrefix = "sk_"

// Store issues and verifies bearer credentials. Raw keys are shown exactly
// once at issue time; only the SHA-256 hex digest is persisted.
type Store struct {
	repo repository.Repository
	log  *zap.Logger
	now  func() time.Time
}

func NewStore(repo repository.Repository, log *zap.Logger) *Store {
	return &Store{
		repo: repo,
		log:  log,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// HashKey returns the stored form of a raw key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Issue creates a key scoped to accountID when given, returning the record
// and the raw key string.
func (s *Store) Issue(ctx context.Context, name string, accountID *uuid.UUID) (*model.APIKey, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", apperr.New(apperr.KindValidation, "key name must not be empty")
	}

	key, raw, err := s.generate(name, accountID)
	if err != nil {
		return nil, "", err
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.KindInternal, err, "begin transaction")
	}
	defer tx.Rollback(ctx)

	if err := tx.InsertAPIKey(ctx, key); err != nil {
		return nil, "", apperr.Wrap(apperr.KindInternal, err, "insert api key")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, "", apperr.Wrap(apperr.KindInternal, err, "commit")
	}

	s.log.Info("api key issued", zap.String("key_id", key.ID.String()), zap.String("name", key.Name))
	return key, raw, nil
}

// Bootstrap issues the first key. It is forbidden once any active key
// exists; the count check and the insert share one transaction so two racing
// bootstrap calls cannot both succeed.
func (s *Store) Bootstrap(ctx context.Context, name string) (*model.APIKey, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "bootstrap"
	}

	key, raw, err := s.generate(name, nil)
	if err != nil {
		return nil, "", err
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.KindInternal, err, "begin transaction")
	}
	defer tx.Rollback(ctx)

	active, err := tx.CountActiveAPIKeys(ctx)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.KindInternal, err, "count active keys")
	}
	if active > 0 {
		return nil, "", apperr.New(apperr.KindForbidden, "bootstrap is only allowed when no active keys exist")
	}
	if err := tx.InsertAPIKey(ctx, key); err != nil {
		return nil, "", apperr.Wrap(apperr.KindInternal, err, "insert api key")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, "", apperr.Wrap(apperr.KindInternal, err, "commit")
	}

	s.log.Info("bootstrap key issued", zap.String("key_id", key.ID.String()))
	return key, raw, nil
}

// List returns key metadata. Hashes stay out of the JSON shape and raw keys
// are never recoverable.
func (s *Store) List(ctx context.Context) ([]*model.APIKey, error) {
	keys, err := s.repo.ListAPIKeys(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "list api keys")
	}
	return keys, nil
}

// Verify resolves a raw bearer key to its record. The digest comparison is
// constant-time even though the lookup is keyed by the digest, so a miss and
// a near-miss are indistinguishable on the decision path. A successful
// verify updates last_used_at best-effort off the request path.
func (s *Store) Verify(ctx context.Context, raw string) (*model.APIKey, error) {
	computed := HashKey(raw)

	key, err := s.repo.FindAPIKeyByHash(ctx, computed)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Equalize timing with the found path.
			subtle.ConstantTimeCompare([]byte(computed), []byte(computed))
			return nil, apperr.New(apperr.KindUnauthenticated, "invalid api key")
		}
		return nil, apperr.Wrap(apperr.KindInternal, err, "look up api key")
	}

	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(computed)) != 1 {
		return nil, apperr.New(apperr.KindUnauthenticated, "invalid api key")
	}
	if !key.IsActive {
		return nil, apperr.New(apperr.KindUnauthenticated, "api key is inactive")
	}

	go s.touchLastUsed(key.ID)
	return key, nil
}

func (s *Store) touchLastUsed(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.repo.TouchAPIKeyLastUsed(ctx, id, s.now()); err != nil {
		s.log.Debug("touch last_used_at failed", zap.String("key_id", id.String()), zap.Error(err))
	}
}

func (s *Store) generate(name string, accountID *uuid.UUID) (*model.APIKey, string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", apperr.Wrap(apperr.KindInternal, err, "generate key material")
	}
	raw := keyPrefix + base64.RawURLEncoding.EncodeToString(buf)

	return &model.APIKey{
		ID:        uuid.New(),
		Name:      name,
		KeyHash:   HashKey(raw),
		AccountID: accountID,
		IsActive:  true,
		CreatedAt: s.now(),
	}, raw, nil
}
