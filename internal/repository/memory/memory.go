// Package memory is the embedded repository engine: all state lives in
// process and write transactions are fully serialized, which stands in for
// row locking. It backs local runs without a database and the test suite.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prk-Jr/transaction-service/internal/model"
	"github.com/prk-Jr/transaction-service/internal/repository"
)

type Store struct {
	// writeSem serializes write transactions; it is a channel so Begin can
	// honor caller cancellation while waiting.
	writeSem chan struct{}

	mu           sync.RWMutex
	accounts     map[uuid.UUID]*model.Account
	transactions map[uuid.UUID]*model.Transaction
	txnOrder     []uuid.UUID
	byIdemKey    map[string]uuid.UUID
	apiKeys      map[uuid.UUID]*model.APIKey
	byKeyHash    map[string]uuid.UUID
	endpoints    map[uuid.UUID]*model.WebhookEndpoint
	events       map[uuid.UUID]*model.WebhookEvent
	eventOrder   []uuid.UUID
	claimedAt    map[uuid.UUID]time.Time
}

var _ repository.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		writeSem:     make(chan struct{}, 1),
		accounts:     map[uuid.UUID]*model.Account{},
		transactions: map[uuid.UUID]*model.Transaction{},
		byIdemKey:    map[string]uuid.UUID{},
		apiKeys:      map[uuid.UUID]*model.APIKey{},
		byKeyHash:    map[string]uuid.UUID{},
		endpoints:    map[uuid.UUID]*model.WebhookEndpoint{},
		events:       map[uuid.UUID]*model.WebhookEvent{},
		claimedAt:    map[uuid.UUID]time.Time{},
	}
}

func (s *Store) Begin(ctx context.Context) (repository.Tx, error) {
	select {
	case s.writeSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &memTx{store: s, balances: map[uuid.UUID]int64{}}, nil
}

// memTx stages mutations and applies them on Commit while holding the store
// lock, so readers never observe a partial transaction.
type memTx struct {
	store *Store
	done  bool

	balances    map[uuid.UUID]int64
	newAccounts []*model.Account
	newTxns     []*model.Transaction
	newEvents   []*model.WebhookEvent
	newKeys     []*model.APIKey
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	s := t.store
	s.mu.Lock()
	for _, a := range t.newAccounts {
		s.accounts[a.ID] = cloneAccount(a)
	}
	for id, b := range t.balances {
		if a, ok := s.accounts[id]; ok {
			a.Balance = b
		}
	}
	for _, txn := range t.newTxns {
		c := cloneTransaction(txn)
		s.transactions[c.ID] = c
		s.txnOrder = append(s.txnOrder, c.ID)
		if c.IdempotencyKey != nil {
			s.byIdemKey[*c.IdempotencyKey] = c.ID
		}
	}
	for _, ev := range t.newEvents {
		c := cloneEvent(ev)
		s.events[c.ID] = c
		s.eventOrder = append(s.eventOrder, c.ID)
	}
	for _, k := range t.newKeys {
		c := cloneAPIKey(k)
		s.apiKeys[c.ID] = c
		s.byKeyHash[c.KeyHash] = c.ID
	}
	s.mu.Unlock()

	t.done = true
	<-s.writeSem
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	<-t.store.writeSem
	return nil
}

func (t *memTx) SelectAccountForUpdate(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	for _, a := range t.newAccounts {
		if a.ID == id {
			return cloneAccount(a), nil
		}
	}
	a, ok := t.store.accounts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := cloneAccount(a)
	if b, staged := t.balances[id]; staged {
		c.Balance = b
	}
	return c, nil
}

func (t *memTx) UpdateBalance(ctx context.Context, id uuid.UUID, newBalance int64) error {
	t.balances[id] = newBalance
	return nil
}

func (t *memTx) InsertAccount(ctx context.Context, account *model.Account) error {
	t.newAccounts = append(t.newAccounts, cloneAccount(account))
	return nil
}

func (t *memTx) InsertTransaction(ctx context.Context, txn *model.Transaction) error {
	if txn.IdempotencyKey != nil {
		key := *txn.IdempotencyKey
		t.store.mu.RLock()
		_, exists := t.store.byIdemKey[key]
		t.store.mu.RUnlock()
		if exists {
			return repository.ErrDuplicateIdempotencyKey
		}
		for _, staged := range t.newTxns {
			if staged.IdempotencyKey != nil && *staged.IdempotencyKey == key {
				return repository.ErrDuplicateIdempotencyKey
			}
		}
	}
	t.newTxns = append(t.newTxns, cloneTransaction(txn))
	return nil
}

func (t *memTx) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*model.Transaction, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	id, ok := t.store.byIdemKey[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneTransaction(t.store.transactions[id]), nil
}

func (t *memTx) EnqueueWebhookEvent(ctx context.Context, ev *model.WebhookEvent) error {
	t.newEvents = append(t.newEvents, cloneEvent(ev))
	return nil
}

func (t *memTx) ListActiveEndpointsForEvent(ctx context.Context, eventType string) ([]*model.WebhookEndpoint, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.activeEndpointsForEventLocked(eventType), nil
}

func (t *memTx) CountActiveAPIKeys(ctx context.Context) (int, error) {
	t.store.mu.RLock()
	n := 0
	for _, k := range t.store.apiKeys {
		if k.IsActive {
			n++
		}
	}
	t.store.mu.RUnlock()
	for _, k := range t.newKeys {
		if k.IsActive {
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertAPIKey(ctx context.Context, key *model.APIKey) error {
	t.store.mu.RLock()
	_, exists := t.store.byKeyHash[key.KeyHash]
	t.store.mu.RUnlock()
	if exists {
		return repository.ErrDuplicateKeyHash
	}
	t.newKeys = append(t.newKeys, cloneAPIKey(key))
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneAccount(a), nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, cloneAccount(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (*model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	txn, ok := s.transactions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneTransaction(txn), nil
}

func (s *Store) ListTransactionsForAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Transaction
	skipped := 0
	// txnOrder is append-only, so walking it backwards yields newest first.
	for i := len(s.txnOrder) - 1; i >= 0; i-- {
		txn := s.transactions[s.txnOrder[i]]
		if !touchesAccount(txn, accountID) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, cloneTransaction(txn))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func touchesAccount(txn *model.Transaction, id uuid.UUID) bool {
	if txn.SourceAccountID != nil && *txn.SourceAccountID == id {
		return true
	}
	if txn.DestinationAccountID != nil && *txn.DestinationAccountID == id {
		return true
	}
	return false
}

func (s *Store) FindAPIKeyByHash(ctx context.Context, keyHash string) (*model.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKeyHash[keyHash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneAPIKey(s.apiKeys[id]), nil
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]*model.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.APIKey, 0, len(s.apiKeys))
	for _, k := range s.apiKeys {
		out = append(out, cloneAPIKey(k))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) TouchAPIKeyLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok {
		return repository.ErrNotFound
	}
	t := at
	k.LastUsedAt = &t
	return nil
}

func (s *Store) InsertEndpoint(ctx context.Context, ep *model.WebhookEndpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[ep.ID] = cloneEndpoint(ep)
	return nil
}

func (s *Store) GetEndpoint(ctx context.Context, id uuid.UUID) (*model.WebhookEndpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneEndpoint(ep), nil
}

func (s *Store) ListEndpoints(ctx context.Context) ([]*model.WebhookEndpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.WebhookEndpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		out = append(out, cloneEndpoint(ep))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeactivateEndpoint(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return repository.ErrNotFound
	}
	ep.IsActive = false
	return nil
}

func (s *Store) activeEndpointsForEventLocked(eventType string) []*model.WebhookEndpoint {
	var out []*model.WebhookEndpoint
	for _, ep := range s.endpoints {
		if ep.IsActive && ep.SubscribedTo(eventType) {
			out = append(out, cloneEndpoint(ep))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) ClaimWebhookBatch(ctx context.Context, limit int, now time.Time) ([]*repository.ClaimedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []*repository.ClaimedEvent
	for _, id := range s.eventOrder {
		if len(claimed) >= limit {
			break
		}
		ev := s.events[id]
		if ev.Status != model.WebhookPending {
			continue
		}
		if ev.NextAttemptAt != nil && ev.NextAttemptAt.After(now) {
			continue
		}
		ep, ok := s.endpoints[ev.EndpointID]
		if !ok {
			continue
		}
		ev.Status = model.WebhookProcessing
		s.claimedAt[ev.ID] = now
		claimed = append(claimed, &repository.ClaimedEvent{
			Event:    cloneEvent(ev),
			Endpoint: cloneEndpoint(ep),
		})
	}
	return claimed, nil
}

func (s *Store) MarkWebhookDelivered(ctx context.Context, id uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return repository.ErrNotFound
	}
	t := now
	ev.Status = model.WebhookDelivered
	ev.Attempts++
	ev.ProcessedAt = &t
	ev.LastError = nil
	ev.NextAttemptAt = nil
	delete(s.claimedAt, id)
	return nil
}

func (s *Store) MarkWebhookFailed(ctx context.Context, id uuid.UUID, lastError string, attempts int, nextAttemptAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return repository.ErrNotFound
	}
	ev.Attempts = attempts
	msg := lastError
	ev.LastError = &msg
	if nextAttemptAt != nil {
		next := *nextAttemptAt
		ev.Status = model.WebhookPending
		ev.NextAttemptAt = &next
	} else {
		now := time.Now().UTC()
		ev.Status = model.WebhookFailed
		ev.NextAttemptAt = nil
		ev.ProcessedAt = &now
	}
	delete(s.claimedAt, id)
	return nil
}

func (s *Store) RecoverStuckWebhooks(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, ev := range s.events {
		if ev.Status != model.WebhookProcessing {
			continue
		}
		if at, ok := s.claimedAt[id]; ok && at.After(olderThan) {
			continue
		}
		ev.Status = model.WebhookPending
		delete(s.claimedAt, id)
		n++
	}
	return n, nil
}

func (s *Store) CountWebhookEventsByStatus(ctx context.Context, status model.WebhookStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, ev := range s.events {
		if ev.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *Store) GetWebhookEvent(ctx context.Context, id uuid.UUID) (*model.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneEvent(ev), nil
}

func cloneAccount(a *model.Account) *model.Account {
	c := *a
	return &c
}

func cloneTransaction(t *model.Transaction) *model.Transaction {
	c := *t
	if t.SourceAccountID != nil {
		v := *t.SourceAccountID
		c.SourceAccountID = &v
	}
	if t.DestinationAccountID != nil {
		v := *t.DestinationAccountID
		c.DestinationAccountID = &v
	}
	if t.IdempotencyKey != nil {
		v := *t.IdempotencyKey
		c.IdempotencyKey = &v
	}
	if t.Reference != nil {
		v := *t.Reference
		c.Reference = &v
	}
	return &c
}

func cloneAPIKey(k *model.APIKey) *model.APIKey {
	c := *k
	if k.AccountID != nil {
		v := *k.AccountID
		c.AccountID = &v
	}
	if k.LastUsedAt != nil {
		v := *k.LastUsedAt
		c.LastUsedAt = &v
	}
	return &c
}

func cloneEndpoint(ep *model.WebhookEndpoint) *model.WebhookEndpoint {
	c := *ep
	c.Events = append([]string(nil), ep.Events...)
	return &c
}

func cloneEvent(ev *model.WebhookEvent) *model.WebhookEvent {
	c := *ev
	c.Payload = append([]byte(nil), ev.Payload...)
	if ev.LastError != nil {
		v := *ev.LastError
		c.LastError = &v
	}
	if ev.NextAttemptAt != nil {
		v := *ev.NextAttemptAt
		c.NextAttemptAt = &v
	}
	if ev.ProcessedAt != nil {
		v := *ev.ProcessedAt
		c.ProcessedAt = &v
	}
	return &c
}
