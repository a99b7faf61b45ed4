package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Direction classifies a ledger transaction.
type Direction string

const (
	DirectionDeposit    Direction = "DEPOSIT"
	DirectionWithdrawal Direction = "WITHDRAWAL"
	DirectionTransfer   Direction = "TRANSFER"
)

// Webhook event types emitted by the ledger.
const (
	EventDepositSucceeded  = "deposit.success"
	EventWithdrawSucceeded = "withdraw.success"
	EventTransferSucceeded = "transfer.success"
)

// KnownEventType reports whether t is an event type this service emits.
func KnownEventType(t string) bool {
	switch t {
	case EventDepositSucceeded, EventWithdrawSucceeded, EventTransferSucceeded:
		return true
	}
	return false
}

// ValidCurrency reports whether code is a three-letter uppercase ISO-4217 code.
func ValidCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if code[i] < 'A' || code[i] > 'Z' {
			return false
		}
	}
	return true
}

// Account holds a balance in minor units of a single currency.
// Balances are mutated only by ledger transactions and never go negative.
type Account struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Balance   int64     `json:"balance"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"created_at"`
}

// Transaction is immutable once written.
type Transaction struct {
	ID                   uuid.UUID  `json:"id"`
	Direction            Direction  `json:"direction"`
	Amount               int64      `json:"amount"`
	Currency             string     `json:"currency"`
	SourceAccountID      *uuid.UUID `json:"source_account_id,omitempty"`
	DestinationAccountID *uuid.UUID `json:"destination_account_id,omitempty"`
	IdempotencyKey       *string    `json:"idempotency_key,omitempty"`
	Reference            *string    `json:"reference,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

// APIKey is a bearer credential. The raw key is shown once at creation and
// only its SHA-256 hex digest is stored.
type APIKey struct {
	ID         uuid.UUID  `json:"id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	AccountID  *uuid.UUID `json:"account_id,omitempty"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// WebhookEndpoint is a registered receiver. Secret is write-once: it is
// returned at registration and never listed afterwards.
type WebhookEndpoint struct {
	ID        uuid.UUID `json:"id"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Events    []string  `json:"events"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// SubscribedTo reports whether the endpoint wants events of type t.
func (e *WebhookEndpoint) SubscribedTo(t string) bool {
	for _, s := range e.Events {
		if s == t {
			return true
		}
	}
	return false
}

// WebhookStatus is the delivery state of a queued event copy.
type WebhookStatus string

const (
	WebhookPending    WebhookStatus = "PENDING"
	WebhookProcessing WebhookStatus = "PROCESSING"
	WebhookDelivered  WebhookStatus = "DELIVERED"
	WebhookFailed     WebhookStatus = "FAILED"
)

// WebhookEvent is one queued delivery: one row per (transaction event,
// subscribed endpoint). Payload holds the exact JSON bytes that will be
// signed and POSTed.
type WebhookEvent struct {
	ID            uuid.UUID       `json:"id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	EndpointID    uuid.UUID       `json:"endpoint_id"`
	Status        WebhookStatus   `json:"status"`
	Attempts      int             `json:"attempts"`
	LastError     *string         `json:"last_error,omitempty"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
}
