// Package store defines the persistence interface for brushwork and provides
// SQLite and PostgreSQL implementations. The credit ledger lives here: every
// balance mutation goes through a single conditional UPDATE so the balance can
// never become negative, regardless of how many requests race for it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrInsufficientCredits is returned when a debit would take a balance below zero.
	ErrInsufficientCredits = errors.New("store: insufficient credits")
	// ErrAccountNotFound is returned by ledger operations on an unknown account.
	ErrAccountNotFound = errors.New("store: account not found")
	// ErrInvalidAmount is returned when a debit or credit amount is not positive.
	ErrInvalidAmount = errors.New("store: amount must be positive")
)

// Store is the persistence interface for brushwork.
type Store interface {
	// Accounts
	EnsureAccount(ctx context.Context, externalID string, defaultBalance int64) (*Account, bool, error)
	GetAccount(ctx context.Context, id string) (*Account, error)
	GetAccountByExternalID(ctx context.Context, externalID string) (*Account, error)

	// Ledger primitives. Callers outside this package use the composite
	// operations below; these are exposed for tooling and tests.
	Debit(ctx context.Context, accountID string, amount int64) (int64, error)
	Credit(ctx context.Context, accountID string, amount int64) (int64, error)

	// CommitGeneration debits cost and records gen in one transaction.
	// It returns the balance after the debit.
	CommitGeneration(ctx context.Context, gen *Generation, cost int64) (int64, error)
	GetGeneration(ctx context.Context, id string) (*Generation, error)
	ListGenerations(ctx context.Context, accountID string, limit, offset int) ([]Generation, error)

	// ApplyPayment records txn and credits its account in one transaction,
	// creating the account if needed. A repeated ProviderEventID is reported
	// as not applied and leaves the ledger untouched.
	ApplyPayment(ctx context.Context, txn *Transaction, externalID string, defaultBalance int64) (*PaymentResult, error)
	GetTransactionByEventID(ctx context.Context, eventID string) (*Transaction, error)
	ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]Transaction, error)

	// Local users (builtin auth)
	CreateLocalUser(ctx context.Context, user *LocalUser) error
	GetLocalUser(ctx context.Context, username string) (*LocalUser, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Account is a credit holder keyed by an external identity subject.
type Account struct {
	ID            string    `json:"id"`
	ExternalID    string    `json:"external_id"`
	CreditBalance int64     `json:"credit_balance"`
	CreatedAt     time.Time `json:"created_at"`
}

// Generation is an immutable record of a completed text-to-image request.
type Generation struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Prompt    string    `json:"prompt"`
	ImageURL  string    `json:"image_url"` // data URI or remote URL
	Provider  string    `json:"provider,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Transaction is an immutable record of a credit purchase.
type Transaction struct {
	ID              string    `json:"id"`
	AccountID       string    `json:"account_id"`
	Credits         int64     `json:"credits"`
	AmountCents     int64     `json:"amount_cents"`
	Currency        string    `json:"currency"`
	ProviderEventID string    `json:"provider_event_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// PaymentResult describes the outcome of ApplyPayment.
type PaymentResult struct {
	Applied        bool   // false when the event was already recorded
	AccountID      string
	AccountCreated bool
	Balance        int64
}

// LocalUser is a username/password identity for the builtin auth provider.
type LocalUser struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	AccountID string          `json:"account_id,omitempty"`
	Subject   string          `json:"subject,omitempty"` // external identity
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditFilter specifies criteria for filtering audit events.
type AuditFilter struct {
	Action    string // prefix match
	AccountID string
	Limit     int
	Offset    int
}
