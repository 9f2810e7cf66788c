package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// querier is satisfied by both *sql.DB and *sql.Tx so ledger statements can
// run standalone or inside a composite transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ledgerQueries holds the dialect-specific statements used by ledger.
type ledgerQueries struct {
	insertAccount       string // id, external_id, balance, created_at; ON CONFLICT(external_id) DO NOTHING
	accountByExternalID string
	accountByID         string
	accountExists       string
	debit               string // amount, id, amount; RETURNING credit_balance
	credit              string // amount, id; RETURNING credit_balance
	insertGeneration    string
	insertTransaction   string // ON CONFLICT(provider_event_id) DO NOTHING
}

// ledger implements the account and balance operations shared by the SQL
// stores. Each balance change is a single conditional UPDATE.
type ledger struct {
	db *sql.DB
	q  ledgerQueries
}

func (l *ledger) EnsureAccount(ctx context.Context, externalID string, defaultBalance int64) (*Account, bool, error) {
	return l.ensureAccount(ctx, l.db, externalID, defaultBalance)
}

func (l *ledger) ensureAccount(ctx context.Context, q querier, externalID string, defaultBalance int64) (*Account, bool, error) {
	if externalID == "" {
		return nil, false, fmt.Errorf("ensure account: empty external id")
	}
	res, err := q.ExecContext(ctx, l.q.insertAccount,
		uuid.New().String(), externalID, defaultBalance, time.Now().UTC(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert account: %w", err)
	}

	acct, err := scanAccount(q.QueryRowContext(ctx, l.q.accountByExternalID, externalID))
	if err != nil {
		return nil, false, fmt.Errorf("load account: %w", err)
	}
	return acct, n == 1, nil
}

func (l *ledger) GetAccount(ctx context.Context, id string) (*Account, error) {
	acct, err := scanAccount(l.db.QueryRowContext(ctx, l.q.accountByID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return acct, err
}

func (l *ledger) GetAccountByExternalID(ctx context.Context, externalID string) (*Account, error) {
	acct, err := scanAccount(l.db.QueryRowContext(ctx, l.q.accountByExternalID, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return acct, err
}

func (l *ledger) Debit(ctx context.Context, accountID string, amount int64) (int64, error) {
	return l.debit(ctx, l.db, accountID, amount)
}

func (l *ledger) Credit(ctx context.Context, accountID string, amount int64) (int64, error) {
	return l.credit(ctx, l.db, accountID, amount)
}

func (l *ledger) debit(ctx context.Context, q querier, accountID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	var balance int64
	err := q.QueryRowContext(ctx, l.q.debit, amount, accountID, amount).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		// Either the account is missing or the guard rejected the debit.
		var one int
		if err := q.QueryRowContext(ctx, l.q.accountExists, accountID).Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return 0, ErrAccountNotFound
			}
			return 0, fmt.Errorf("debit: %w", err)
		}
		return 0, ErrInsufficientCredits
	}
	if err != nil {
		return 0, fmt.Errorf("debit: %w", err)
	}
	return balance, nil
}

func (l *ledger) credit(ctx context.Context, q querier, accountID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	var balance int64
	err := q.QueryRowContext(ctx, l.q.credit, amount, accountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("credit: %w", err)
	}
	return balance, nil
}

func (l *ledger) CommitGeneration(ctx context.Context, gen *Generation, cost int64) (int64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	balance, err := l.debit(ctx, tx, gen.AccountID, cost)
	if err != nil {
		return 0, err
	}
	if gen.CreatedAt.IsZero() {
		gen.CreatedAt = time.Now()
	}
	if _, err := tx.ExecContext(ctx, l.q.insertGeneration,
		gen.ID, gen.AccountID, gen.Prompt, gen.ImageURL, gen.Provider, gen.CreatedAt.UTC(),
	); err != nil {
		return 0, fmt.Errorf("insert generation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit generation: %w", err)
	}
	return balance, nil
}

func (l *ledger) ApplyPayment(ctx context.Context, txn *Transaction, externalID string, defaultBalance int64) (*PaymentResult, error) {
	if txn.ProviderEventID == "" {
		return nil, fmt.Errorf("apply payment: empty provider event id")
	}
	if txn.Credits <= 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	acct, created, err := l.ensureAccount(ctx, tx, externalID, defaultBalance)
	if err != nil {
		return nil, err
	}
	txn.AccountID = acct.ID
	if txn.ID == "" {
		txn.ID = uuid.New().String()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now()
	}

	res, err := tx.ExecContext(ctx, l.q.insertTransaction,
		txn.ID, txn.AccountID, txn.Credits, txn.AmountCents, txn.Currency, txn.ProviderEventID, txn.CreatedAt.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	result := &PaymentResult{AccountID: acct.ID, AccountCreated: created, Balance: acct.CreditBalance}
	if n == 0 {
		// Event already recorded.
		return result, tx.Commit()
	}

	balance, err := l.credit(ctx, tx, acct.ID, txn.Credits)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit payment: %w", err)
	}
	result.Applied = true
	result.Balance = balance
	return result, nil
}

func scanAccount(row *sql.Row) (*Account, error) {
	var a Account
	if err := row.Scan(&a.ID, &a.ExternalID, &a.CreditBalance, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}
