package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	ledger
	db *sql.DB
}

var postgresLedgerQueries = ledgerQueries{
	insertAccount: `INSERT INTO accounts (id, external_id, credit_balance, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT(external_id) DO NOTHING`,
	accountByExternalID: "SELECT id, external_id, credit_balance, created_at FROM accounts WHERE external_id = $1",
	accountByID:         "SELECT id, external_id, credit_balance, created_at FROM accounts WHERE id = $1",
	accountExists:       "SELECT 1 FROM accounts WHERE id = $1",
	debit: `UPDATE accounts SET credit_balance = credit_balance - $1
		WHERE id = $2 AND credit_balance >= $3 RETURNING credit_balance`,
	credit: "UPDATE accounts SET credit_balance = credit_balance + $1 WHERE id = $2 RETURNING credit_balance",
	insertGeneration: `INSERT INTO generations (id, account_id, prompt, image_url, provider, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
	insertTransaction: `INSERT INTO transactions (id, account_id, credits, amount_cents, currency, provider_event_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT(provider_event_id) DO NOTHING`,
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{ledger: ledger{db: db, q: postgresLedgerQueries}, db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			external_id TEXT UNIQUE NOT NULL,
			credit_balance BIGINT NOT NULL DEFAULT 100 CHECK (credit_balance >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS generations (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			prompt TEXT NOT NULL,
			image_url TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_generations_account_created ON generations(account_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			credits BIGINT NOT NULL CHECK (credits > 0),
			amount_cents BIGINT NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT '',
			provider_event_id TEXT UNIQUE NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_account_created ON transactions(account_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS local_users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			account_id TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_account_id ON audit_events(account_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Generations ---

func (s *PostgresStore) GetGeneration(ctx context.Context, id string) (*Generation, error) {
	var g Generation
	err := s.db.QueryRowContext(ctx,
		"SELECT id, account_id, prompt, image_url, provider, created_at FROM generations WHERE id = $1", id,
	).Scan(&g.ID, &g.AccountID, &g.Prompt, &g.ImageURL, &g.Provider, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *PostgresStore) ListGenerations(ctx context.Context, accountID string, limit, offset int) ([]Generation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, prompt, image_url, provider, created_at
		 FROM generations WHERE account_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		accountID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var gens []Generation
	for rows.Next() {
		var g Generation
		if err := rows.Scan(&g.ID, &g.AccountID, &g.Prompt, &g.ImageURL, &g.Provider, &g.CreatedAt); err != nil {
			return nil, err
		}
		gens = append(gens, g)
	}
	return gens, rows.Err()
}

// --- Transactions ---

func (s *PostgresStore) GetTransactionByEventID(ctx context.Context, eventID string) (*Transaction, error) {
	var t Transaction
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, credits, amount_cents, currency, provider_event_id, created_at
		 FROM transactions WHERE provider_event_id = $1`, eventID,
	).Scan(&t.ID, &t.AccountID, &t.Credits, &t.AmountCents, &t.Currency, &t.ProviderEventID, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, credits, amount_cents, currency, provider_event_id, created_at
		 FROM transactions WHERE account_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		accountID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var txns []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Credits, &t.AmountCents, &t.Currency, &t.ProviderEventID, &t.CreatedAt); err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// --- Local users ---

func (s *PostgresStore) CreateLocalUser(ctx context.Context, user *LocalUser) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO local_users (id, username, password_hash, created_at) VALUES ($1, $2, $3, $4)",
		user.ID, user.Username, user.PasswordHash, user.CreatedAt.UTC(),
	)
	return err
}

func (s *PostgresStore) GetLocalUser(ctx context.Context, username string) (*LocalUser, error) {
	var u LocalUser
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, created_at FROM local_users WHERE username = $1", username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// --- Audit ---

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, action, account_id, subject, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.Action, event.AccountID, event.Subject, detail, event.CreatedAt.UTC(),
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `SELECT id, action, account_id, subject, detail, created_at FROM audit_events WHERE TRUE`
	var args []any
	argN := 1

	if filter.Action != "" {
		query += fmt.Sprintf(" AND action LIKE $%d", argN)
		args = append(args, filter.Action+"%")
		argN++
	}
	if filter.AccountID != "" {
		query += fmt.Sprintf(" AND account_id = $%d", argN)
		args = append(args, filter.AccountID)
		argN++
	}

	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argN, argN+1)
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.Action, &e.AccountID, &e.Subject, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_events WHERE created_at < $1", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
