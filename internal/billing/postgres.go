package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// register pgx stdlib driver
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore persists usage meters, account balances and the credit ledger
// in PostgreSQL. Used when several engine instances share one billing plane.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to the billing database.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS session_usage (
	session_id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'in_progress',
	quick_calls BIGINT NOT NULL DEFAULT 0,
	deep_calls BIGINT NOT NULL DEFAULT 0,
	prompt_tokens BIGINT NOT NULL DEFAULT 0,
	completion_tokens BIGINT NOT NULL DEFAULT 0,
	cached_tokens BIGINT NOT NULL DEFAULT 0,
	duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	estimated_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	credits_consumed BIGINT NOT NULL DEFAULT 0,
	credit_deducted BOOLEAN NOT NULL DEFAULT FALSE,
	credit_deducted_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	balance BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS credit_ledger (
	txn_id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	session_id TEXT,
	credits BIGINT NOT NULL,
	reason TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credit_ledger_account ON credit_ledger(account_id, created_at);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply billing schema: %w", err)
	}
	return nil
}

// Close releases database resources.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) OpenUsage(ctx context.Context, sessionID, accountID string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO session_usage(session_id, account_id, status, updated_at)
VALUES($1, $2, 'in_progress', $3)
ON CONFLICT(session_id) DO NOTHING`,
		sessionID, accountID, time.Now().UTC())
	return err
}

func (s *PostgresStore) AddUsage(ctx context.Context, sessionID string, d Delta) error {
	quick, deep := 0, 0
	switch d.Kind {
	case CallQuick:
		quick = 1
	case CallDeep:
		deep = 1
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE session_usage SET
	quick_calls = quick_calls + $1,
	deep_calls = deep_calls + $2,
	prompt_tokens = prompt_tokens + $3,
	completion_tokens = completion_tokens + $4,
	cached_tokens = cached_tokens + $5,
	duration_seconds = duration_seconds + $6,
	estimated_cost = estimated_cost + $7,
	updated_at = $8
WHERE session_id = $9`,
		quick, deep, d.PromptTokens, d.CompletionTokens, d.CachedTokens,
		d.DurationSeconds, d.EstimatedCost, time.Now().UTC(), sessionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUsageNotFound
	}
	return nil
}

func (s *PostgresStore) GetUsage(ctx context.Context, sessionID string) (*Usage, error) {
	return scanPgUsage(s.db.QueryRowContext(ctx, `
SELECT session_id, account_id, status, quick_calls, deep_calls,
	prompt_tokens, completion_tokens, cached_tokens,
	duration_seconds, estimated_cost,
	credits_consumed, credit_deducted, credit_deducted_at, updated_at
FROM session_usage WHERE session_id = $1`, sessionID))
}

func scanPgUsage(row rowScanner) (*Usage, error) {
	var (
		u          Usage
		status     string
		deductedAt sql.NullTime
	)
	err := row.Scan(&u.SessionID, &u.AccountID, &status, &u.QuickCalls, &u.DeepCalls,
		&u.PromptTokens, &u.CompletionTokens, &u.CachedTokens,
		&u.DurationSeconds, &u.EstimatedCost,
		&u.CreditsConsumed, &u.CreditDeducted, &deductedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUsageNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Status = Status(status)
	if deductedAt.Valid {
		at := deductedAt.Time
		u.CreditDeductedAt = &at
	}
	return &u, nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE session_usage SET status = 'failed', updated_at = $1
WHERE session_id = $2 AND credit_deducted = FALSE`,
		time.Now().UTC(), sessionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetUsage(ctx, sessionID); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) Settle(ctx context.Context, sessionID string, credits int64, entry LedgerEntry) (*Usage, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
UPDATE session_usage SET
	status = 'completed',
	credits_consumed = $1,
	credit_deducted = TRUE,
	credit_deducted_at = $2,
	updated_at = $3
WHERE session_id = $4 AND credit_deducted = FALSE`,
		credits, now, now, sessionID)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		u, err := s.GetUsage(ctx, sessionID)
		if err != nil {
			return nil, false, err
		}
		return u, false, nil
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO accounts(id, balance) VALUES($1, 0)
ON CONFLICT(id) DO NOTHING`, entry.AccountID); err != nil {
		return nil, false, err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE accounts SET balance = balance - $1 WHERE id = $2`, credits, entry.AccountID); err != nil {
		return nil, false, err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO credit_ledger(txn_id, account_id, session_id, credits, reason, created_at)
VALUES($1, $2, $3, $4, $5, $6)`,
		entry.TxnID, entry.AccountID, entry.SessionID, entry.Credits, entry.Reason, entry.CreatedAt); err != nil {
		return nil, false, err
	}

	u, err := scanPgUsage(tx.QueryRowContext(ctx, `
SELECT session_id, account_id, status, quick_calls, deep_calls,
	prompt_tokens, completion_tokens, cached_tokens,
	duration_seconds, estimated_cost,
	credits_consumed, credit_deducted, credit_deducted_at, updated_at
FROM session_usage WHERE session_id = $1`, sessionID))
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return u, true, nil
}

func (s *PostgresStore) Balance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

func (s *PostgresStore) Grant(ctx context.Context, accountID string, credits int64, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO accounts(id, balance) VALUES($1, $2)
ON CONFLICT(id) DO UPDATE SET balance = accounts.balance + EXCLUDED.balance`,
		accountID, credits); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO credit_ledger(txn_id, account_id, credits, reason, created_at)
VALUES($1, $2, $3, $4, $5)`,
		newTxnID(), accountID, credits, reason, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) LedgerEntries(ctx context.Context, accountID string, limit int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT txn_id, account_id, COALESCE(session_id, ''), credits, reason, created_at
FROM credit_ledger WHERE account_id = $1
ORDER BY created_at DESC, txn_id DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.TxnID, &e.AccountID, &e.SessionID, &e.Credits, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
