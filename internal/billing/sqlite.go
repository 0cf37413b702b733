package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"
)

// SQLiteStore persists usage meters, account balances and the credit ledger
// in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the billing database at the given path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create billing directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open billing db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	// settlement races are resolved by the conditional update, not by the
	// driver; a single writer connection keeps SQLITE_BUSY out of the picture
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS session_usage (
	session_id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'in_progress',
	quick_calls INTEGER NOT NULL DEFAULT 0,
	deep_calls INTEGER NOT NULL DEFAULT 0,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	cached_tokens INTEGER NOT NULL DEFAULT 0,
	duration_seconds REAL NOT NULL DEFAULT 0,
	estimated_cost REAL NOT NULL DEFAULT 0,
	credits_consumed INTEGER NOT NULL DEFAULT 0,
	credit_deducted INTEGER NOT NULL DEFAULT 0,
	credit_deducted_at TIMESTAMP,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	balance INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS credit_ledger (
	txn_id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	session_id TEXT,
	credits INTEGER NOT NULL,
	reason TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credit_ledger_account ON credit_ledger(account_id, created_at);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply billing schema: %w", err)
	}
	return nil
}

// Close releases database resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// OpenUsage creates the in_progress meter for a session. Opening twice keeps
// the existing counters.
func (s *SQLiteStore) OpenUsage(ctx context.Context, sessionID, accountID string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO session_usage(session_id, account_id, status, updated_at)
VALUES(?, ?, 'in_progress', ?)
ON CONFLICT(session_id) DO NOTHING`,
		sessionID, accountID, time.Now().UTC())
	return err
}

// AddUsage folds a delta into the counters with a single atomic update.
func (s *SQLiteStore) AddUsage(ctx context.Context, sessionID string, d Delta) error {
	quick, deep := 0, 0
	switch d.Kind {
	case CallQuick:
		quick = 1
	case CallDeep:
		deep = 1
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE session_usage SET
	quick_calls = quick_calls + ?,
	deep_calls = deep_calls + ?,
	prompt_tokens = prompt_tokens + ?,
	completion_tokens = completion_tokens + ?,
	cached_tokens = cached_tokens + ?,
	duration_seconds = duration_seconds + ?,
	estimated_cost = estimated_cost + ?,
	updated_at = ?
WHERE session_id = ?`,
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

// GetUsage returns the current record.
func (s *SQLiteStore) GetUsage(ctx context.Context, sessionID string) (*Usage, error) {
	return scanUsage(s.db.QueryRowContext(ctx, `
SELECT session_id, account_id, status, quick_calls, deep_calls,
	prompt_tokens, completion_tokens, cached_tokens,
	duration_seconds, estimated_cost,
	credits_consumed, credit_deducted, credit_deducted_at, updated_at
FROM session_usage WHERE session_id = ?`, sessionID))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUsage(row rowScanner) (*Usage, error) {
	var (
		u          Usage
		status     string
		deducted   int
		deductedAt sql.NullTime
	)
	err := row.Scan(&u.SessionID, &u.AccountID, &status, &u.QuickCalls, &u.DeepCalls,
		&u.PromptTokens, &u.CompletionTokens, &u.CachedTokens,
		&u.DurationSeconds, &u.EstimatedCost,
		&u.CreditsConsumed, &deducted, &deductedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUsageNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Status = Status(status)
	u.CreditDeducted = deducted != 0
	if deductedAt.Valid {
		at := deductedAt.Time
		u.CreditDeductedAt = &at
	}
	return &u, nil
}

// MarkFailed flags the meter failed unless it was already settled.
func (s *SQLiteStore) MarkFailed(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE session_usage SET status = 'failed', updated_at = ?
WHERE session_id = ? AND credit_deducted = 0`,
		time.Now().UTC(), sessionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// either unknown session or already settled; distinguish
		if _, err := s.GetUsage(ctx, sessionID); err != nil {
			return err
		}
	}
	return nil
}

// Settle performs the exactly-once deduction. The conditional update on
// credit_deducted is the gate: whichever transaction flips it first writes the
// ledger entry and the balance debit; everyone else reads the settled record.
func (s *SQLiteStore) Settle(ctx context.Context, sessionID string, credits int64, entry LedgerEntry) (*Usage, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
UPDATE session_usage SET
	status = 'completed',
	credits_consumed = ?,
	credit_deducted = 1,
	credit_deducted_at = ?,
	updated_at = ?
WHERE session_id = ? AND credit_deducted = 0`,
		credits, now, now, sessionID)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		// lost the race or repeat call; return whatever is settled
		u, err := s.GetUsage(ctx, sessionID)
		if err != nil {
			return nil, false, err
		}
		return u, false, nil
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO accounts(id, balance) VALUES(?, 0)
ON CONFLICT(id) DO NOTHING`, entry.AccountID); err != nil {
		return nil, false, err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE accounts SET balance = balance - ? WHERE id = ?`, credits, entry.AccountID); err != nil {
		return nil, false, err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO credit_ledger(txn_id, account_id, session_id, credits, reason, created_at)
VALUES(?, ?, ?, ?, ?, ?)`,
		entry.TxnID, entry.AccountID, entry.SessionID, entry.Credits, entry.Reason, entry.CreatedAt); err != nil {
		return nil, false, err
	}

	u, err := scanUsage(tx.QueryRowContext(ctx, `
SELECT session_id, account_id, status, quick_calls, deep_calls,
	prompt_tokens, completion_tokens, cached_tokens,
	duration_seconds, estimated_cost,
	credits_consumed, credit_deducted, credit_deducted_at, updated_at
FROM session_usage WHERE session_id = ?`, sessionID))
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return u, true, nil
}

// Balance returns the account balance, zero for unknown accounts.
func (s *SQLiteStore) Balance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE id = ?`, accountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

// Grant adds credits to an account and records the movement.
func (s *SQLiteStore) Grant(ctx context.Context, accountID string, credits int64, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO accounts(id, balance) VALUES(?, ?)
ON CONFLICT(id) DO UPDATE SET balance = balance + excluded.balance`,
		accountID, credits); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO credit_ledger(txn_id, account_id, credits, reason, created_at)
VALUES(?, ?, ?, ?, ?)`,
		newTxnID(), accountID, credits, reason, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// LedgerEntries lists movements newest first.
func (s *SQLiteStore) LedgerEntries(ctx context.Context, accountID string, limit int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT txn_id, account_id, COALESCE(session_id, ''), credits, reason, created_at
FROM credit_ledger WHERE account_id = ?
ORDER BY created_at DESC, txn_id DESC LIMIT ?`, accountID, limit)
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
