// Package billing meters provider token usage per session and settles it into
// account credits exactly once at session completion.
package billing

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
)

// CallKind labels which analysis flow consumed the tokens.
type CallKind string

const (
	CallQuick CallKind = "quick"
	CallDeep  CallKind = "deep"
)

// Status tracks a usage record through its lifecycle.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ErrUsageNotFound indicates no usage record exists for the session.
var ErrUsageNotFound = errors.New("usage record not found")

func newTxnID() string {
	return uuid.NewString()
}

// Delta is one provider call's worth of consumption: tokens, wall-clock
// duration and the caller's monetary cost estimate for the call.
type Delta struct {
	Kind             CallKind
	PromptTokens     int64
	CompletionTokens int64
	CachedTokens     int64
	DurationSeconds  float64
	EstimatedCost    float64
}

// Usage is the running meter for one session. Counters only ever grow;
// CreditsConsumed and CreditDeductedAt are written once, when the record is
// settled.
type Usage struct {
	SessionID        string     `json:"session_id"`
	AccountID        string     `json:"account_id"`
	Status           Status     `json:"status"`
	QuickCalls       int64      `json:"quick_calls"`
	DeepCalls        int64      `json:"deep_calls"`
	PromptTokens     int64      `json:"prompt_tokens"`
	CompletionTokens int64      `json:"completion_tokens"`
	CachedTokens     int64      `json:"cached_tokens"`
	DurationSeconds  float64    `json:"duration_seconds"`
	EstimatedCost    float64    `json:"estimated_cost"`
	CreditsConsumed  int64      `json:"credits_consumed"`
	CreditDeducted   bool       `json:"credit_deducted"`
	CreditDeductedAt *time.Time `json:"credit_deducted_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// TotalTokens is the billable token count.
func (u *Usage) TotalTokens() int64 {
	return u.PromptTokens + u.CompletionTokens
}

// LedgerEntry is one immutable credit movement against an account.
type LedgerEntry struct {
	TxnID     string    `json:"txn_id"`
	AccountID string    `json:"account_id"`
	SessionID string    `json:"session_id"`
	Credits   int64     `json:"credits"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Store defines persistence behaviour for usage metering and credit
// settlement. Settle must be atomic: the deduction flag flip, the balance
// debit and the ledger insert happen in one transaction, and a record whose
// flag is already set settles zero times more.
type Store interface {
	// OpenUsage creates the in_progress usage record for a session.
	OpenUsage(ctx context.Context, sessionID, accountID string) error
	// AddUsage folds one call's token delta into the running counters.
	AddUsage(ctx context.Context, sessionID string, d Delta) error
	// GetUsage returns the current record.
	GetUsage(ctx context.Context, sessionID string) (*Usage, error)
	// MarkFailed flags the record failed without settling credits.
	MarkFailed(ctx context.Context, sessionID string) error
	// Settle deducts credits for the session exactly once and returns the
	// record after settlement. The second return is false when the record had
	// already been settled and this call was a no-op.
	Settle(ctx context.Context, sessionID string, credits int64, entry LedgerEntry) (*Usage, bool, error)
	// Balance returns the account's current credit balance.
	Balance(ctx context.Context, accountID string) (int64, error)
	// Grant adds credits to an account, creating it if needed.
	Grant(ctx context.Context, accountID string, credits int64, reason string) error
	// LedgerEntries lists credit movements for an account, newest first.
	LedgerEntries(ctx context.Context, accountID string, limit int) ([]LedgerEntry, error)
}

// Pricer converts token totals into credits. Pricing is deterministic: the
// same totals always yield the same charge.
type Pricer struct {
	// CreditsPerThousandTokens is the base rate applied to prompt plus
	// completion tokens.
	CreditsPerThousandTokens int64
	// CachedDiscountPercent reduces the charge for tokens served from the
	// provider cache, 0..100.
	CachedDiscountPercent int64
	// MinimumCredits floors any non-zero charge.
	MinimumCredits int64
}

// DefaultPricer matches the published rate card.
func DefaultPricer() Pricer {
	return Pricer{CreditsPerThousandTokens: 10, CachedDiscountPercent: 50, MinimumCredits: 1}
}

// Price returns the credit charge for a usage record. Zero usage prices to
// zero; any non-zero usage charges at least MinimumCredits. Rounding is
// always up so partial thousands are never free.
func (p Pricer) Price(u *Usage) int64 {
	billable := u.TotalTokens()
	if billable <= 0 {
		return 0
	}
	discount := u.CachedTokens * p.CachedDiscountPercent / 100
	if discount > billable {
		discount = billable
	}
	credits := (billable - discount) * p.CreditsPerThousandTokens
	credits = (credits + 999) / 1000
	if credits < p.MinimumCredits {
		credits = p.MinimumCredits
	}
	return credits
}

// Service wraps the store with pricing and settlement policy.
type Service struct {
	store  Store
	pricer Pricer
	logger *log.Logger
}

// NewService creates the billing service.
func NewService(store Store, pricer Pricer, logger *log.Logger) *Service {
	return &Service{store: store, pricer: pricer, logger: logger}
}

// Open starts metering for a session.
func (s *Service) Open(ctx context.Context, sessionID, accountID string) error {
	return s.store.OpenUsage(ctx, sessionID, accountID)
}

// Record folds a provider call's usage into the session meter. Metering
// survives caller cancellation: a response we paid for is a response we bill.
func (s *Service) Record(ctx context.Context, sessionID string, d Delta) error {
	return s.store.AddUsage(context.WithoutCancel(ctx), sessionID, d)
}

// Usage returns the current meter for a session.
func (s *Service) Usage(ctx context.Context, sessionID string) (*Usage, error) {
	return s.store.GetUsage(ctx, sessionID)
}

// Complete prices the session's usage and settles it. Concurrent and repeated
// calls are safe: exactly one caller performs the deduction, every caller
// observes the same settled record.
func (s *Service) Complete(ctx context.Context, sessionID string) (*Usage, error) {
	u, err := s.store.GetUsage(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	credits := s.pricer.Price(u)
	entry := LedgerEntry{
		TxnID:     newTxnID(),
		AccountID: u.AccountID,
		SessionID: sessionID,
		Credits:   -credits,
		Reason:    "session settlement",
		CreatedAt: time.Now().UTC(),
	}

	settled, applied, err := s.store.Settle(ctx, sessionID, credits, entry)
	if err != nil {
		return nil, err
	}
	if !applied && s.logger != nil {
		s.logger.Printf("billing: session=%s settle skipped, already deducted %d credits", sessionID, settled.CreditsConsumed)
	}
	return settled, nil
}

// Fail marks the session meter failed. No credits move.
func (s *Service) Fail(ctx context.Context, sessionID string) error {
	return s.store.MarkFailed(context.WithoutCancel(ctx), sessionID)
}
