/*
ledger.go - Append operations, spend validation and append hooks

PURPOSE:
  The Ledger is the single write path for point movements. Append validates
  the draft, then atomically inserts the entry, moves the balance and runs
  registered hooks. Spend additionally checks sufficient balance inside the
  same transaction, so a concurrent spend cannot slip past the check.

HOOKS:
  The original system used database triggers to react to every ledger row.
  Here that is an explicit hook interface: every hook runs synchronously
  inside the append transaction and can veto the append by returning an
  error. Balance materialization itself is built in, not a hook, because
  the balance invariant is not optional.

CONCURRENCY:
  Correctness comes from per-user transactional writes, not a global lock.
  Two concurrent appends for different users never contend beyond whatever
  row locking the store provides.
*/
package ledger

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// APPEND HOOK - Reactive code in the append transaction
// =============================================================================

// AppendHook is invoked for every entry inside the append transaction,
// after the entry and the balance update have been applied. Returning an
// error rolls the whole append back.
type AppendHook interface {
	EntryAppended(ctx context.Context, s Store, e LedgerEntry) error
}

// AppendHookFunc adapts a function to the AppendHook interface.
type AppendHookFunc func(ctx context.Context, s Store, e LedgerEntry) error

func (f AppendHookFunc) EntryAppended(ctx context.Context, s Store, e LedgerEntry) error {
	return f(ctx, s, e)
}

// =============================================================================
// LEDGER
// =============================================================================

// Ledger is the single write path for point movements.
type Ledger struct {
	store TxStore
	hooks []AppendHook
	now   func() time.Time
}

func New(store TxStore) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// WithClock overrides the wall clock, for tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// RegisterHook adds a hook to the append transaction. Not safe for
// concurrent use with Append; register everything during wiring.
func (l *Ledger) RegisterHook(h AppendHook) {
	l.hooks = append(l.hooks, h)
}

// Append validates the draft and atomically writes the entry plus its
// balance update. On success the returned entry is committed and the
// balance reflects it.
func (l *Ledger) Append(ctx context.Context, d EntryDraft) (LedgerEntry, error) {
	var entry LedgerEntry
	err := l.store.WithTx(ctx, func(s Store) error {
		var err error
		entry, err = l.AppendIn(ctx, s, d)
		return err
	})
	if err != nil {
		return LedgerEntry{}, err
	}
	return entry, nil
}

// AppendIn performs the append against an existing transactional view.
// Used by the reward granter to pair an idempotency claim with its earn
// entry in one transaction. Callers outside a WithTx should use Append.
func (l *Ledger) AppendIn(ctx context.Context, s Store, d EntryDraft) (LedgerEntry, error) {
	if err := validateDraft(d); err != nil {
		return LedgerEntry{}, err
	}

	entry := LedgerEntry{
		ID:            NewEntryID(),
		UserID:        d.UserID,
		Kind:          d.Kind,
		Source:        d.Source,
		Amount:        d.Amount,
		OccurredAt:    d.OccurredAt,
		CorrelationID: d.CorrelationID,
		CreatedAt:     l.now().UTC(),
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = entry.CreatedAt
	}

	if err := s.InsertEntry(ctx, entry); err != nil {
		return LedgerEntry{}, fmt.Errorf("append entry: %w", err)
	}
	if _, err := s.ApplyDelta(ctx, entry.UserID, entry.Amount, entry.CreatedAt); err != nil {
		return LedgerEntry{}, fmt.Errorf("apply balance delta: %w", err)
	}

	for _, h := range l.hooks {
		if err := h.EntryAppended(ctx, s, entry); err != nil {
			return LedgerEntry{}, err
		}
	}
	return entry, nil
}

// Spend records a redemption of `amount` points (given as a positive cost).
// Sufficient balance is checked inside the same transaction as the write,
// so concurrent spends for the same user cannot both pass the check.
func (l *Ledger) Spend(ctx context.Context, user UserID, amount int64, correlationID string) (LedgerEntry, error) {
	if amount <= 0 {
		return LedgerEntry{}, &ValidationError{Field: "amount", Message: "spend amount must be positive"}
	}

	var entry LedgerEntry
	err := l.store.WithTx(ctx, func(s Store) error {
		bal, err := s.GetBalance(ctx, user)
		if err != nil {
			return err
		}
		if bal.Balance < amount {
			return &InsufficientBalanceError{
				UserID:    user,
				Available: bal.Balance,
				Requested: amount,
			}
		}
		entry, err = l.AppendIn(ctx, s, EntryDraft{
			UserID:        user,
			Kind:          KindSpend,
			Source:        SourceRedemption,
			Amount:        -amount,
			CorrelationID: correlationID,
		})
		return err
	})
	if err != nil {
		return LedgerEntry{}, err
	}
	return entry, nil
}

// GetBalance returns the materialized balance, consistent with every
// append that completed before this call started.
func (l *Ledger) GetBalance(ctx context.Context, user UserID) (Balance, error) {
	return l.store.GetBalance(ctx, user)
}

// Entries returns the user's full ledger history.
func (l *Ledger) Entries(ctx context.Context, user UserID) ([]LedgerEntry, error) {
	return l.store.Entries(ctx, user)
}

// =============================================================================
// VALIDATION
// =============================================================================

func validateDraft(d EntryDraft) error {
	if d.UserID == "" {
		return &ValidationError{Field: "user_id", Message: "must not be empty"}
	}
	if d.Amount == 0 {
		return &ValidationError{Field: "amount", Message: "must not be zero"}
	}
	if !d.Kind.Matches(d.Amount) {
		return &ValidationError{
			Field:   "kind",
			Message: fmt.Sprintf("kind %q does not match amount %d", d.Kind, d.Amount),
		}
	}
	if d.Source == "" {
		return &ValidationError{Field: "source", Message: "must not be empty"}
	}
	return nil
}
