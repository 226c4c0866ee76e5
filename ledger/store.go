/*
store.go - Persistence interfaces for the ledger and balance projection

PURPOSE:
  Defines the interface between the accounting logic and the database.
  The Store keeps append-only semantics for entries: there is no Update
  and no Delete, ever. The balances table is mutated only through
  ApplyDelta, and only from inside the append transaction.

IMPLEMENTATIONS:
  - store/sqlite: production SQLite store (shared with claims, streaks,
    activities and the notification outbox)
  - store/memory: in-memory store for tests

ATOMICITY:
  TxStore.WithTx runs a function against a transactional view of the
  store. The ledger uses it to insert the entry, move the balance and run
  append hooks as one unit of work; the reward granter uses it to pair
  the idempotency claim with the resulting earn entry.
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Entry + balance persistence (append-only)
// =============================================================================

// Store handles persistence of ledger entries and the balance projection.
// IMPORTANT: entries are APPEND-ONLY. Corrections are compensating entries.
type Store interface {
	// InsertEntry persists an entry. This is the only entry write.
	InsertEntry(ctx context.Context, e LedgerEntry) error

	// ApplyDelta adjusts the user's materialized balance, creating the row
	// lazily on first use, and returns the new balance. Must only be called
	// from within the same transaction as the InsertEntry that causes it.
	ApplyDelta(ctx context.Context, user UserID, delta int64, at time.Time) (int64, error)

	// GetBalance returns the materialized balance. A user with no entries
	// has a zero balance, not an error.
	GetBalance(ctx context.Context, user UserID) (Balance, error)

	// Entries returns all entries for a user, ordered by OccurredAt then
	// insertion order.
	Entries(ctx context.Context, user UserID) ([]LedgerEntry, error)

	// EntriesInRange returns the user's entries with OccurredAt in [from, to].
	EntriesInRange(ctx context.Context, user UserID, from, to time.Time) ([]LedgerEntry, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn against a transactional view. If fn returns an
	// error the transaction is rolled back, otherwise committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// INTEGRITY STORE - Whole-ledger scans for drift detection
// =============================================================================

// IntegrityStore extends Store with the scans the integrity checker needs.
// Optional capability; integrity.go degrades with ErrStoreRequired.
type IntegrityStore interface {
	Store

	// SumByUser recomputes sum(amount) per user from raw entries.
	SumByUser(ctx context.Context) (map[UserID]int64, error)

	// AllBalances returns every materialized balance row.
	AllBalances(ctx context.Context) ([]Balance, error)
}
