/*
Package ledger provides the append-only points ledger and the materialized
balance that is derived from it.

PURPOSE:
  This package contains the core accounting engine of the loyalty program.
  Every point movement - an earn for an uploaded invoice, a streak reward,
  a redemption spend - is an immutable LedgerEntry. The per-user Balance is
  a projection kept in sync with the ledger inside the same transaction as
  each append, so the two can never be observed out of sync.

KEY CONCEPTS IN THIS FILE (types.go):
  - LedgerEntry: one immutable point movement (earn or spend)
  - EntryDraft:  the caller-supplied input to Append, validated before write
  - Balance:     the materialized current total for a user

DESIGN PRINCIPLES:
  1. Immutability: entries are never updated or deleted; corrections are
     new compensating entries
  2. Single writer for Balance: only the append path mutates it, never
     application code directly
  3. Atomicity: entry + balance move in one storage transaction

SEE ALSO:
  - ledger.go: Append/Spend/GetBalance operations and append hooks
  - store.go: persistence interfaces
  - integrity.go: ledger-vs-balance drift detection
*/
package ledger

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string

type EntryID string

// NewEntryID returns a fresh random entry identifier.
func NewEntryID() EntryID {
	return EntryID(uuid.NewString())
}

// =============================================================================
// ENTRY KIND - earn vs spend
// =============================================================================

// EntryKind classifies the direction of a point movement.
// The sign of the amount must agree with the kind: earns are positive,
// spends are negative.
type EntryKind string

const (
	KindEarn  EntryKind = "earn"
	KindSpend EntryKind = "spend"
)

// Matches reports whether the signed amount agrees with the kind.
// A zero amount matches neither kind.
func (k EntryKind) Matches(amount int64) bool {
	switch k {
	case KindEarn:
		return amount > 0
	case KindSpend:
		return amount < 0
	default:
		return false
	}
}

// Well-known entry sources. Achievement grants use the achievement code
// itself as the source, so these constants only cover the built-in paths.
const (
	SourceInvoice    = "invoice"
	SourceAction     = "action"
	SourceRedemption = "redemption"
	SourceAdjustment = "adjustment"
)

// =============================================================================
// LEDGER ENTRY - Immutable record of a point movement
// =============================================================================

// LedgerEntry is one immutable row of the append-only transaction log.
type LedgerEntry struct {
	ID     EntryID
	UserID UserID
	Kind   EntryKind

	// Source categorizes where the movement came from: "invoice",
	// "redemption", or an achievement code such as "mechanic/week_perfect".
	Source string

	// Amount is signed: positive for earn, negative for spend.
	Amount int64

	// OccurredAt is when the underlying real-world event happened,
	// which may predate CreatedAt (e.g. batch-reconciled grants).
	OccurredAt time.Time

	// CorrelationID links the entry to an external object such as a
	// redemption or an invoice. Optional.
	CorrelationID string

	CreatedAt time.Time
}

// EntryDraft is the caller-supplied input to Append. The ledger assigns
// the ID and CreatedAt itself.
type EntryDraft struct {
	UserID        UserID
	Kind          EntryKind
	Source        string
	Amount        int64
	OccurredAt    time.Time
	CorrelationID string
}

// =============================================================================
// BALANCE - Materialized projection, one row per user
// =============================================================================

// Balance is the materialized point total for a user.
//
// INVARIANT: after any committed append, Balance.Balance equals the sum of
// all LedgerEntry.Amount for the user. This is the central correctness
// property of the subsystem; integrity.go checks it.
type Balance struct {
	UserID        UserID
	Balance       int64
	LastUpdatedAt time.Time
}
