/*
claim.go - The idempotency witness for reward grants

PURPOSE:
  A Claim records "this achievement instance was paid". It is keyed by
  (user, code, cycle) where cycle distinguishes repeat completions of a
  repeatable streak. Claim insertion is conditional on uniqueness - the
  store enforces it with a UNIQUE index - which is the race-condition
  defense: of two concurrent granters only one claim insert succeeds, and
  only the winner appends a ledger entry.
*/
package reward

import (
	"context"
	"errors"
	"time"

	"github.com/lumio/loyalty-engine/catalog"
	"github.com/lumio/loyalty-engine/ledger"
)

// CycleID identifies one completion window of a repeatable mechanic:
// a week ordinal for streak cycles, or zero for one-shot achievements.
type CycleID int64

// Claim is the uniqueness record for one paid achievement instance.
type Claim struct {
	UserID    ledger.UserID
	Code      catalog.Code
	Cycle     CycleID
	CreatedAt time.Time
}

// ErrAlreadyClaimed is returned by InsertClaim when the (user, code, cycle)
// triple already exists. Not a failure: it is the idempotency mechanism
// working as intended.
var ErrAlreadyClaimed = errors.New("reward already claimed")

// ClaimStore persists claims. Implemented by the sqlite and memory stores
// as an extended capability of the ledger store, so a claim and its ledger
// entry share one transaction.
type ClaimStore interface {
	// InsertClaim atomically claims uniqueness for (user, code, cycle).
	// Returns ErrAlreadyClaimed if the triple exists.
	InsertClaim(ctx context.Context, c Claim) error

	// GetClaim fetches an existing claim; ErrAlreadyClaimed semantics do
	// not apply here, absence is ledger.ErrUserNotFound-style absence.
	GetClaim(ctx context.Context, user ledger.UserID, code catalog.Code, cycle CycleID) (Claim, bool, error)
}
