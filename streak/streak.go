/*
Package streak maintains per-user engagement streaks and pays the reward
when a cycle completes.

PURPOSE:
  Two streak semantics coexist:

  - Rolling (daily_login): one count that grows by 1 per consecutive
    period, resets to 1 on any gap, and pays out + resets to 0 at a fixed
    threshold. Updated incrementally on every qualifying event.

  - Hard cycle (consistent_month): "did the user have ANY qualifying
    activity in each of the last N fixed periods", counted contiguously
    backward from the current period. The current, still-open period is
    pending - its emptiness never breaks the streak - but a gap in any
    earlier period stops the count. Authoritative only from the
    reconciliation batch; the incremental path just records activity.

  Both paths write StreakState; the batch recomputation is authoritative
  and overwrites incremental guesses.
*/
package streak

import (
	"context"
	"time"

	"github.com/lumio/loyalty-engine/catalog"
	"github.com/lumio/loyalty-engine/ledger"
)

// =============================================================================
// STREAK KINDS AND DEFINITIONS
// =============================================================================

// Kind selects the reset semantics.
type Kind string

const (
	// KindRolling resets to 1 on any gap and completes at Length
	// consecutive periods.
	KindRolling Kind = "rolling"
	// KindHardCycle counts backward over a fixed window of Length periods,
	// with the current period exempt from the break rule.
	KindHardCycle Kind = "hard_cycle"
)

// Definition describes one streak type.
type Definition struct {
	// Type is the streak's stable identifier, e.g. "daily_login".
	Type   string
	Kind   Kind
	Period PeriodUnit

	// Length is the completion threshold for rolling streaks and the
	// window size for hard cycles.
	Length int

	// Actions is the set of qualifying action codes. Empty matches all.
	Actions []string

	// RewardCode is granted on cycle completion.
	RewardCode catalog.Code
}

// Built-in streak definitions matching the loyalty program's two
// mechanics. Deployments override these through configuration.
func DailyLogin() Definition {
	return Definition{
		Type:       "daily_login",
		Kind:       KindRolling,
		Period:     PeriodDay,
		Length:     7,
		Actions:    []string{"daily_login"},
		RewardCode: catalog.MechanicCode("week_perfect"),
	}
}

func ConsistentMonth() Definition {
	return Definition{
		Type:       "consistent_month",
		Kind:       KindHardCycle,
		Period:     PeriodISOWeek,
		Length:     4,
		Actions:    []string{"invoice_upload"},
		RewardCode: catalog.MechanicCode("consistent_month"),
	}
}

// =============================================================================
// STATE
// =============================================================================

// State is one (user, streak type) row.
type State struct {
	UserID ledger.UserID
	Type   string

	CurrentCount int
	// BestCount is the high-water mark across all cycles.
	BestCount int

	// CycleStartAt is when the run contributing to CurrentCount began.
	CycleStartAt   time.Time
	LastActivityAt time.Time
	Active         bool
}

// Store persists streak state. Implemented as an extended capability of
// the shared store so state changes commit with the claim/entry that
// caused them.
type Store interface {
	GetStreak(ctx context.Context, user ledger.UserID, streakType string) (State, bool, error)
	PutStreak(ctx context.Context, s State) error
	StreaksFor(ctx context.Context, user ledger.UserID) ([]State, error)
}

// ScanStore is the whole-table scan the reconciliation batch uses to
// expire stale streaks. Separate from Store because request paths never
// need it.
type ScanStore interface {
	// ActiveStreaks returns every state of the given type with a
	// nonzero count.
	ActiveStreaks(ctx context.Context, streakType string) ([]State, error)
}
