/*
batch.go - Reconciliation batch

PURPOSE:
  The reconciler is the authoritative write path for hard-cycle streaks
  and the safety net for rolling ones. It recomputes hard-cycle counts
  from raw activity, grants completed cycles through the same idempotent
  granter the incremental path uses, and expires rolling streaks whose
  gap has grown past one period.

RE-ENTRANCY:
  Every user commits in its own transaction, so the run can be killed
  and restarted at any point. Re-running over the same history produces
  the same state and zero new ledger entries.
*/
package batch

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lumio/loyalty-engine/activity"
	"github.com/lumio/loyalty-engine/ledger"
	"github.com/lumio/loyalty-engine/reward"
	"github.com/lumio/loyalty-engine/streak"
)

// Summary is the operator-facing result of one reconcile run.
type Summary struct {
	UsersScanned   int `json:"users_scanned"`
	StreaksUpdated int `json:"streaks_updated"`
	RewardsGranted int `json:"rewards_granted"`
	Errors         int `json:"errors"`
}

// Run is the persisted audit record of one reconcile invocation.
type Run struct {
	ID         string
	AsOf       time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Summary    Summary
	Status     string // "running", "completed", "aborted"
}

const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunAborted   = "aborted"
)

// RunStore persists batch audit records. Optional capability of the
// shared store; reconciliation works without it.
type RunStore interface {
	InsertRun(ctx context.Context, r Run) error
	UpdateRun(ctx context.Context, r Run) error
	ListRuns(ctx context.Context, limit int) ([]Run, error)
}

// =============================================================================
// RECONCILER
// =============================================================================

// Reconciler recomputes streak state for all users from raw activity.
type Reconciler struct {
	store      ledger.TxStore
	activities activity.Store
	granter    *reward.Granter
	windows    streak.Windows
	defs       []streak.Definition
	runs       RunStore
	now        func() time.Time
}

func NewReconciler(store ledger.TxStore, acts activity.Store, granter *reward.Granter, windows streak.Windows, defs []streak.Definition) *Reconciler {
	return &Reconciler{
		store:      store,
		activities: acts,
		granter:    granter,
		windows:    windows,
		defs:       defs,
		now:        time.Now,
	}
}

// WithRunStore enables audit records for each run.
func (r *Reconciler) WithRunStore(rs RunStore) *Reconciler {
	r.runs = rs
	return r
}

func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Reconcile recomputes all configured streaks as of the given instant.
// Per-user failures are counted, not propagated; only a cancelled
// context or a broken run store aborts the batch.
func (r *Reconciler) Reconcile(ctx context.Context, asOf time.Time) (Summary, error) {
	run := Run{ID: uuid.NewString(), AsOf: asOf, StartedAt: r.now(), Status: RunRunning}
	if r.runs != nil {
		if err := r.runs.InsertRun(ctx, run); err != nil {
			return Summary{}, err
		}
	}

	var sum Summary
	err := r.reconcileAll(ctx, asOf, &sum)

	run.FinishedAt = r.now()
	run.Summary = sum
	run.Status = RunCompleted
	if err != nil {
		run.Status = RunAborted
	}
	if r.runs != nil {
		if uerr := r.runs.UpdateRun(context.WithoutCancel(ctx), run); uerr != nil {
			log.Printf("[Reconciler] failed to record run %s: %v", run.ID, uerr)
		}
	}
	return sum, err
}

func (r *Reconciler) reconcileAll(ctx context.Context, asOf time.Time, sum *Summary) error {
	for _, def := range r.defs {
		var err error
		switch def.Kind {
		case streak.KindHardCycle:
			err = r.reconcileHardCycle(ctx, def, asOf, sum)
		case streak.KindRolling:
			err = r.expireRolling(ctx, def, asOf, sum)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Hard-cycle recomputation
// -----------------------------------------------------------------------------

func (r *Reconciler) reconcileHardCycle(ctx context.Context, def streak.Definition, asOf time.Time, sum *Summary) error {
	current := r.windows.Ordinal(def.Period, asOf)
	oldest := current - int64(def.Length-1)
	from := r.windows.PeriodStart(def.Period, oldest)

	users, err := r.activities.UsersActiveBetween(ctx, def.Actions, from, asOf)
	if err != nil {
		return err
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })

	for _, user := range users {
		if err := ctx.Err(); err != nil {
			return err
		}
		sum.UsersScanned++
		granted, err := r.reconcileUser(ctx, def, user, current, from, asOf, sum)
		if err != nil {
			sum.Errors++
			log.Printf("[Reconciler] user %s streak %s: %v", user, def.Type, err)
			continue
		}
		if granted != nil {
			r.granter.NotifyGranted(ctx, user, reward.CycleID(current), *granted)
		}
	}
	return nil
}

// reconcileUser recomputes one user's hard-cycle count and grants the
// reward if the cycle is complete, all in a single transaction.
func (r *Reconciler) reconcileUser(ctx context.Context, def streak.Definition, user ledger.UserID, current int64, from, asOf time.Time, sum *Summary) (*reward.Result, error) {
	times, err := r.activities.ActivityTimes(ctx, user, def.Actions, from, asOf)
	if err != nil {
		return nil, err
	}

	present := make(map[int64]bool, def.Length)
	var latestCurrent time.Time
	for _, t := range times {
		ord := r.windows.Ordinal(def.Period, t)
		present[ord] = true
		if ord == current && t.After(latestCurrent) {
			latestCurrent = t
		}
	}

	count := backwardCount(present, current, def.Length)

	var granted *reward.Result
	err = r.store.WithTx(ctx, func(s ledger.Store) error {
		ss, ok := s.(streak.Store)
		if !ok {
			return ledger.ErrStoreRequired
		}
		state, found, err := ss.GetStreak(ctx, user, def.Type)
		if err != nil {
			return err
		}
		if !found {
			state = streak.State{UserID: user, Type: def.Type, CycleStartAt: from}
		}
		prev := state.CurrentCount

		newCount := count
		if count >= def.Length {
			res, err := r.granter.GrantIn(ctx, s, user, def.RewardCode, reward.CycleID(current))
			if err != nil {
				return err
			}
			// The completed cycle is consumed either way. A grant claimed
			// by an earlier run only re-seeds the count if the user has
			// acted again since that claim.
			newCount = 0
			switch res.Outcome {
			case reward.Granted:
				sum.RewardsGranted++
				granted = &res
			case reward.AlreadyGranted:
				if !latestCurrent.IsZero() && latestCurrent.After(res.ClaimedAt) {
					newCount = 1
				}
			}
		}

		if !found || newCount != prev || count > state.BestCount {
			state.CurrentCount = newCount
			if count > state.BestCount {
				state.BestCount = count
			}
			state.Active = newCount > 0
			if len(times) > 0 {
				state.LastActivityAt = times[len(times)-1]
			}
			if err := ss.PutStreak(ctx, state); err != nil {
				return err
			}
			sum.StreaksUpdated++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return granted, nil
}

// backwardCount counts contiguous active periods ending at current. The
// current, still-open period is pending: its absence does not break the
// chain, but any earlier absence does.
func backwardCount(present map[int64]bool, current int64, length int) int {
	count := 0
	if present[current] {
		count = 1
	}
	for ord := current - 1; ord > current-int64(length); ord-- {
		if !present[ord] {
			break
		}
		count++
	}
	return count
}

// -----------------------------------------------------------------------------
// Rolling expiry
// -----------------------------------------------------------------------------

// expireRolling zeroes rolling streaks whose last activity is more than
// one period behind as-of. The incremental path only sees users who act;
// this sweep is what makes a silent user's count honest.
func (r *Reconciler) expireRolling(ctx context.Context, def streak.Definition, asOf time.Time, sum *Summary) error {
	sss, ok := r.store.(streak.ScanStore)
	if !ok {
		// Expiry is best effort; stores without a scan capability rely
		// on the incremental gap rule alone.
		return nil
	}
	states, err := sss.ActiveStreaks(ctx, def.Type)
	if err != nil {
		return err
	}
	current := r.windows.Ordinal(def.Period, asOf)

	for _, state := range states {
		if err := ctx.Err(); err != nil {
			return err
		}
		if state.CurrentCount == 0 || state.LastActivityAt.IsZero() {
			continue
		}
		last := r.windows.Ordinal(def.Period, state.LastActivityAt)
		if current-last <= 1 {
			continue
		}
		state := state
		err := r.store.WithTx(ctx, func(s ledger.Store) error {
			tss, ok := s.(streak.Store)
			if !ok {
				return ledger.ErrStoreRequired
			}
			fresh, found, err := tss.GetStreak(ctx, state.UserID, def.Type)
			if err != nil || !found {
				return err
			}
			// Re-check inside the transaction: the user may have acted
			// since the scan.
			if current-r.windows.Ordinal(def.Period, fresh.LastActivityAt) <= 1 {
				return nil
			}
			fresh.CurrentCount = 0
			fresh.Active = false
			if err := tss.PutStreak(ctx, fresh); err != nil {
				return err
			}
			sum.StreaksUpdated++
			return nil
		})
		if err != nil {
			sum.Errors++
			log.Printf("[Reconciler] expire %s streak for %s: %v", def.Type, state.UserID, err)
		}
	}
	return nil
}
