/*
tracker.go - Incremental streak updates

PURPOSE:
  RecordActivity is called synchronously for every qualifying event. For
  rolling streaks it applies the increment/gap/complete rules and, on
  completion, pays the reward inside the same transaction as the state
  write. For hard-cycle streaks it only records last-activity; the count
  is authoritative from the reconciliation batch (aggregating "any
  activity per period" per event would double count or need an existence
  probe on every event).

IDEMPOTENCE:
  A second event in the same period is a no-op, so client retries and
  duplicate deliveries are silently absorbed, never surfaced as errors.
*/
package streak

import (
	"context"
	"fmt"
	"time"

	"github.com/lumio/loyalty-engine/ledger"
	"github.com/lumio/loyalty-engine/reward"
)

// Delta reports how one event changed a streak, for client display.
type Delta struct {
	Type     string
	Previous int
	Current  int

	// Completed is true when this event finished a cycle. The grant
	// outcome says whether it was freshly paid.
	Completed bool
	Grant     *reward.Result
}

// Tracker applies incremental streak updates.
type Tracker struct {
	store   ledger.TxStore
	granter *reward.Granter
	defs    map[string]Definition
	windows Windows
}

func NewTracker(store ledger.TxStore, granter *reward.Granter, windows Windows, defs ...Definition) *Tracker {
	m := make(map[string]Definition, len(defs))
	for _, d := range defs {
		m[d.Type] = d
	}
	return &Tracker{store: store, granter: granter, defs: m, windows: windows}
}

// Definitions returns the configured streak definitions.
func (t *Tracker) Definitions() []Definition {
	out := make([]Definition, 0, len(t.defs))
	for _, d := range t.defs {
		out = append(out, d)
	}
	return out
}

// DefinitionsForAction returns the streaks for which the action qualifies.
func (t *Tracker) DefinitionsForAction(action string) []Definition {
	var out []Definition
	for _, d := range t.defs {
		if len(d.Actions) == 0 {
			out = append(out, d)
			continue
		}
		for _, a := range d.Actions {
			if a == action {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

// RecordActivity applies one qualifying event to one streak type.
func (t *Tracker) RecordActivity(ctx context.Context, user ledger.UserID, streakType string, at time.Time) (Delta, error) {
	def, ok := t.defs[streakType]
	if !ok {
		return Delta{}, fmt.Errorf("unknown streak type %q", streakType)
	}

	var (
		delta   Delta
		granted *reward.Result
	)
	err := t.store.WithTx(ctx, func(s ledger.Store) error {
		ss, ok := s.(Store)
		if !ok {
			return ledger.ErrStoreRequired
		}
		var err error
		delta, granted, err = t.recordIn(ctx, s, ss, def, user, at)
		return err
	})
	if err != nil {
		return Delta{}, err
	}
	if granted != nil {
		ord := t.windows.Ordinal(def.Period, at)
		cycle := reward.CycleID(floorDiv(ord, int64(def.Length)))
		t.granter.NotifyGranted(ctx, user, cycle, *granted)
	}
	return delta, nil
}

func (t *Tracker) recordIn(ctx context.Context, s ledger.Store, ss Store, def Definition, user ledger.UserID, at time.Time) (Delta, *reward.Result, error) {
	state, found, err := ss.GetStreak(ctx, user, def.Type)
	if err != nil {
		return Delta{}, nil, err
	}
	if !found {
		state = State{UserID: user, Type: def.Type, CycleStartAt: at}
	}
	prev := state.CurrentCount

	// Hard-cycle counts are batch-authoritative; the event only proves
	// the user was active.
	if def.Kind == KindHardCycle {
		state.LastActivityAt = at
		state.Active = true
		if err := ss.PutStreak(ctx, state); err != nil {
			return Delta{}, nil, err
		}
		return Delta{Type: def.Type, Previous: prev, Current: prev}, nil, nil
	}

	ord := t.windows.Ordinal(def.Period, at)
	lastOrd := t.windows.Ordinal(def.Period, state.LastActivityAt)

	switch {
	case found && !state.LastActivityAt.IsZero() && ord == lastOrd:
		// Same period: idempotent re-delivery, nothing changes.
		return Delta{Type: def.Type, Previous: prev, Current: prev}, nil, nil
	case found && !state.LastActivityAt.IsZero() && ord == lastOrd+1:
		state.CurrentCount++
		if state.CurrentCount == 1 {
			state.CycleStartAt = at
		}
	default:
		// First ever event, or a gap: the run restarts here.
		state.CurrentCount = 1
		state.CycleStartAt = at
	}

	if state.CurrentCount > state.BestCount {
		state.BestCount = state.CurrentCount
	}
	state.LastActivityAt = at
	state.Active = true

	delta := Delta{Type: def.Type, Previous: prev, Current: state.CurrentCount}
	var granted *reward.Result

	if state.CurrentCount >= def.Length {
		cycle := reward.CycleID(floorDiv(ord, int64(def.Length)))
		res, err := t.granter.GrantIn(ctx, s, user, def.RewardCode, cycle)
		if err != nil {
			return Delta{}, nil, err
		}
		// The cycle is used up whatever the grant outcome; even an
		// AlreadyGranted completion resets the count.
		state.CurrentCount = 0
		delta.Current = 0
		delta.Completed = true
		delta.Grant = &res
		if res.Outcome == reward.Granted {
			granted = &res
		}
	}

	if err := ss.PutStreak(ctx, state); err != nil {
		return Delta{}, nil, err
	}
	return delta, granted, nil
}
