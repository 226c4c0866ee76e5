/*
engine.go - Synchronous tracking pipeline

PURPOSE:
  Track is the write path behind every client event: validate the
  activity, persist it, pay the immediate earn, then feed the qualifying
  streaks. The activity row and its earn entry commit in one
  transaction; each streak update commits in its own, so a streak store
  hiccup never rolls back points already owed.

IDEMPOTENCE:
  Two defenses. A duplicate correlation id (client retry) short-circuits
  the whole earn. Actions marked once-per-day additionally claim a
  per-day uniqueness witness, so a second login on the same day tracks
  the streak but pays nothing.
*/
package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/lumio/loyalty-engine/activity"
	"github.com/lumio/loyalty-engine/catalog"
	"github.com/lumio/loyalty-engine/ledger"
	"github.com/lumio/loyalty-engine/reward"
	"github.com/lumio/loyalty-engine/rules"
	"github.com/lumio/loyalty-engine/streak"
)

// earnNamespace scopes per-day earn claims away from streak rewards.
const earnNamespace = "earn"

// TrackResult is what the client gets back from one tracked event.
type TrackResult struct {
	PointsEarned int64
	Balance      int64
	// Duplicate is true when the event had already been recorded and
	// nothing was paid.
	Duplicate bool
	Streaks   []streak.Delta
	// Achievements lists freshly granted rewards only; AlreadyGranted
	// outcomes are suppressed so clients do not re-celebrate.
	Achievements []catalog.RewardRule
}

// Engine wires the tracking pipeline together.
type Engine struct {
	store   ledger.TxStore
	ledger  *ledger.Ledger
	tracker *streak.Tracker
	earn    *rules.Set
	windows streak.Windows

	// oncePerDay actions pay at most one earn per UTC day.
	oncePerDay map[string]bool
}

func New(store ledger.TxStore, led *ledger.Ledger, tracker *streak.Tracker, earn *rules.Set, windows streak.Windows) *Engine {
	return &Engine{
		store:      store,
		ledger:     led,
		tracker:    tracker,
		earn:       earn,
		windows:    windows,
		oncePerDay: map[string]bool{activity.ActionDailyLogin: true},
	}
}

// OncePerDay marks an action as paying at most once per day.
func (e *Engine) OncePerDay(action string) *Engine {
	e.oncePerDay[action] = true
	return e
}

// Track records one client event end to end.
func (e *Engine) Track(ctx context.Context, a activity.Activity) (TrackResult, error) {
	if err := a.Validate(); err != nil {
		return TrackResult{}, err
	}
	if a.OccurredAt.IsZero() {
		a.OccurredAt = e.windows.Now().UTC()
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	res := TrackResult{}
	err := e.store.WithTx(ctx, func(s ledger.Store) error {
		points, dup, err := e.recordIn(ctx, s, a)
		if err != nil {
			return err
		}
		res.PointsEarned = points
		res.Duplicate = dup
		return nil
	})
	if err != nil {
		return TrackResult{}, err
	}

	for _, def := range e.tracker.DefinitionsForAction(a.Action) {
		delta, err := e.tracker.RecordActivity(ctx, a.UserID, def.Type, a.OccurredAt)
		if err != nil {
			return TrackResult{}, err
		}
		res.Streaks = append(res.Streaks, delta)
		if delta.Completed && delta.Grant != nil && delta.Grant.Outcome == reward.Granted {
			res.Achievements = append(res.Achievements, delta.Grant.Rule)
		}
	}

	balance, err := e.ledger.GetBalance(ctx, a.UserID)
	if err != nil {
		return TrackResult{}, err
	}
	res.Balance = balance.Balance
	return res, nil
}

// recordIn persists the activity and its earn inside the caller's
// transaction. Returns the points paid and whether the event was a
// duplicate.
func (e *Engine) recordIn(ctx context.Context, s ledger.Store, a activity.Activity) (int64, bool, error) {
	as, ok := s.(activity.Store)
	if !ok {
		return 0, false, ledger.ErrStoreRequired
	}
	if err := as.InsertActivity(ctx, a); err != nil {
		if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
			return 0, true, nil
		}
		return 0, false, err
	}

	points, err := e.earn.Points(a)
	if err != nil {
		return 0, false, err
	}
	if points == 0 {
		return 0, false, nil
	}

	if e.oncePerDay[a.Action] {
		cs, ok := s.(reward.ClaimStore)
		if !ok {
			return 0, false, ledger.ErrStoreRequired
		}
		claim := reward.Claim{
			UserID:    a.UserID,
			Code:      catalog.Code{Namespace: earnNamespace, Name: a.Action},
			Cycle:     reward.CycleID(e.windows.DayOrdinal(a.OccurredAt)),
			CreatedAt: a.OccurredAt,
		}
		if err := cs.InsertClaim(ctx, claim); err != nil {
			if errors.Is(err, reward.ErrAlreadyClaimed) {
				return 0, false, nil
			}
			return 0, false, err
		}
	}

	source := ledger.SourceAction
	if a.Action == activity.ActionInvoiceUpload {
		source = ledger.SourceInvoice
	}
	_, err = e.ledger.AppendIn(ctx, s, ledger.EntryDraft{
		UserID:        a.UserID,
		Kind:          ledger.KindEarn,
		Source:        source,
		Amount:        points,
		OccurredAt:    a.OccurredAt,
		CorrelationID: a.CorrelationID,
	})
	if err != nil {
		return 0, false, err
	}
	return points, false, nil
}
