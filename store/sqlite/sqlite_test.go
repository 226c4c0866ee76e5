package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumio/loyalty-engine/activity"
	"github.com/lumio/loyalty-engine/batch"
	"github.com/lumio/loyalty-engine/catalog"
	"github.com/lumio/loyalty-engine/ledger"
	"github.com/lumio/loyalty-engine/notify"
	"github.com/lumio/loyalty-engine/reward"
	"github.com/lumio/loyalty-engine/store/sqlite"
	"github.com/lumio/loyalty-engine/streak"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "loyalty.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func at(hour int) time.Time {
	return time.Date(2024, time.March, 11, hour, 0, 0, 0, time.UTC)
}

func TestStore_LedgerRoundTrip(t *testing.T) {
	// GIVEN entries appended through the ledger
	store := newTestStore(t)
	led := ledger.New(store)
	ctx := context.Background()

	_, err := led.Append(ctx, ledger.EntryDraft{
		UserID: "user-1", Kind: ledger.KindEarn, Source: ledger.SourceInvoice,
		Amount: 16, OccurredAt: at(9), CorrelationID: "cufe-1",
	})
	require.NoError(t, err)
	_, err = led.Append(ctx, ledger.EntryDraft{
		UserID: "user-1", Kind: ledger.KindEarn, Source: ledger.SourceAction,
		Amount: 5, OccurredAt: at(10),
	})
	require.NoError(t, err)

	// THEN the balance and history survive the round trip
	bal, err := led.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(21), bal.Balance)

	entries, err := led.Entries(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "cufe-1", entries[0].CorrelationID)
	assert.True(t, entries[0].OccurredAt.Equal(at(9)))

	ranged, err := store.EntriesInRange(ctx, "user-1", at(10), at(11))
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, int64(5), ranged[0].Amount)
}

func TestStore_WithTxRollsBackOnError(t *testing.T) {
	// GIVEN a transaction that fails after writing
	store := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(s ledger.Store) error {
		require.NoError(t, s.InsertEntry(ctx, ledger.LedgerEntry{
			ID: "e1", UserID: "user-1", Kind: ledger.KindEarn, Source: "test",
			Amount: 10, OccurredAt: at(9), CreatedAt: at(9),
		}))
		_, err := s.ApplyDelta(ctx, "user-1", 10, at(9))
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	// THEN neither the entry nor the balance survives
	entries, err := store.Entries(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	bal, err := store.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, bal.Balance)
}

func TestStore_ClaimUniqueness(t *testing.T) {
	// GIVEN a claimed (user, code, cycle) triple
	store := newTestStore(t)
	ctx := context.Background()
	claim := reward.Claim{
		UserID: "user-1", Code: catalog.MechanicCode("week_perfect"),
		Cycle: 42, CreatedAt: at(9),
	}
	require.NoError(t, store.InsertClaim(ctx, claim))

	// THEN a second insert loses the race
	err := store.InsertClaim(ctx, claim)
	require.ErrorIs(t, err, reward.ErrAlreadyClaimed)

	// AND the original claim reads back with its creation time
	got, found, err := store.GetClaim(ctx, claim.UserID, claim.Code, claim.Cycle)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, got.CreatedAt.Equal(at(9)))

	// AND a different cycle is a fresh claim
	claim.Cycle = 43
	assert.NoError(t, store.InsertClaim(ctx, claim))
}

func TestStore_StreakStates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, found, err := store.GetStreak(ctx, "user-1", "daily_login")
	require.NoError(t, err)
	require.False(t, found)

	// GIVEN an upserted state
	st := streak.State{
		UserID: "user-1", Type: "daily_login",
		CurrentCount: 3, BestCount: 5,
		CycleStartAt: at(9), LastActivityAt: at(12), Active: true,
	}
	require.NoError(t, store.PutStreak(ctx, st))

	got, found, err := store.GetStreak(ctx, "user-1", "daily_login")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 3, got.CurrentCount)
	assert.Equal(t, 5, got.BestCount)
	assert.True(t, got.CycleStartAt.Equal(at(9)))
	assert.True(t, got.Active)

	// WHEN the same key is written again
	st.CurrentCount = 0
	st.Active = false
	require.NoError(t, store.PutStreak(ctx, st))

	// THEN the row is replaced, not duplicated
	states, err := store.StreaksFor(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, 0, states[0].CurrentCount)

	// AND the active scan only sees nonzero counts
	require.NoError(t, store.PutStreak(ctx, streak.State{
		UserID: "user-2", Type: "daily_login", CurrentCount: 2, Active: true,
	}))
	active, err := store.ActiveStreaks(ctx, "daily_login")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, ledger.UserID("user-2"), active[0].UserID)
}

func TestStore_ActivityScans(t *testing.T) {
	// GIVEN activities for two users across several days
	store := newTestStore(t)
	ctx := context.Background()
	insert := func(id string, user ledger.UserID, action string, occurred time.Time) {
		require.NoError(t, store.InsertActivity(ctx, activity.Activity{
			ID: id, UserID: user, Action: action, OccurredAt: occurred,
			Amount: decimal.NewFromInt(50), CorrelationID: "corr-" + id,
			Metadata: map[string]string{"invoice_number": id},
		}))
	}
	insert("a1", "user-1", activity.ActionInvoiceUpload, at(9))
	insert("a2", "user-1", activity.ActionDailyLogin, at(10))
	insert("a3", "user-1", activity.ActionInvoiceUpload, at(9).AddDate(0, 0, -10))
	insert("a4", "user-2", activity.ActionInvoiceUpload, at(11))

	// THEN a duplicate correlation id is rejected as a retry
	err := store.InsertActivity(ctx, activity.Activity{
		ID: "a5", UserID: "user-1", Action: activity.ActionInvoiceUpload,
		OccurredAt: at(12), CorrelationID: "corr-a1",
	})
	require.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	// AND the window scan filters by action and range
	users, err := store.UsersActiveBetween(ctx,
		[]string{activity.ActionInvoiceUpload}, at(0), at(23))
	require.NoError(t, err)
	assert.ElementsMatch(t, []ledger.UserID{"user-1", "user-2"}, users)

	times, err := store.ActivityTimes(ctx, "user-1",
		[]string{activity.ActionInvoiceUpload}, at(0), at(23))
	require.NoError(t, err)
	require.Len(t, times, 1)
	assert.True(t, times[0].Equal(at(9)))

	// AND an empty action list matches everything in range
	times, err = store.ActivityTimes(ctx, "user-1", nil, at(0), at(23))
	require.NoError(t, err)
	assert.Len(t, times, 2)
}

func TestStore_Catalog(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	code := catalog.MechanicCode("week_perfect")

	_, err := store.Get(ctx, code)
	require.ErrorIs(t, err, catalog.ErrRuleNotFound)

	// GIVEN a self-registered rule
	rule, err := store.GetOrCreate(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, int64(catalog.DefaultPayout), rule.Payout)

	// WHEN the operator overrides it, config included
	want := catalog.RewardRule{
		Code: code, DisplayName: "Perfect Week", Payout: 100, Active: true,
		Config: catalog.ThresholdConfig{Threshold: 7},
	}
	require.NoError(t, store.Put(ctx, want))

	// THEN reads and the listing return the operator's rule
	got, err := store.Get(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	again, err := store.GetOrCreate(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, want, again, "self-registration must not clobber an existing rule")

	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// AND an invalid rule never reaches the database
	bad := want
	bad.Payout = -1
	assert.Error(t, store.Put(ctx, bad))
}

func TestStore_GrantInsideTransaction(t *testing.T) {
	// GIVEN the sqlite store serving as ledger store, claim store,
	// catalog, and notifier at once
	store := newTestStore(t)
	led := ledger.New(store)
	ctx := context.Background()
	code := catalog.MechanicCode("consistent_month")
	require.NoError(t, store.Put(ctx, catalog.RewardRule{
		Code: code, DisplayName: "Consistent Month", Payout: 200, Active: true,
	}))
	granter := reward.NewGranter(store, led, store, store)

	// WHEN granting twice for the same cycle
	res, err := granter.Grant(ctx, "user-1", code, 42)
	require.NoError(t, err)
	assert.Equal(t, reward.Granted, res.Outcome)

	res, err = granter.Grant(ctx, "user-1", code, 42)
	require.NoError(t, err)
	assert.Equal(t, reward.AlreadyGranted, res.Outcome)

	// THEN exactly one entry and one outbox row exist
	entries, err := led.Entries(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, code.String(), entries[0].Source)

	pending, err := store.PendingNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, reward.GrantIdempotencyKey("user-1", code, 42), pending[0].IdempotencyKey)
}

func TestStore_NotificationOutboxDeduplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	n := notify.Notification{
		UserID: "user-1", Title: "You earned 100 points!", Body: "body",
		IdempotencyKey: "grant:user-1:mechanic/week_perfect:3",
		Payload:        map[string]string{"payout": "100"},
	}

	require.NoError(t, store.Request(ctx, n))
	require.NoError(t, store.Request(ctx, n))

	pending, err := store.PendingNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "100", pending[0].Payload["payout"])
}

func TestStore_ReconciliationRuns(t *testing.T) {
	// GIVEN an inserted run that later finishes
	store := newTestStore(t)
	ctx := context.Background()
	run := batch.Run{ID: "run-1", AsOf: at(12), StartedAt: at(12), Status: batch.RunRunning}
	require.NoError(t, store.InsertRun(ctx, run))

	run.FinishedAt = at(13)
	run.Status = batch.RunCompleted
	run.Summary = batch.Summary{UsersScanned: 10, StreaksUpdated: 4, RewardsGranted: 2, Errors: 1}
	require.NoError(t, store.UpdateRun(ctx, run))

	// THEN the listing returns the finished record, newest first
	require.NoError(t, store.InsertRun(ctx, batch.Run{
		ID: "run-2", AsOf: at(14), StartedAt: at(14), Status: batch.RunRunning,
	}))
	runs, err := store.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Equal(t, batch.RunCompleted, runs[1].Status)
	assert.Equal(t, 2, runs[1].Summary.RewardsGranted)

	limited, err := store.ListRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStore_IntegrityScans(t *testing.T) {
	// GIVEN a consistent ledger written through the append path
	store := newTestStore(t)
	led := ledger.New(store)
	ctx := context.Background()
	for _, user := range []ledger.UserID{"user-1", "user-2"} {
		_, err := led.Append(ctx, ledger.EntryDraft{
			UserID: user, Kind: ledger.KindEarn, Source: "test", Amount: 30,
		})
		require.NoError(t, err)
	}
	_, err := led.Spend(ctx, "user-1", 10, "")
	require.NoError(t, err)

	// THEN the recomputed sums match the materialized balances
	checker := &ledger.IntegrityChecker{Store: store}
	report, err := checker.Check(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.Equal(t, 2, report.UsersChecked)

	sums, err := store.SumByUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(20), sums["user-1"])
}
