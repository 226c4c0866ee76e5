package engine_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumio/loyalty-engine/activity"
	"github.com/lumio/loyalty-engine/catalog"
	"github.com/lumio/loyalty-engine/engine"
	"github.com/lumio/loyalty-engine/ledger"
	"github.com/lumio/loyalty-engine/notify"
	"github.com/lumio/loyalty-engine/reward"
	"github.com/lumio/loyalty-engine/rules"
	"github.com/lumio/loyalty-engine/store/memory"
	"github.com/lumio/loyalty-engine/streak"
)

type engineFixture struct {
	store  *memory.Store
	ledger *ledger.Ledger
	engine *engine.Engine
	seq    int
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{store: memory.New()}
	f.ledger = ledger.New(f.store)

	cat := catalog.NewMemory()
	require.NoError(t, cat.Put(context.Background(), catalog.RewardRule{
		Code:        catalog.MechanicCode("week_perfect"),
		DisplayName: "Perfect Week",
		Payout:      100,
		Active:      true,
	}))
	granter := reward.NewGranter(f.store, f.ledger, cat, notify.NewMemory())
	windows := streak.NewWindows(nil)
	tracker := streak.NewTracker(f.store, granter, windows, streak.DailyLogin())
	f.engine = engine.New(f.store, f.ledger, tracker, rules.DefaultSet(), windows)
	return f
}

// day returns an instant inside the UTC day with the given ordinal.
func day(ordinal int64) time.Time {
	return time.Unix(ordinal*86400, 0).UTC().Add(9 * time.Hour)
}

func (f *engineFixture) login(user ledger.UserID, at time.Time) activity.Activity {
	f.seq++
	return activity.Activity{
		UserID:        user,
		Action:        activity.ActionDailyLogin,
		Channel:       "mobile_app",
		OccurredAt:    at,
		CorrelationID: fmt.Sprintf("login-%d", f.seq),
	}
}

func TestEngine_Track_InvoiceEarnsScaledPoints(t *testing.T) {
	// GIVEN an invoice upload for 155.99
	f := newEngineFixture(t)
	ctx := context.Background()

	// WHEN tracked
	res, err := f.engine.Track(ctx, activity.Activity{
		UserID:        "user-1",
		Action:        activity.ActionInvoiceUpload,
		Channel:       "whatsapp",
		OccurredAt:    day(100),
		Amount:        decimal.RequireFromString("155.99"),
		CorrelationID: "invoice-cufe-1",
	})
	require.NoError(t, err)

	// THEN it pays floor(155.99 / 10) + 1 and the balance reflects it
	assert.Equal(t, int64(16), res.PointsEarned)
	assert.Equal(t, int64(16), res.Balance)
	assert.False(t, res.Duplicate)
	assert.Empty(t, res.Streaks)

	entries, err := f.ledger.Entries(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.SourceInvoice, entries[0].Source)
	assert.Equal(t, "invoice-cufe-1", entries[0].CorrelationID)
}

func TestEngine_Track_DuplicateCorrelationIsIdempotent(t *testing.T) {
	// GIVEN an already-tracked event
	f := newEngineFixture(t)
	ctx := context.Background()
	a := activity.Activity{
		UserID:        "user-1",
		Action:        activity.ActionSurveyComplete,
		OccurredAt:    day(100),
		CorrelationID: "survey-42",
	}
	first, err := f.engine.Track(ctx, a)
	require.NoError(t, err)
	require.Equal(t, int64(20), first.PointsEarned)

	// WHEN the client retries the same correlation id
	second, err := f.engine.Track(ctx, a)
	require.NoError(t, err)

	// THEN the retry is flagged and pays nothing
	assert.True(t, second.Duplicate)
	assert.Zero(t, second.PointsEarned)
	assert.Equal(t, first.Balance, second.Balance)

	entries, err := f.ledger.Entries(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestEngine_Track_DailyLoginPaysOncePerDay(t *testing.T) {
	// GIVEN a login already paid today
	f := newEngineFixture(t)
	ctx := context.Background()
	first, err := f.engine.Track(ctx, f.login("user-1", day(100)))
	require.NoError(t, err)
	require.Equal(t, int64(5), first.PointsEarned)

	// WHEN a second, distinct login lands the same day
	second, err := f.engine.Track(ctx, f.login("user-1", day(100).Add(6*time.Hour)))
	require.NoError(t, err)

	// THEN it is recorded but pays nothing
	assert.False(t, second.Duplicate)
	assert.Zero(t, second.PointsEarned)
	assert.Equal(t, int64(5), second.Balance)

	// AND the next day pays again
	third, err := f.engine.Track(ctx, f.login("user-1", day(101)))
	require.NoError(t, err)
	assert.Equal(t, int64(5), third.PointsEarned)
	assert.Equal(t, int64(10), third.Balance)
}

func TestEngine_Track_ReportsStreakDelta(t *testing.T) {
	// GIVEN logins on two consecutive days
	f := newEngineFixture(t)
	ctx := context.Background()
	_, err := f.engine.Track(ctx, f.login("user-1", day(100)))
	require.NoError(t, err)

	// WHEN the second is tracked
	res, err := f.engine.Track(ctx, f.login("user-1", day(101)))
	require.NoError(t, err)

	// THEN the result carries the streak movement
	require.Len(t, res.Streaks, 1)
	assert.Equal(t, "daily_login", res.Streaks[0].Type)
	assert.Equal(t, 1, res.Streaks[0].Previous)
	assert.Equal(t, 2, res.Streaks[0].Current)
}

func TestEngine_Track_CompletionSurfacesAchievement(t *testing.T) {
	// GIVEN six consecutive daily logins
	f := newEngineFixture(t)
	ctx := context.Background()
	for ord := int64(700); ord <= 705; ord++ {
		_, err := f.engine.Track(ctx, f.login("user-1", day(ord)))
		require.NoError(t, err)
	}

	// WHEN the seventh completes the week
	res, err := f.engine.Track(ctx, f.login("user-1", day(706)))
	require.NoError(t, err)

	// THEN the achievement is surfaced and both payouts are in the balance
	require.Len(t, res.Achievements, 1)
	assert.Equal(t, catalog.MechanicCode("week_perfect"), res.Achievements[0].Code)
	assert.Equal(t, int64(7*5+100), res.Balance)
}

func TestEngine_Track_RejectsUnknownAction(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.Track(context.Background(), activity.Activity{
		UserID: "user-1",
		Action: "made_up_action",
	})
	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "action", verr.Field)
}

func TestEngine_Track_RejectsUnknownChannel(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.Track(context.Background(), activity.Activity{
		UserID:  "user-1",
		Action:  activity.ActionDailyLogin,
		Channel: "carrier_pigeon",
	})
	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "channel", verr.Field)
}

func TestEngine_OncePerDay_ExtendsToOtherActions(t *testing.T) {
	// GIVEN survey completion marked once-per-day
	f := newEngineFixture(t)
	f.engine.OncePerDay(activity.ActionSurveyComplete)
	ctx := context.Background()

	// WHEN two distinct surveys are tracked the same day
	first, err := f.engine.Track(ctx, activity.Activity{
		UserID: "user-1", Action: activity.ActionSurveyComplete,
		OccurredAt: day(100), CorrelationID: "survey-1",
	})
	require.NoError(t, err)
	second, err := f.engine.Track(ctx, activity.Activity{
		UserID: "user-1", Action: activity.ActionSurveyComplete,
		OccurredAt: day(100).Add(time.Hour), CorrelationID: "survey-2",
	})
	require.NoError(t, err)

	// THEN only the first pays
	assert.Equal(t, int64(20), first.PointsEarned)
	assert.Zero(t, second.PointsEarned)
}

func TestEngine_Track_DefaultsOccurredAtFromInjectedClock(t *testing.T) {
	// GIVEN an engine whose time source is pinned
	pinned := time.Date(2024, time.March, 11, 9, 30, 0, 0, time.UTC)
	store := memory.New()
	led := ledger.New(store)
	granter := reward.NewGranter(store, led, catalog.NewMemory(), notify.NewMemory())
	windows := streak.NewWindows(func() time.Time { return pinned })
	tracker := streak.NewTracker(store, granter, windows, streak.DailyLogin())
	eng := engine.New(store, led, tracker, rules.DefaultSet(), windows)
	ctx := context.Background()

	// WHEN an event arrives without an occurred-at
	res, err := eng.Track(ctx, activity.Activity{
		UserID:        "user-1",
		Action:        activity.ActionSurveyComplete,
		CorrelationID: "survey-1",
	})
	require.NoError(t, err)
	require.Equal(t, int64(20), res.PointsEarned)

	// THEN the stored entry carries the pinned instant, not the wall clock
	entries, err := led.Entries(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].OccurredAt.Equal(pinned))
}
