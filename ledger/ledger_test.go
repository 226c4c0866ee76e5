package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumio/loyalty-engine/ledger"
	"github.com/lumio/loyalty-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestLedger(t *testing.T) (*ledger.Ledger, *memory.Store) {
	t.Helper()
	store := memory.New()
	return ledger.New(store), store
}

func earnDraft(user string, amount int64) ledger.EntryDraft {
	return ledger.EntryDraft{
		UserID: ledger.UserID(user),
		Kind:   ledger.KindEarn,
		Source: ledger.SourceAction,
		Amount: amount,
	}
}

// =============================================================================
// APPEND + BALANCE INVARIANT
// =============================================================================

func TestLedger_Append_UpdatesBalance(t *testing.T) {
	// GIVEN: a fresh user
	// WHEN: appending two earns
	// THEN: the balance equals their sum and both entries are readable

	led, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := led.Append(ctx, earnDraft("user-1", 10))
	require.NoError(t, err)
	_, err = led.Append(ctx, earnDraft("user-1", 25))
	require.NoError(t, err)

	balance, err := led.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(35), balance.Balance)

	entries, err := led.Entries(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestLedger_BalanceEqualsEntrySum(t *testing.T) {
	// GIVEN: a mix of earns and spends across two users
	// THEN: every balance equals the sum of that user's entries

	led, store := newTestLedger(t)
	ctx := context.Background()

	_, err := led.Append(ctx, earnDraft("user-1", 100))
	require.NoError(t, err)
	_, err = led.Append(ctx, earnDraft("user-2", 40))
	require.NoError(t, err)
	_, err = led.Spend(ctx, "user-1", 30, "redemption-1")
	require.NoError(t, err)

	sums, err := store.SumByUser(ctx)
	require.NoError(t, err)
	for user, sum := range sums {
		balance, err := led.GetBalance(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, sum, balance.Balance, "user %s", user)
	}
}

func TestLedger_UnknownUser_ZeroBalance(t *testing.T) {
	led, _ := newTestLedger(t)

	balance, err := led.GetBalance(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.Balance)
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestLedger_Append_RejectsZeroAmount(t *testing.T) {
	led, store := newTestLedger(t)

	_, err := led.Append(context.Background(), earnDraft("user-1", 0))
	assert.ErrorIs(t, err, ledger.ErrInvalidEntry)

	// No mutation survives a rejected append
	sums, _ := store.SumByUser(context.Background())
	assert.Empty(t, sums)
}

func TestLedger_Append_RejectsSignMismatch(t *testing.T) {
	// GIVEN: an earn draft with a negative amount
	// THEN: validation fails before any mutation

	led, _ := newTestLedger(t)

	d := earnDraft("user-1", -5)
	_, err := led.Append(context.Background(), d)
	assert.ErrorIs(t, err, ledger.ErrInvalidEntry)

	d.Kind = ledger.KindSpend
	d.Amount = 5
	_, err = led.Append(context.Background(), d)
	assert.ErrorIs(t, err, ledger.ErrInvalidEntry)
}

func TestLedger_Append_RejectsEmptyUser(t *testing.T) {
	led, _ := newTestLedger(t)

	_, err := led.Append(context.Background(), earnDraft("", 5))
	assert.ErrorIs(t, err, ledger.ErrInvalidEntry)

	var verr *ledger.ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Equal(t, "user_id", verr.Field)
}

// =============================================================================
// SPEND
// =============================================================================

func TestLedger_Spend_InsufficientBalance(t *testing.T) {
	// GIVEN: a user with 10 points
	// WHEN: spending 11
	// THEN: the spend is rejected and nothing changes

	led, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := led.Append(ctx, earnDraft("user-1", 10))
	require.NoError(t, err)

	_, err = led.Spend(ctx, "user-1", 11, "redemption-1")
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	var ierr *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, int64(10), ierr.Available)
	assert.Equal(t, int64(11), ierr.Requested)

	balance, _ := led.GetBalance(ctx, "user-1")
	assert.Equal(t, int64(10), balance.Balance)

	entries, _ := led.Entries(ctx, "user-1")
	assert.Len(t, entries, 1, "no spend entry should exist")
}

func TestLedger_Spend_ExactBalance(t *testing.T) {
	// Spending the exact balance drives it to zero, not below

	led, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := led.Append(ctx, earnDraft("user-1", 50))
	require.NoError(t, err)

	entry, err := led.Spend(ctx, "user-1", 50, "redemption-1")
	require.NoError(t, err)
	assert.Equal(t, int64(-50), entry.Amount)
	assert.Equal(t, ledger.KindSpend, entry.Kind)

	balance, _ := led.GetBalance(ctx, "user-1")
	assert.Equal(t, int64(0), balance.Balance)
}

func TestLedger_Spend_RejectsNonPositiveAmount(t *testing.T) {
	led, _ := newTestLedger(t)

	_, err := led.Spend(context.Background(), "user-1", 0, "")
	assert.ErrorIs(t, err, ledger.ErrInvalidEntry)

	_, err = led.Spend(context.Background(), "user-1", -5, "")
	assert.ErrorIs(t, err, ledger.ErrInvalidEntry)
}

// =============================================================================
// HOOKS
// =============================================================================

func TestLedger_HookError_RollsBackAppend(t *testing.T) {
	// GIVEN: a hook that vetoes every append
	// THEN: neither the entry nor the balance change survives

	led, store := newTestLedger(t)
	boom := errors.New("veto")
	led.RegisterHook(ledger.AppendHookFunc(func(ctx context.Context, s ledger.Store, e ledger.LedgerEntry) error {
		return boom
	}))

	_, err := led.Append(context.Background(), earnDraft("user-1", 10))
	assert.ErrorIs(t, err, boom)

	balance, _ := led.GetBalance(context.Background(), "user-1")
	assert.Equal(t, int64(0), balance.Balance)

	sums, _ := store.SumByUser(context.Background())
	assert.Empty(t, sums)
}

func TestLedger_Hook_SeesCommittedEntry(t *testing.T) {
	led, _ := newTestLedger(t)

	var seen []ledger.LedgerEntry
	led.RegisterHook(ledger.AppendHookFunc(func(ctx context.Context, s ledger.Store, e ledger.LedgerEntry) error {
		seen = append(seen, e)
		return nil
	}))

	_, err := led.Append(context.Background(), earnDraft("user-1", 10))
	require.NoError(t, err)

	require.Len(t, seen, 1)
	assert.Equal(t, int64(10), seen[0].Amount)
	assert.NotEmpty(t, seen[0].ID)
}

// =============================================================================
// INTEGRITY
// =============================================================================

func TestIntegrityChecker_CleanLedger(t *testing.T) {
	led, store := newTestLedger(t)
	ctx := context.Background()

	_, err := led.Append(ctx, earnDraft("user-1", 10))
	require.NoError(t, err)
	_, err = led.Append(ctx, earnDraft("user-2", 20))
	require.NoError(t, err)

	checker := &ledger.IntegrityChecker{Store: store}
	report, err := checker.Check(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.Equal(t, 2, report.UsersChecked)
}

func TestIntegrityChecker_DetectsDrift(t *testing.T) {
	// GIVEN: a balance corrupted behind the ledger's back
	// THEN: the checker reports the drift but does not correct it

	led, store := newTestLedger(t)
	ctx := context.Background()

	_, err := led.Append(ctx, earnDraft("user-1", 10))
	require.NoError(t, err)
	store.CorruptBalance("user-1", 999)

	checker := &ledger.IntegrityChecker{Store: store}
	report, err := checker.Check(ctx)
	require.NoError(t, err)

	require.Len(t, report.Discrepancies, 1)
	d := report.Discrepancies[0]
	assert.Equal(t, ledger.UserID("user-1"), d.UserID)
	assert.Equal(t, int64(10), d.LedgerSum)
	assert.Equal(t, int64(999), d.Materialized)
	assert.Equal(t, int64(989), d.Drift())

	// Never auto-corrects
	balance, _ := led.GetBalance(ctx, "user-1")
	assert.Equal(t, int64(999), balance.Balance)
}

// =============================================================================
// CLOCK
// =============================================================================

func TestLedger_WithClock_PinsCreatedAt(t *testing.T) {
	led, _ := newTestLedger(t)
	pinned := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	led.WithClock(func() time.Time { return pinned })

	entry, err := led.Append(context.Background(), earnDraft("user-1", 5))
	require.NoError(t, err)
	assert.Equal(t, pinned, entry.CreatedAt)
	assert.Equal(t, pinned, entry.OccurredAt, "occurred_at defaults to the clock")
}
