/*
Package memory provides an in-memory implementation of the storage
interfaces for tests.

PURPOSE:
  Mirrors the sqlite store's behavior, including the capability
  interfaces exposed inside WithTx, without touching disk. Rollback is
  snapshot-based: WithTx copies the whole state up front and restores it
  when fn fails, which is fine at test scale.
*/
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lumio/loyalty-engine/activity"
	"github.com/lumio/loyalty-engine/batch"
	"github.com/lumio/loyalty-engine/catalog"
	"github.com/lumio/loyalty-engine/ledger"
	"github.com/lumio/loyalty-engine/reward"
	"github.com/lumio/loyalty-engine/streak"
)

type claimKey struct {
	user      ledger.UserID
	namespace string
	name      string
	cycle     reward.CycleID
}

type streakKey struct {
	user       ledger.UserID
	streakType string
}

type state struct {
	entries      []ledger.LedgerEntry
	balances     map[ledger.UserID]ledger.Balance
	claims       map[claimKey]reward.Claim
	streaks      map[streakKey]streak.State
	activities   []activity.Activity
	correlations map[string]bool
	runs         []batch.Run
}

func newState() *state {
	return &state{
		balances:     make(map[ledger.UserID]ledger.Balance),
		claims:       make(map[claimKey]reward.Claim),
		streaks:      make(map[streakKey]streak.State),
		correlations: make(map[string]bool),
	}
}

func (s *state) clone() *state {
	c := &state{
		entries:      append([]ledger.LedgerEntry(nil), s.entries...),
		balances:     make(map[ledger.UserID]ledger.Balance, len(s.balances)),
		claims:       make(map[claimKey]reward.Claim, len(s.claims)),
		streaks:      make(map[streakKey]streak.State, len(s.streaks)),
		activities:   append([]activity.Activity(nil), s.activities...),
		correlations: make(map[string]bool, len(s.correlations)),
		runs:         append([]batch.Run(nil), s.runs...),
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.claims {
		c.claims[k] = v
	}
	for k, v := range s.streaks {
		c.streaks[k] = v
	}
	for k, v := range s.correlations {
		c.correlations[k] = v
	}
	return c
}

// Store is the in-memory store. The zero value is not usable; call New.
type Store struct {
	mu sync.Mutex
	st *state
}

func New() *Store {
	return &Store{st: newState()}
}

// =============================================================================
// LEDGER STORE
// =============================================================================

func (s *Store) InsertEntry(ctx context.Context, e ledger.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.insertEntry(e)
}

func (st *state) insertEntry(e ledger.LedgerEntry) error {
	st.entries = append(st.entries, e)
	return nil
}

func (s *Store) ApplyDelta(ctx context.Context, user ledger.UserID, delta int64, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.applyDelta(user, delta, at)
}

func (st *state) applyDelta(user ledger.UserID, delta int64, at time.Time) (int64, error) {
	b := st.balances[user]
	b.UserID = user
	b.Balance += delta
	b.LastUpdatedAt = at
	st.balances[user] = b
	return b.Balance, nil
}

func (s *Store) GetBalance(ctx context.Context, user ledger.UserID) (ledger.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getBalance(user)
}

func (st *state) getBalance(user ledger.UserID) (ledger.Balance, error) {
	if b, ok := st.balances[user]; ok {
		return b, nil
	}
	return ledger.Balance{UserID: user}, nil
}

func (s *Store) Entries(ctx context.Context, user ledger.UserID) ([]ledger.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.entriesFor(user, time.Time{}, time.Time{})
}

func (s *Store) EntriesInRange(ctx context.Context, user ledger.UserID, from, to time.Time) ([]ledger.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.entriesFor(user, from, to)
}

func (st *state) entriesFor(user ledger.UserID, from, to time.Time) ([]ledger.LedgerEntry, error) {
	var out []ledger.LedgerEntry
	for _, e := range st.entries {
		if e.UserID != user {
			continue
		}
		if !from.IsZero() && e.OccurredAt.Before(from) {
			continue
		}
		if !to.IsZero() && e.OccurredAt.After(to) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// =============================================================================
// INTEGRITY STORE
// =============================================================================

func (s *Store) SumByUser(ctx context.Context) (map[ledger.UserID]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sums := make(map[ledger.UserID]int64)
	for _, e := range s.st.entries {
		sums[e.UserID] += e.Amount
	}
	return sums, nil
}

func (s *Store) AllBalances(ctx context.Context) ([]ledger.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ledger.Balance, 0, len(s.st.balances))
	for _, b := range s.st.balances {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// CorruptBalance overwrites a materialized balance without touching the
// ledger. Test hook for drift detection.
func (s *Store) CorruptBalance(user ledger.UserID, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.st.balances[user]
	b.UserID = user
	b.Balance = balance
	s.st.balances[user] = b
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx runs fn against the live state and restores a snapshot if fn
// fails. The view passed to fn also satisfies reward.ClaimStore,
// streak.Store, and activity.Store.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(&txView{st: s.st}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

type txView struct {
	st *state
}

func (v *txView) InsertEntry(ctx context.Context, e ledger.LedgerEntry) error {
	return v.st.insertEntry(e)
}

func (v *txView) ApplyDelta(ctx context.Context, user ledger.UserID, delta int64, at time.Time) (int64, error) {
	return v.st.applyDelta(user, delta, at)
}

func (v *txView) GetBalance(ctx context.Context, user ledger.UserID) (ledger.Balance, error) {
	return v.st.getBalance(user)
}

func (v *txView) Entries(ctx context.Context, user ledger.UserID) ([]ledger.LedgerEntry, error) {
	return v.st.entriesFor(user, time.Time{}, time.Time{})
}

func (v *txView) EntriesInRange(ctx context.Context, user ledger.UserID, from, to time.Time) ([]ledger.LedgerEntry, error) {
	return v.st.entriesFor(user, from, to)
}

func (v *txView) InsertClaim(ctx context.Context, c reward.Claim) error {
	return v.st.insertClaim(c)
}

func (v *txView) GetClaim(ctx context.Context, user ledger.UserID, code catalog.Code, cycle reward.CycleID) (reward.Claim, bool, error) {
	return v.st.getClaim(user, code, cycle)
}

func (v *txView) GetStreak(ctx context.Context, user ledger.UserID, streakType string) (streak.State, bool, error) {
	return v.st.getStreak(user, streakType)
}

func (v *txView) PutStreak(ctx context.Context, st streak.State) error {
	return v.st.putStreak(st)
}

func (v *txView) StreaksFor(ctx context.Context, user ledger.UserID) ([]streak.State, error) {
	return v.st.streaksFor(user)
}

func (v *txView) InsertActivity(ctx context.Context, a activity.Activity) error {
	return v.st.insertActivity(a)
}

func (v *txView) UsersActiveBetween(ctx context.Context, actions []string, from, to time.Time) ([]ledger.UserID, error) {
	return v.st.usersActiveBetween(actions, from, to)
}

func (v *txView) ActivityTimes(ctx context.Context, user ledger.UserID, actions []string, from, to time.Time) ([]time.Time, error) {
	return v.st.activityTimes(user, actions, from, to)
}

// =============================================================================
// CLAIM STORE
// =============================================================================

func (s *Store) InsertClaim(ctx context.Context, c reward.Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.insertClaim(c)
}

func (st *state) insertClaim(c reward.Claim) error {
	k := claimKey{c.UserID, c.Code.Namespace, c.Code.Name, c.Cycle}
	if _, exists := st.claims[k]; exists {
		return reward.ErrAlreadyClaimed
	}
	st.claims[k] = c
	return nil
}

func (s *Store) GetClaim(ctx context.Context, user ledger.UserID, code catalog.Code, cycle reward.CycleID) (reward.Claim, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getClaim(user, code, cycle)
}

func (st *state) getClaim(user ledger.UserID, code catalog.Code, cycle reward.CycleID) (reward.Claim, bool, error) {
	c, ok := st.claims[claimKey{user, code.Namespace, code.Name, cycle}]
	return c, ok, nil
}

// =============================================================================
// STREAK STORE
// =============================================================================

func (s *Store) GetStreak(ctx context.Context, user ledger.UserID, streakType string) (streak.State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getStreak(user, streakType)
}

func (st *state) getStreak(user ledger.UserID, streakType string) (streak.State, bool, error) {
	v, ok := st.streaks[streakKey{user, streakType}]
	return v, ok, nil
}

func (s *Store) PutStreak(ctx context.Context, v streak.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.putStreak(v)
}

func (st *state) putStreak(v streak.State) error {
	st.streaks[streakKey{v.UserID, v.Type}] = v
	return nil
}

func (s *Store) StreaksFor(ctx context.Context, user ledger.UserID) ([]streak.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.streaksFor(user)
}

func (st *state) streaksFor(user ledger.UserID) ([]streak.State, error) {
	var out []streak.State
	for k, v := range st.streaks {
		if k.user == user {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

func (s *Store) ActiveStreaks(ctx context.Context, streakType string) ([]streak.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []streak.State
	for k, v := range s.st.streaks {
		if k.streakType == streakType && v.CurrentCount > 0 {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// =============================================================================
// ACTIVITY STORE
// =============================================================================

func (s *Store) InsertActivity(ctx context.Context, a activity.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.insertActivity(a)
}

func (st *state) insertActivity(a activity.Activity) error {
	if a.CorrelationID != "" {
		if st.correlations[a.CorrelationID] {
			return ledger.ErrDuplicateIdempotencyKey
		}
		st.correlations[a.CorrelationID] = true
	}
	st.activities = append(st.activities, a)
	return nil
}

func (s *Store) UsersActiveBetween(ctx context.Context, actions []string, from, to time.Time) ([]ledger.UserID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.usersActiveBetween(actions, from, to)
}

func (st *state) usersActiveBetween(actions []string, from, to time.Time) ([]ledger.UserID, error) {
	seen := make(map[ledger.UserID]bool)
	var out []ledger.UserID
	for _, a := range st.activities {
		if !matches(a, actions, "", from, to) || seen[a.UserID] {
			continue
		}
		seen[a.UserID] = true
		out = append(out, a.UserID)
	}
	return out, nil
}

func (s *Store) ActivityTimes(ctx context.Context, user ledger.UserID, actions []string, from, to time.Time) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.activityTimes(user, actions, from, to)
}

func (st *state) activityTimes(user ledger.UserID, actions []string, from, to time.Time) ([]time.Time, error) {
	var out []time.Time
	for _, a := range st.activities {
		if !matches(a, actions, user, from, to) {
			continue
		}
		out = append(out, a.OccurredAt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func matches(a activity.Activity, actions []string, user ledger.UserID, from, to time.Time) bool {
	if user != "" && a.UserID != user {
		return false
	}
	if a.OccurredAt.Before(from) || a.OccurredAt.After(to) {
		return false
	}
	if len(actions) == 0 {
		return true
	}
	for _, act := range actions {
		if a.Action == act {
			return true
		}
	}
	return false
}

// =============================================================================
// RECONCILIATION RUNS
// =============================================================================

func (s *Store) InsertRun(ctx context.Context, r batch.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.runs = append(s.st.runs, r)
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, r batch.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.st.runs {
		if s.st.runs[i].ID == r.ID {
			s.st.runs[i] = r
			return nil
		}
	}
	s.st.runs = append(s.st.runs, r)
	return nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]batch.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := append([]batch.Run(nil), s.st.runs...)
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
