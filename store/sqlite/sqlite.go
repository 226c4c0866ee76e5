/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the engine against one
  database so a claim, its ledger entry, and the streak state it changes
  commit in a single transaction. In production, the same patterns apply
  to PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  ledger.Store / ledger.TxStore:  Entry append + materialized balances
  ledger.IntegrityStore:          Drift detection scans
  reward.ClaimStore:              Grant uniqueness claims
  streak.Store / streak.ScanStore: Per-user streak state
  activity.Store:                 Raw activity ingestion and batch scans
  catalog.Catalog:                Reward rule records
  batch.RunStore:                 Reconciliation audit records
  notify.Notifier:                Deduplicated notification outbox

APPEND-ONLY ENFORCEMENT:
  ledger_entries is never updated or deleted; corrections are new
  compensating entries. balances is mutated only through ApplyDelta,
  inside the same transaction as the entry that caused the change.

KEY UNIQUENESS:
  - reward_claims UNIQUE(user_id, namespace, name, cycle_id) is the
    idempotency witness for reward grants.
  - activities correlation_id is UNIQUE when present, making client
    retries detectable.
  - notification_requests idempotency_key is the notification dedup.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  led := ledger.New(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lumio/loyalty-engine/activity"
	"github.com/lumio/loyalty-engine/batch"
	"github.com/lumio/loyalty-engine/catalog"
	"github.com/lumio/loyalty-engine/ledger"
	"github.com/lumio/loyalty-engine/notify"
	"github.com/lumio/loyalty-engine/reward"
	"github.com/lumio/loyalty-engine/streak"
)

const timeFormat = time.RFC3339Nano

// querier is satisfied by both *sql.DB and *sql.Tx so every statement
// works inside and outside WithTx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Ledger entries (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		source TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount != 0),
		occurred_at TEXT NOT NULL,
		correlation_id TEXT,
		created_at TEXT NOT NULL
	);

	-- Hot path: per-user history reads and range scans
	CREATE INDEX IF NOT EXISTS idx_entries_user_occurred
		ON ledger_entries(user_id, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_entries_correlation
		ON ledger_entries(correlation_id) WHERE correlation_id IS NOT NULL;

	-- Materialized balances, mutated only inside the append transaction
	CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL,
		last_updated_at TEXT NOT NULL
	);

	-- CRITICAL: the grant idempotency witness. Two concurrent callers
	-- racing to grant the same achievement collide here; exactly one wins.
	CREATE TABLE IF NOT EXISTS reward_claims (
		user_id TEXT NOT NULL,
		namespace TEXT NOT NULL,
		name TEXT NOT NULL,
		cycle_id INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (user_id, namespace, name, cycle_id)
	);

	CREATE TABLE IF NOT EXISTS streak_states (
		user_id TEXT NOT NULL,
		streak_type TEXT NOT NULL,
		current_count INTEGER NOT NULL DEFAULT 0,
		best_count INTEGER NOT NULL DEFAULT 0,
		cycle_start_at TEXT,
		last_activity_at TEXT,
		active BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (user_id, streak_type)
	);

	-- For the batch expiry sweep over active streaks
	CREATE INDEX IF NOT EXISTS idx_streaks_type_count
		ON streak_states(streak_type, current_count);

	-- Raw activity (batch scan input)
	CREATE TABLE IF NOT EXISTS activities (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		action TEXT NOT NULL,
		channel TEXT,
		occurred_at TEXT NOT NULL,
		amount TEXT,
		correlation_id TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	-- Required for the reconciliation scan to stay sub-linear in history
	CREATE INDEX IF NOT EXISTS idx_activities_user_occurred
		ON activities(user_id, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_activities_action_occurred
		ON activities(action, occurred_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_activities_correlation
		ON activities(correlation_id) WHERE correlation_id IS NOT NULL AND correlation_id != '';

	-- Reward rules (the catalog)
	CREATE TABLE IF NOT EXISTS reward_rules (
		namespace TEXT NOT NULL,
		name TEXT NOT NULL,
		display_name TEXT NOT NULL,
		payout INTEGER NOT NULL,
		active BOOLEAN NOT NULL DEFAULT FALSE,
		config_json TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, name)
	);

	-- Notification outbox, deduplicated on idempotency key
	CREATE TABLE IF NOT EXISTS notification_requests (
		idempotency_key TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		body TEXT NOT NULL,
		payload_json TEXT,
		created_at TEXT NOT NULL
	);

	-- Reconciliation run audit records
	CREATE TABLE IF NOT EXISTS reconciliation_runs (
		id TEXT PRIMARY KEY,
		as_of TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		status TEXT NOT NULL DEFAULT 'running',
		users_scanned INTEGER NOT NULL DEFAULT 0,
		streaks_updated INTEGER NOT NULL DEFAULT 0,
		rewards_granted INTEGER NOT NULL DEFAULT 0,
		errors INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started
		ON reconciliation_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

// InsertEntry appends an entry to the ledger.
func (s *Store) InsertEntry(ctx context.Context, e ledger.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertEntry(ctx, s.db, e)
}

func insertEntry(ctx context.Context, q querier, e ledger.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries
		(id, user_id, kind, source, amount, occurred_at, correlation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := q.ExecContext(ctx, query,
		string(e.ID),
		string(e.UserID),
		string(e.Kind),
		e.Source,
		e.Amount,
		e.OccurredAt.UTC().Format(timeFormat),
		nullString(e.CorrelationID),
		e.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

// ApplyDelta adjusts the materialized balance, creating the row on first
// touch, and returns the new balance.
func (s *Store) ApplyDelta(ctx context.Context, user ledger.UserID, delta int64, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return applyDelta(ctx, s.db, user, delta, at)
}

func applyDelta(ctx context.Context, q querier, user ledger.UserID, delta int64, at time.Time) (int64, error) {
	query := `
		INSERT INTO balances (user_id, balance, last_updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			balance = balances.balance + excluded.balance,
			last_updated_at = excluded.last_updated_at
	`
	if _, err := q.ExecContext(ctx, query, string(user), delta, at.UTC().Format(timeFormat)); err != nil {
		return 0, fmt.Errorf("failed to apply balance delta: %w", err)
	}

	var balance int64
	err := q.QueryRowContext(ctx,
		"SELECT balance FROM balances WHERE user_id = ?", string(user),
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to read balance back: %w", err)
	}
	return balance, nil
}

// GetBalance returns the materialized balance; zero for unknown users.
func (s *Store) GetBalance(ctx context.Context, user ledger.UserID) (ledger.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBalance(ctx, s.db, user)
}

func getBalance(ctx context.Context, q querier, user ledger.UserID) (ledger.Balance, error) {
	var (
		balance   int64
		updatedAt string
	)
	err := q.QueryRowContext(ctx,
		"SELECT balance, last_updated_at FROM balances WHERE user_id = ?", string(user),
	).Scan(&balance, &updatedAt)
	if err == sql.ErrNoRows {
		return ledger.Balance{UserID: user}, nil
	}
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("failed to read balance: %w", err)
	}

	t, _ := time.Parse(timeFormat, updatedAt)
	return ledger.Balance{UserID: user, Balance: balance, LastUpdatedAt: t}, nil
}

// Entries returns all of a user's entries, oldest first.
func (s *Store) Entries(ctx context.Context, user ledger.UserID) ([]ledger.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryEntries(ctx, s.db, `
		SELECT id, user_id, kind, source, amount, occurred_at, correlation_id, created_at
		FROM ledger_entries
		WHERE user_id = ?
		ORDER BY occurred_at ASC, created_at ASC
	`, string(user))
}

// EntriesInRange returns the user's entries with occurred_at in [from, to].
func (s *Store) EntriesInRange(ctx context.Context, user ledger.UserID, from, to time.Time) ([]ledger.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryEntries(ctx, s.db, `
		SELECT id, user_id, kind, source, amount, occurred_at, correlation_id, created_at
		FROM ledger_entries
		WHERE user_id = ? AND occurred_at >= ? AND occurred_at <= ?
		ORDER BY occurred_at ASC, created_at ASC
	`, string(user), from.UTC().Format(timeFormat), to.UTC().Format(timeFormat))
}

func queryEntries(ctx context.Context, q querier, query string, args ...any) ([]ledger.LedgerEntry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.LedgerEntry
	for rows.Next() {
		var (
			e             ledger.LedgerEntry
			id, user      string
			kind          string
			occurredAt    string
			correlationID sql.NullString
			createdAt     string
		)
		if err := rows.Scan(&id, &user, &kind, &e.Source, &e.Amount, &occurredAt, &correlationID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.ID = ledger.EntryID(id)
		e.UserID = ledger.UserID(user)
		e.Kind = ledger.EntryKind(kind)
		e.OccurredAt, _ = time.Parse(timeFormat, occurredAt)
		e.CorrelationID = correlationID.String
		e.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// INTEGRITY STORE (ledger.IntegrityStore interface)
// =============================================================================

// SumByUser recomputes each user's true balance from raw entries.
func (s *Store) SumByUser(ctx context.Context) (map[ledger.UserID]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id, SUM(amount) FROM ledger_entries GROUP BY user_id",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to sum entries: %w", err)
	}
	defer rows.Close()

	sums := make(map[ledger.UserID]int64)
	for rows.Next() {
		var (
			user string
			sum  int64
		)
		if err := rows.Scan(&user, &sum); err != nil {
			return nil, err
		}
		sums[ledger.UserID(user)] = sum
	}
	return sums, rows.Err()
}

// AllBalances returns every materialized balance row.
func (s *Store) AllBalances(ctx context.Context) ([]ledger.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id, balance, last_updated_at FROM balances",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	var balances []ledger.Balance
	for rows.Next() {
		var (
			user      string
			balance   int64
			updatedAt string
		)
		if err := rows.Scan(&user, &balance, &updatedAt); err != nil {
			return nil, err
		}
		t, _ := time.Parse(timeFormat, updatedAt)
		balances = append(balances, ledger.Balance{
			UserID: ledger.UserID(user), Balance: balance, LastUpdatedAt: t,
		})
	}
	return balances, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes fn within one database transaction. The store passed
// to fn also satisfies reward.ClaimStore, streak.Store, activity.Store,
// and catalog.Catalog, so a claim, its entry, and the streak state
// update commit or roll back together.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txView{q: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txView is the inside-a-transaction view of the store. Methods do not
// take the mutex; WithTx already holds it.
type txView struct {
	q *sql.Tx
}

func (v *txView) InsertEntry(ctx context.Context, e ledger.LedgerEntry) error {
	return insertEntry(ctx, v.q, e)
}

func (v *txView) ApplyDelta(ctx context.Context, user ledger.UserID, delta int64, at time.Time) (int64, error) {
	return applyDelta(ctx, v.q, user, delta, at)
}

func (v *txView) GetBalance(ctx context.Context, user ledger.UserID) (ledger.Balance, error) {
	return getBalance(ctx, v.q, user)
}

func (v *txView) Entries(ctx context.Context, user ledger.UserID) ([]ledger.LedgerEntry, error) {
	return queryEntries(ctx, v.q, `
		SELECT id, user_id, kind, source, amount, occurred_at, correlation_id, created_at
		FROM ledger_entries
		WHERE user_id = ?
		ORDER BY occurred_at ASC, created_at ASC
	`, string(user))
}

func (v *txView) EntriesInRange(ctx context.Context, user ledger.UserID, from, to time.Time) ([]ledger.LedgerEntry, error) {
	return queryEntries(ctx, v.q, `
		SELECT id, user_id, kind, source, amount, occurred_at, correlation_id, created_at
		FROM ledger_entries
		WHERE user_id = ? AND occurred_at >= ? AND occurred_at <= ?
		ORDER BY occurred_at ASC, created_at ASC
	`, string(user), from.UTC().Format(timeFormat), to.UTC().Format(timeFormat))
}

func (v *txView) InsertClaim(ctx context.Context, c reward.Claim) error {
	return insertClaim(ctx, v.q, c)
}

func (v *txView) GetClaim(ctx context.Context, user ledger.UserID, code catalog.Code, cycle reward.CycleID) (reward.Claim, bool, error) {
	return getClaim(ctx, v.q, user, code, cycle)
}

func (v *txView) GetStreak(ctx context.Context, user ledger.UserID, streakType string) (streak.State, bool, error) {
	return getStreak(ctx, v.q, user, streakType)
}

func (v *txView) PutStreak(ctx context.Context, st streak.State) error {
	return putStreak(ctx, v.q, st)
}

func (v *txView) StreaksFor(ctx context.Context, user ledger.UserID) ([]streak.State, error) {
	return queryStreaks(ctx, v.q, `
		SELECT user_id, streak_type, current_count, best_count, cycle_start_at, last_activity_at, active
		FROM streak_states WHERE user_id = ? ORDER BY streak_type
	`, string(user))
}

func (v *txView) InsertActivity(ctx context.Context, a activity.Activity) error {
	return insertActivity(ctx, v.q, a)
}

func (v *txView) UsersActiveBetween(ctx context.Context, actions []string, from, to time.Time) ([]ledger.UserID, error) {
	return usersActiveBetween(ctx, v.q, actions, from, to)
}

func (v *txView) ActivityTimes(ctx context.Context, user ledger.UserID, actions []string, from, to time.Time) ([]time.Time, error) {
	return activityTimes(ctx, v.q, user, actions, from, to)
}

func (v *txView) Get(ctx context.Context, code catalog.Code) (catalog.RewardRule, error) {
	return getRuleStrict(ctx, v.q, code)
}

func (v *txView) GetOrCreate(ctx context.Context, code catalog.Code) (catalog.RewardRule, error) {
	return getOrCreateRule(ctx, v.q, code)
}

func (v *txView) Put(ctx context.Context, rule catalog.RewardRule) error {
	return putRule(ctx, v.q, rule)
}

func (v *txView) List(ctx context.Context) ([]catalog.RewardRule, error) {
	return listRules(ctx, v.q)
}

// =============================================================================
// CLAIM STORE (reward.ClaimStore interface)
// =============================================================================

// InsertClaim atomically claims uniqueness for (user, code, cycle).
func (s *Store) InsertClaim(ctx context.Context, c reward.Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertClaim(ctx, s.db, c)
}

func insertClaim(ctx context.Context, q querier, c reward.Claim) error {
	query := `
		INSERT INTO reward_claims (user_id, namespace, name, cycle_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := q.ExecContext(ctx, query,
		string(c.UserID), c.Code.Namespace, c.Code.Name, int64(c.Cycle),
		c.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return reward.ErrAlreadyClaimed
		}
		return fmt.Errorf("failed to insert claim: %w", err)
	}
	return nil
}

// GetClaim fetches an existing claim.
func (s *Store) GetClaim(ctx context.Context, user ledger.UserID, code catalog.Code, cycle reward.CycleID) (reward.Claim, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getClaim(ctx, s.db, user, code, cycle)
}

func getClaim(ctx context.Context, q querier, user ledger.UserID, code catalog.Code, cycle reward.CycleID) (reward.Claim, bool, error) {
	var createdAt string
	err := q.QueryRowContext(ctx, `
		SELECT created_at FROM reward_claims
		WHERE user_id = ? AND namespace = ? AND name = ? AND cycle_id = ?
	`, string(user), code.Namespace, code.Name, int64(cycle)).Scan(&createdAt)
	if err == sql.ErrNoRows {
		return reward.Claim{}, false, nil
	}
	if err != nil {
		return reward.Claim{}, false, fmt.Errorf("failed to read claim: %w", err)
	}

	t, _ := time.Parse(timeFormat, createdAt)
	return reward.Claim{UserID: user, Code: code, Cycle: cycle, CreatedAt: t}, true, nil
}

// =============================================================================
// STREAK STORE (streak.Store + streak.ScanStore interfaces)
// =============================================================================

func (s *Store) GetStreak(ctx context.Context, user ledger.UserID, streakType string) (streak.State, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getStreak(ctx, s.db, user, streakType)
}

func getStreak(ctx context.Context, q querier, user ledger.UserID, streakType string) (streak.State, bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT user_id, streak_type, current_count, best_count, cycle_start_at, last_activity_at, active
		FROM streak_states WHERE user_id = ? AND streak_type = ?
	`, string(user), streakType)

	st, err := scanStreak(row)
	if err == sql.ErrNoRows {
		return streak.State{}, false, nil
	}
	if err != nil {
		return streak.State{}, false, err
	}
	return st, true, nil
}

// PutStreak upserts one user's state for one streak type.
func (s *Store) PutStreak(ctx context.Context, st streak.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putStreak(ctx, s.db, st)
}

func putStreak(ctx context.Context, q querier, st streak.State) error {
	query := `
		INSERT INTO streak_states
		(user_id, streak_type, current_count, best_count, cycle_start_at, last_activity_at, active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, streak_type) DO UPDATE SET
			current_count = excluded.current_count,
			best_count = excluded.best_count,
			cycle_start_at = excluded.cycle_start_at,
			last_activity_at = excluded.last_activity_at,
			active = excluded.active
	`
	_, err := q.ExecContext(ctx, query,
		string(st.UserID), st.Type, st.CurrentCount, st.BestCount,
		nullTime(st.CycleStartAt), nullTime(st.LastActivityAt), st.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert streak state: %w", err)
	}
	return nil
}

func (s *Store) StreaksFor(ctx context.Context, user ledger.UserID) ([]streak.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryStreaks(ctx, s.db, `
		SELECT user_id, streak_type, current_count, best_count, cycle_start_at, last_activity_at, active
		FROM streak_states WHERE user_id = ? ORDER BY streak_type
	`, string(user))
}

// ActiveStreaks returns every state of the given type with a nonzero count.
func (s *Store) ActiveStreaks(ctx context.Context, streakType string) ([]streak.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryStreaks(ctx, s.db, `
		SELECT user_id, streak_type, current_count, best_count, cycle_start_at, last_activity_at, active
		FROM streak_states WHERE streak_type = ? AND current_count > 0
	`, streakType)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStreak(row rowScanner) (streak.State, error) {
	var (
		st             streak.State
		user           string
		cycleStartAt   sql.NullString
		lastActivityAt sql.NullString
	)
	err := row.Scan(&user, &st.Type, &st.CurrentCount, &st.BestCount, &cycleStartAt, &lastActivityAt, &st.Active)
	if err != nil {
		return streak.State{}, err
	}
	st.UserID = ledger.UserID(user)
	if cycleStartAt.Valid {
		st.CycleStartAt, _ = time.Parse(timeFormat, cycleStartAt.String)
	}
	if lastActivityAt.Valid {
		st.LastActivityAt, _ = time.Parse(timeFormat, lastActivityAt.String)
	}
	return st, nil
}

func queryStreaks(ctx context.Context, q querier, query string, args ...any) ([]streak.State, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query streak states: %w", err)
	}
	defer rows.Close()

	var states []streak.State
	for rows.Next() {
		st, err := scanStreak(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan streak state: %w", err)
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// =============================================================================
// ACTIVITY STORE (activity.Store interface)
// =============================================================================

func (s *Store) InsertActivity(ctx context.Context, a activity.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertActivity(ctx, s.db, a)
}

func insertActivity(ctx context.Context, q querier, a activity.Activity) error {
	metadataJSON, _ := json.Marshal(a.Metadata)

	query := `
		INSERT INTO activities
		(id, user_id, action, channel, occurred_at, amount, correlation_id, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var amount sql.NullString
	if !a.Amount.IsZero() {
		amount = sql.NullString{String: a.Amount.String(), Valid: true}
	}

	_, err := q.ExecContext(ctx, query,
		a.ID,
		string(a.UserID),
		a.Action,
		nullString(a.Channel),
		a.OccurredAt.UTC().Format(timeFormat),
		amount,
		nullString(a.CorrelationID),
		string(metadataJSON),
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert activity: %w", err)
	}
	return nil
}

func (s *Store) UsersActiveBetween(ctx context.Context, actions []string, from, to time.Time) ([]ledger.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return usersActiveBetween(ctx, s.db, actions, from, to)
}

func usersActiveBetween(ctx context.Context, q querier, actions []string, from, to time.Time) ([]ledger.UserID, error) {
	query := `
		SELECT DISTINCT user_id FROM activities
		WHERE occurred_at >= ? AND occurred_at <= ?
	`
	args := []any{from.UTC().Format(timeFormat), to.UTC().Format(timeFormat)}
	query, args = withActionFilter(query, args, actions)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query active users: %w", err)
	}
	defer rows.Close()

	var users []ledger.UserID
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, err
		}
		users = append(users, ledger.UserID(user))
	}
	return users, rows.Err()
}

func (s *Store) ActivityTimes(ctx context.Context, user ledger.UserID, actions []string, from, to time.Time) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return activityTimes(ctx, s.db, user, actions, from, to)
}

func activityTimes(ctx context.Context, q querier, user ledger.UserID, actions []string, from, to time.Time) ([]time.Time, error) {
	query := `
		SELECT occurred_at FROM activities
		WHERE user_id = ? AND occurred_at >= ? AND occurred_at <= ?
	`
	args := []any{string(user), from.UTC().Format(timeFormat), to.UTC().Format(timeFormat)}
	query, args = withActionFilter(query, args, actions)
	query += " ORDER BY occurred_at ASC"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity times: %w", err)
	}
	defer rows.Close()

	var times []time.Time
	for rows.Next() {
		var occurredAt string
		if err := rows.Scan(&occurredAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(timeFormat, occurredAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse activity time %q: %w", occurredAt, err)
		}
		times = append(times, t)
	}
	return times, rows.Err()
}

// withActionFilter appends "AND action IN (...)" for a non-empty list.
func withActionFilter(query string, args []any, actions []string) (string, []any) {
	if len(actions) == 0 {
		return query, args
	}
	placeholders := make([]string, len(actions))
	for i, a := range actions {
		placeholders[i] = "?"
		args = append(args, a)
	}
	return query + " AND action IN (" + strings.Join(placeholders, ", ") + ")", args
}

// =============================================================================
// REWARD RULE CATALOG (catalog.Catalog interface)
// =============================================================================

func (s *Store) Get(ctx context.Context, code catalog.Code) (catalog.RewardRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRuleStrict(ctx, s.db, code)
}

func getRuleStrict(ctx context.Context, q querier, code catalog.Code) (catalog.RewardRule, error) {
	rule, found, err := getRule(ctx, q, code)
	if err != nil {
		return catalog.RewardRule{}, err
	}
	if !found {
		return catalog.RewardRule{}, catalog.ErrRuleNotFound
	}
	return rule, nil
}

// GetOrCreate self-registers a default rule for unknown codes.
// INSERT OR IGNORE makes concurrent first callers converge on one row.
func (s *Store) GetOrCreate(ctx context.Context, code catalog.Code) (catalog.RewardRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getOrCreateRule(ctx, s.db, code)
}

func getOrCreateRule(ctx context.Context, q querier, code catalog.Code) (catalog.RewardRule, error) {
	def := catalog.DefaultRule(code)
	now := time.Now().UTC().Format(timeFormat)
	_, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO reward_rules
		(namespace, name, display_name, payout, active, config_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, NULL, ?, ?)
	`, code.Namespace, code.Name, def.DisplayName, def.Payout, def.Active, now, now)
	if err != nil {
		return catalog.RewardRule{}, fmt.Errorf("failed to register rule: %w", err)
	}
	return getRuleStrict(ctx, q, code)
}

func (s *Store) Put(ctx context.Context, rule catalog.RewardRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putRule(ctx, s.db, rule)
}

func putRule(ctx context.Context, q querier, rule catalog.RewardRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	configJSON, err := catalog.MarshalConfig(rule.Config)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(timeFormat)
	_, err = q.ExecContext(ctx, `
		INSERT INTO reward_rules
		(namespace, name, display_name, payout, active, config_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, name) DO UPDATE SET
			display_name = excluded.display_name,
			payout = excluded.payout,
			active = excluded.active,
			config_json = excluded.config_json,
			updated_at = excluded.updated_at
	`, rule.Code.Namespace, rule.Code.Name, rule.DisplayName, rule.Payout,
		rule.Active, nullString(configJSON), now, now)
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]catalog.RewardRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listRules(ctx, s.db)
}

func listRules(ctx context.Context, q querier) ([]catalog.RewardRule, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT namespace, name, display_name, payout, active, config_json
		FROM reward_rules ORDER BY namespace, name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []catalog.RewardRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func getRule(ctx context.Context, q querier, code catalog.Code) (catalog.RewardRule, bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT namespace, name, display_name, payout, active, config_json
		FROM reward_rules WHERE namespace = ? AND name = ?
	`, code.Namespace, code.Name)

	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return catalog.RewardRule{}, false, nil
	}
	if err != nil {
		return catalog.RewardRule{}, false, err
	}
	return rule, true, nil
}

func scanRule(row rowScanner) (catalog.RewardRule, error) {
	var (
		rule       catalog.RewardRule
		configJSON sql.NullString
	)
	err := row.Scan(&rule.Code.Namespace, &rule.Code.Name, &rule.DisplayName,
		&rule.Payout, &rule.Active, &configJSON)
	if err != nil {
		return catalog.RewardRule{}, err
	}
	if configJSON.Valid && configJSON.String != "" {
		cfg, err := catalog.UnmarshalConfig(configJSON.String)
		if err != nil {
			return catalog.RewardRule{}, fmt.Errorf("rule %s: %w", rule.Code, err)
		}
		rule.Config = cfg
	}
	return rule, nil
}

// =============================================================================
// NOTIFICATION OUTBOX (notify.Notifier interface)
// =============================================================================

// Request persists a notification for delivery. A repeated idempotency
// key is silently dropped.
func (s *Store) Request(ctx context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payloadJSON, _ := json.Marshal(n.Payload)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_requests
		(idempotency_key, user_id, title, body, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, n.IdempotencyKey, string(n.UserID), n.Title, n.Body,
		string(payloadJSON), time.Now().UTC().Format(timeFormat))
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil
		}
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

// PendingNotifications returns the outbox contents, oldest first. A
// delivery worker would drain this; the engine only fills it.
func (s *Store) PendingNotifications(ctx context.Context, limit int) ([]notify.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT idempotency_key, user_id, title, body, payload_json
		FROM notification_requests ORDER BY created_at ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var out []notify.Notification
	for rows.Next() {
		var (
			n           notify.Notification
			user        string
			payloadJSON sql.NullString
		)
		if err := rows.Scan(&n.IdempotencyKey, &user, &n.Title, &n.Body, &payloadJSON); err != nil {
			return nil, err
		}
		n.UserID = ledger.UserID(user)
		if payloadJSON.Valid && payloadJSON.String != "" {
			json.Unmarshal([]byte(payloadJSON.String), &n.Payload)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// =============================================================================
// RECONCILIATION RUNS (batch.RunStore interface)
// =============================================================================

func (s *Store) InsertRun(ctx context.Context, r batch.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_runs
		(id, as_of, started_at, finished_at, status, users_scanned, streaks_updated, rewards_granted, errors)
		VALUES (?, ?, ?, NULL, ?, 0, 0, 0, 0)
	`, r.ID, r.AsOf.UTC().Format(timeFormat), r.StartedAt.UTC().Format(timeFormat), r.Status)
	if err != nil {
		return fmt.Errorf("failed to insert reconciliation run: %w", err)
	}
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, r batch.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE reconciliation_runs SET
			finished_at = ?,
			status = ?,
			users_scanned = ?,
			streaks_updated = ?,
			rewards_granted = ?,
			errors = ?
		WHERE id = ?
	`, nullTime(r.FinishedAt), r.Status,
		r.Summary.UsersScanned, r.Summary.StreaksUpdated,
		r.Summary.RewardsGranted, r.Summary.Errors, r.ID)
	if err != nil {
		return fmt.Errorf("failed to update reconciliation run: %w", err)
	}
	return nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]batch.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, as_of, started_at, finished_at, status,
			users_scanned, streaks_updated, rewards_granted, errors
		FROM reconciliation_runs
		ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliation runs: %w", err)
	}
	defer rows.Close()

	var runs []batch.Run
	for rows.Next() {
		var (
			r          batch.Run
			asOf       string
			startedAt  string
			finishedAt sql.NullString
		)
		if err := rows.Scan(&r.ID, &asOf, &startedAt, &finishedAt, &r.Status,
			&r.Summary.UsersScanned, &r.Summary.StreaksUpdated,
			&r.Summary.RewardsGranted, &r.Summary.Errors); err != nil {
			return nil, err
		}
		r.AsOf, _ = time.Parse(timeFormat, asOf)
		r.StartedAt, _ = time.Parse(timeFormat, startedAt)
		if finishedAt.Valid {
			r.FinishedAt, _ = time.Parse(timeFormat, finishedAt.String)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeFormat), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
