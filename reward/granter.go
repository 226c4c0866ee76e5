/*
granter.go - Idempotent reward granting

PURPOSE:
  Grant ensures exactly one ledger entry (and at most one notification) per
  achievement instance, under concurrent and retried calls. The claim and
  the earn entry are written in the same storage transaction: if the append
  fails the claim rolls back with it, so a genuine retry can succeed later.

CALLERS:
  - the streak tracker, when an incremental update completes a cycle
  - the reconciliation batch, when it detects a completed-but-unpaid cycle
  Both may race for the same (user, code, cycle); the claim guarantees at
  most one winner, and the loser's AlreadyGranted is a cheap no-op.

NOTIFICATION:
  Requested after the grant commits, never inside the transaction. A failed
  notification is logged and dropped - points are the authoritative outcome.
*/
package reward

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lumio/loyalty-engine/catalog"
	"github.com/lumio/loyalty-engine/ledger"
	"github.com/lumio/loyalty-engine/metrics"
	"github.com/lumio/loyalty-engine/notify"
)

// =============================================================================
// OUTCOME
// =============================================================================

// Outcome classifies a grant attempt.
type Outcome string

const (
	// Granted: this call won the claim and appended the earn entry.
	Granted Outcome = "granted"
	// AlreadyGranted: another call already paid this instance. Normal,
	// expected, and distinguishable so callers can suppress duplicate
	// celebration UI.
	AlreadyGranted Outcome = "already_granted"
	// Rejected: the rule refuses the grant (e.g. deactivated mechanic).
	Rejected Outcome = "rejected"
)

// Result describes the outcome of one Grant call.
type Result struct {
	Outcome Outcome
	Rule    catalog.RewardRule

	// Entry is set only when Outcome == Granted and the payout is nonzero.
	Entry ledger.LedgerEntry

	// ClaimedAt is when the claim was created - by this call for Granted,
	// by the earlier winner for AlreadyGranted. Zero for Rejected.
	ClaimedAt time.Time

	// Reason is set for Rejected.
	Reason string
}

// =============================================================================
// GRANTER
// =============================================================================

// Granter performs idempotent reward grants against a shared store.
type Granter struct {
	store    ledger.TxStore
	ledger   *ledger.Ledger
	catalog  catalog.Catalog
	notifier notify.Notifier
	now      func() time.Time
}

func NewGranter(store ledger.TxStore, led *ledger.Ledger, cat catalog.Catalog, notifier notify.Notifier) *Granter {
	return &Granter{
		store:    store,
		ledger:   led,
		catalog:  cat,
		notifier: notifier,
		now:      time.Now,
	}
}

// WithClock overrides the wall clock, for tests.
func (g *Granter) WithClock(now func() time.Time) *Granter {
	g.now = now
	return g
}

// Grant runs the full grant protocol in its own transaction and, on a
// fresh grant, requests the notification after commit.
func (g *Granter) Grant(ctx context.Context, user ledger.UserID, code catalog.Code, cycle CycleID) (Result, error) {
	var res Result
	err := g.store.WithTx(ctx, func(s ledger.Store) error {
		var err error
		res, err = g.GrantIn(ctx, s, user, code, cycle)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	if res.Outcome == Granted {
		g.NotifyGranted(ctx, user, cycle, res)
	}
	return res, nil
}

// GrantIn performs the grant protocol against an existing transactional
// view, so a caller (streak tracker, batch) can commit the claim, the earn
// entry and its own state change as one unit. The caller is responsible
// for invoking NotifyGranted after its transaction commits.
func (g *Granter) GrantIn(ctx context.Context, s ledger.Store, user ledger.UserID, code catalog.Code, cycle CycleID) (Result, error) {
	if user == "" {
		return Result{}, &ledger.ValidationError{Field: "user_id", Message: "must not be empty"}
	}
	if code.IsZero() {
		return Result{}, &ledger.ValidationError{Field: "code", Message: "must not be empty"}
	}

	// 1. Resolve the rule, self-registering a default if absent. Prefer
	// the transactional view's catalog so the read and a possible
	// self-registration share the caller's transaction.
	cat := g.catalog
	if c, ok := s.(catalog.Catalog); ok {
		cat = c
	}
	rule, err := cat.GetOrCreate(ctx, code)
	if err != nil {
		return Result{}, fmt.Errorf("resolve rule %s: %w", code, err)
	}
	if !rule.Active {
		metrics.Grants.WithLabelValues(string(Rejected)).Inc()
		return Result{
			Outcome: Rejected,
			Rule:    rule,
			Reason:  fmt.Sprintf("rule %s is not active", code),
		}, nil
	}

	cs, ok := s.(ClaimStore)
	if !ok {
		return Result{}, ledger.ErrStoreRequired
	}

	// 2. Atomically claim uniqueness for (user, code, cycle).
	claim := Claim{UserID: user, Code: code, Cycle: cycle, CreatedAt: g.now().UTC()}
	if err := cs.InsertClaim(ctx, claim); err != nil {
		if errors.Is(err, ErrAlreadyClaimed) {
			existing, found, gerr := cs.GetClaim(ctx, user, code, cycle)
			if gerr != nil {
				return Result{}, gerr
			}
			res := Result{Outcome: AlreadyGranted, Rule: rule}
			if found {
				res.ClaimedAt = existing.CreatedAt
			}
			metrics.Grants.WithLabelValues(string(AlreadyGranted)).Inc()
			return res, nil
		}
		return Result{}, fmt.Errorf("claim %s cycle %d: %w", code, cycle, err)
	}

	// 3. Append the earn entry in the same transaction as the claim.
	// A zero-payout rule consumes the cycle without a ledger entry; the
	// ledger rejects zero amounts and there is nothing to pay.
	res := Result{Outcome: Granted, Rule: rule, ClaimedAt: claim.CreatedAt}
	if rule.Payout > 0 {
		entry, err := g.ledger.AppendIn(ctx, s, ledger.EntryDraft{
			UserID: user,
			Kind:   ledger.KindEarn,
			Source: code.String(),
			Amount: rule.Payout,
		})
		if err != nil {
			return Result{}, err
		}
		res.Entry = entry
	}
	metrics.Grants.WithLabelValues(string(Granted)).Inc()
	return res, nil
}

// NotifyGranted requests the deduplicated achievement notification.
// Fire-and-forget: failures are logged, never propagated, because the
// committed grant must stand regardless.
func (g *Granter) NotifyGranted(ctx context.Context, user ledger.UserID, cycle CycleID, res Result) {
	if g.notifier == nil || res.Outcome != Granted || res.Rule.Payout == 0 {
		return
	}
	n := notify.Notification{
		UserID:         user,
		Title:          res.Rule.DisplayName,
		Body:           fmt.Sprintf("You earned %d points!", res.Rule.Payout),
		IdempotencyKey: GrantIdempotencyKey(user, res.Rule.Code, cycle),
		Payload: map[string]string{
			"code":   res.Rule.Code.String(),
			"payout": fmt.Sprintf("%d", res.Rule.Payout),
		},
	}
	if err := g.notifier.Request(ctx, n); err != nil {
		log.Printf("[Granter] notification request failed for %s %s: %v", user, res.Rule.Code, err)
	}
}

// GrantIdempotencyKey derives the notification dedup key from the same
// triple that keys the claim.
func GrantIdempotencyKey(user ledger.UserID, code catalog.Code, cycle CycleID) string {
	return fmt.Sprintf("grant:%s:%s:%d", user, code, cycle)
}
