/*
rules.go - Earn rules

PURPOSE:
  Maps a raw activity to the number of points it earns. Invoice uploads
  scale with the invoice total; everything else pays a flat amount. The
  invoice arithmetic stays in decimal until the final floor so cent
  values never round through binary floats.
*/
package rules

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/lumio/loyalty-engine/activity"
)

// EarnRule computes the points earned by one activity.
type EarnRule interface {
	// Points returns the earn amount, always >= 0. Zero means the
	// activity earns nothing and no ledger entry is written.
	Points(a activity.Activity) (int64, error)
}

// =============================================================================
// INVOICE AMOUNT
// =============================================================================

// InvoiceAmountRule pays floor(total / Divisor) + Bonus, capped.
type InvoiceAmountRule struct {
	Divisor decimal.Decimal
	Bonus   int64
	// Cap bounds a single invoice's earn; zero disables the cap.
	Cap int64
}

// DefaultInvoiceRule is the production configuration: one point per ten
// currency units plus a flat one for uploading at all.
func DefaultInvoiceRule() InvoiceAmountRule {
	return InvoiceAmountRule{Divisor: decimal.NewFromInt(10), Bonus: 1}
}

func (r InvoiceAmountRule) Points(a activity.Activity) (int64, error) {
	if r.Divisor.Sign() <= 0 {
		return 0, fmt.Errorf("invoice rule: non-positive divisor %s", r.Divisor)
	}
	if a.Amount.Sign() < 0 {
		return 0, fmt.Errorf("invoice rule: negative amount %s", a.Amount)
	}
	pts := a.Amount.Div(r.Divisor).Floor().IntPart() + r.Bonus
	if pts < 0 {
		pts = 0
	}
	if r.Cap > 0 && pts > r.Cap {
		pts = r.Cap
	}
	return pts, nil
}

// =============================================================================
// FIXED
// =============================================================================

// FixedRule pays the same amount for every matching activity.
type FixedRule struct {
	Amount int64
}

func (r FixedRule) Points(activity.Activity) (int64, error) {
	if r.Amount < 0 {
		return 0, fmt.Errorf("fixed rule: negative amount %d", r.Amount)
	}
	return r.Amount, nil
}

// =============================================================================
// RULE SET
// =============================================================================

// Set resolves the earn rule for an action. Unknown actions earn zero.
type Set struct {
	rules map[string]EarnRule
}

// DefaultSet mirrors the production payout table.
func DefaultSet() *Set {
	return &Set{rules: map[string]EarnRule{
		activity.ActionInvoiceUpload:    DefaultInvoiceRule(),
		activity.ActionDailyLogin:       FixedRule{Amount: 5},
		activity.ActionSurveyComplete:   FixedRule{Amount: 20},
		activity.ActionReferralComplete: FixedRule{Amount: 50},
		activity.ActionProfileComplete:  FixedRule{Amount: 15},
		activity.ActionFirstRedemption:  FixedRule{Amount: 10},
	}}
}

// NewSet builds an empty rule set.
func NewSet() *Set {
	return &Set{rules: make(map[string]EarnRule)}
}

// Put registers (or replaces) the rule for an action.
func (s *Set) Put(action string, r EarnRule) {
	s.rules[action] = r
}

// Points computes the earn for one activity; zero for unknown actions.
func (s *Set) Points(a activity.Activity) (int64, error) {
	r, ok := s.rules[a.Action]
	if !ok {
		return 0, nil
	}
	return r.Points(a)
}
