/*
Package activity models the raw engagement events this engine consumes:
logins, invoice uploads, survey completions. The ingestion pipeline
produces these rows; the engine treats them as read-mostly input (the
track endpoint appends, the reconciliation batch only reads).

VALIDATION:
  Action and channel codes are closed sets, and metadata must stay small.
  Rejecting unknown codes at the edge keeps the streak and earn rules from
  silently ignoring misspelled actions.
*/
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lumio/loyalty-engine/ledger"
)

// =============================================================================
// ACTION AND CHANNEL CODES
// =============================================================================

const (
	ActionDailyLogin       = "daily_login"
	ActionInvoiceUpload    = "invoice_upload"
	ActionSurveyComplete   = "survey_complete"
	ActionReferralComplete = "referral_complete"
	ActionProfileComplete  = "profile_complete"
	ActionFirstRedemption  = "first_redemption"
)

// ValidActions is the closed set of trackable actions.
var ValidActions = []string{
	ActionDailyLogin,
	ActionInvoiceUpload,
	ActionSurveyComplete,
	ActionReferralComplete,
	ActionProfileComplete,
	ActionFirstRedemption,
}

// ValidChannels is the closed set of client channels.
var ValidChannels = []string{"mobile_app", "whatsapp", "web_app", "telegram", "api"}

// MaxMetadataSize bounds the serialized metadata (10KB).
const MaxMetadataSize = 10 * 1024

// =============================================================================
// ACTIVITY
// =============================================================================

// Activity is one raw engagement event.
type Activity struct {
	ID     string
	UserID ledger.UserID
	Action string
	// Channel records where the event came from, e.g. "mobile_app".
	Channel    string
	OccurredAt time.Time

	// Amount carries the monetary total for invoice uploads; zero otherwise.
	// Decimal because invoice totals are currency, not points.
	Amount decimal.Decimal

	// CorrelationID links to the external object (invoice CUFE, survey id).
	CorrelationID string

	Metadata map[string]string
}

// Validate checks the closed-set and size constraints.
func (a Activity) Validate() error {
	if a.UserID == "" {
		return &ledger.ValidationError{Field: "user_id", Message: "must not be empty"}
	}
	if !contains(ValidActions, a.Action) {
		return &ledger.ValidationError{
			Field:   "action",
			Message: fmt.Sprintf("invalid action %q, valid actions: %v", a.Action, ValidActions),
		}
	}
	if a.Channel != "" && !contains(ValidChannels, a.Channel) {
		return &ledger.ValidationError{
			Field:   "channel",
			Message: fmt.Sprintf("invalid channel %q, valid channels: %v", a.Channel, ValidChannels),
		}
	}
	if a.Amount.IsNegative() {
		return &ledger.ValidationError{Field: "amount", Message: "must not be negative"}
	}
	if len(a.Metadata) > 0 {
		b, err := json.Marshal(a.Metadata)
		if err != nil {
			return &ledger.ValidationError{Field: "metadata", Message: "not serializable"}
		}
		if len(b) > MaxMetadataSize {
			return &ledger.ValidationError{
				Field:   "metadata",
				Message: fmt.Sprintf("too large (%d bytes), maximum %d", len(b), MaxMetadataSize),
			}
		}
	}
	return nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// =============================================================================
// STORE
// =============================================================================

// Store persists and scans raw activity. The batch scan depends on an
// index over (user_id, occurred_at) to stay sub-linear in total history.
type Store interface {
	// InsertActivity appends one raw event. A non-empty CorrelationID
	// is unique across activities; a duplicate returns
	// ledger.ErrDuplicateIdempotencyKey so retries are detectable.
	InsertActivity(ctx context.Context, a Activity) error

	// UsersActiveBetween returns the users with at least one matching
	// activity in [from, to]. Empty actions matches every action.
	UsersActiveBetween(ctx context.Context, actions []string, from, to time.Time) ([]ledger.UserID, error)

	// ActivityTimes returns the occurred-at instants of a user's matching
	// activity in [from, to], ascending.
	ActivityTimes(ctx context.Context, user ledger.UserID, actions []string, from, to time.Time) ([]time.Time, error)
}
