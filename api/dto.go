/*
dto.go - Request/response data structures

PURPOSE:
  JSON shapes for the HTTP API, kept separate from domain types so wire
  compatibility does not constrain the engine's internals.

CONVENTIONS:
  - Timestamps: RFC3339 strings
  - Points: integers
  - Monetary amounts: decimal strings ("10435.50"), never floats
*/
package api

import (
	"time"

	"github.com/lumio/loyalty-engine/batch"
	"github.com/lumio/loyalty-engine/catalog"
	"github.com/lumio/loyalty-engine/engine"
	"github.com/lumio/loyalty-engine/ledger"
	"github.com/lumio/loyalty-engine/streak"
)

// =============================================================================
// REQUESTS
// =============================================================================

// TrackRequest records one engagement event.
type TrackRequest struct {
	UserID  string `json:"user_id"`
	Action  string `json:"action"`
	Channel string `json:"channel,omitempty"`
	// OccurredAt defaults to now when omitted.
	OccurredAt string `json:"occurred_at,omitempty"`
	// Amount is the invoice total as a decimal string; only meaningful
	// for invoice_upload.
	Amount        string            `json:"amount,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// RedeemRequest spends points against a redemption.
type RedeemRequest struct {
	UserID        string `json:"user_id"`
	Amount        int64  `json:"amount"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ReconcileRequest triggers a batch run. AsOf defaults to now.
type ReconcileRequest struct {
	AsOf string `json:"as_of,omitempty"`
}

// RuleRequest creates or updates a reward rule.
type RuleRequest struct {
	Code        string `json:"code"`
	DisplayName string `json:"display_name"`
	Payout      int64  `json:"payout"`
	Active      bool   `json:"active"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type BalanceDTO struct {
	UserID        string `json:"user_id"`
	Balance       int64  `json:"balance"`
	LastUpdatedAt string `json:"last_updated_at,omitempty"`
}

type EntryDTO struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	Source        string `json:"source"`
	Amount        int64  `json:"amount"`
	OccurredAt    string `json:"occurred_at"`
	CorrelationID string `json:"correlation_id,omitempty"`
	CreatedAt     string `json:"created_at"`
}

type StreakDTO struct {
	Type           string `json:"type"`
	CurrentCount   int    `json:"current_count"`
	BestCount      int    `json:"best_count"`
	CycleStartAt   string `json:"cycle_start_at,omitempty"`
	LastActivityAt string `json:"last_activity_at,omitempty"`
	Active         bool   `json:"active"`
}

type StreakDeltaDTO struct {
	Type      string `json:"type"`
	Previous  int    `json:"previous"`
	Current   int    `json:"current"`
	Completed bool   `json:"completed"`
}

type AchievementDTO struct {
	Code        string `json:"code"`
	DisplayName string `json:"display_name"`
	Payout      int64  `json:"payout"`
}

type TrackResponse struct {
	PointsEarned int64            `json:"points_earned"`
	Balance      int64            `json:"balance"`
	Duplicate    bool             `json:"duplicate"`
	Streaks      []StreakDeltaDTO `json:"streaks"`
	// Achievements lists freshly unlocked rewards only; repeats are
	// suppressed so clients do not re-celebrate.
	Achievements []AchievementDTO `json:"achievements_unlocked"`
}

type SummaryDTO struct {
	UsersScanned   int `json:"users_scanned"`
	StreaksUpdated int `json:"streaks_updated"`
	RewardsGranted int `json:"rewards_granted"`
	Errors         int `json:"errors"`
}

type RunDTO struct {
	ID         string     `json:"id"`
	AsOf       string     `json:"as_of"`
	StartedAt  string     `json:"started_at"`
	FinishedAt string     `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Summary    SummaryDTO `json:"summary"`
}

type DiscrepancyDTO struct {
	UserID       string `json:"user_id"`
	LedgerSum    int64  `json:"ledger_sum"`
	Materialized int64  `json:"materialized"`
	Drift        int64  `json:"drift"`
}

type IntegrityDTO struct {
	UsersChecked  int              `json:"users_checked"`
	Clean         bool             `json:"clean"`
	Discrepancies []DiscrepancyDTO `json:"discrepancies"`
}

type RuleDTO struct {
	Code        string `json:"code"`
	DisplayName string `json:"display_name"`
	Payout      int64  `json:"payout"`
	Active      bool   `json:"active"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toBalanceDTO(b ledger.Balance) BalanceDTO {
	dto := BalanceDTO{UserID: string(b.UserID), Balance: b.Balance}
	if !b.LastUpdatedAt.IsZero() {
		dto.LastUpdatedAt = b.LastUpdatedAt.Format(time.RFC3339)
	}
	return dto
}

func toEntryDTOs(entries []ledger.LedgerEntry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = EntryDTO{
			ID:            string(e.ID),
			Kind:          string(e.Kind),
			Source:        e.Source,
			Amount:        e.Amount,
			OccurredAt:    e.OccurredAt.Format(time.RFC3339),
			CorrelationID: e.CorrelationID,
			CreatedAt:     e.CreatedAt.Format(time.RFC3339),
		}
	}
	return dtos
}

func toStreakDTOs(states []streak.State) []StreakDTO {
	dtos := make([]StreakDTO, len(states))
	for i, s := range states {
		dtos[i] = StreakDTO{
			Type:         s.Type,
			CurrentCount: s.CurrentCount,
			BestCount:    s.BestCount,
			Active:       s.Active,
		}
		if !s.CycleStartAt.IsZero() {
			dtos[i].CycleStartAt = s.CycleStartAt.Format(time.RFC3339)
		}
		if !s.LastActivityAt.IsZero() {
			dtos[i].LastActivityAt = s.LastActivityAt.Format(time.RFC3339)
		}
	}
	return dtos
}

func toTrackResponse(res engine.TrackResult) TrackResponse {
	out := TrackResponse{
		PointsEarned: res.PointsEarned,
		Balance:      res.Balance,
		Duplicate:    res.Duplicate,
		Streaks:      make([]StreakDeltaDTO, len(res.Streaks)),
		Achievements: []AchievementDTO{},
	}
	for i, d := range res.Streaks {
		out.Streaks[i] = StreakDeltaDTO{
			Type:      d.Type,
			Previous:  d.Previous,
			Current:   d.Current,
			Completed: d.Completed,
		}
	}
	for _, rule := range res.Achievements {
		out.Achievements = append(out.Achievements, AchievementDTO{
			Code:        rule.Code.String(),
			DisplayName: rule.DisplayName,
			Payout:      rule.Payout,
		})
	}
	return out
}

func toSummaryDTO(s batch.Summary) SummaryDTO {
	return SummaryDTO{
		UsersScanned:   s.UsersScanned,
		StreaksUpdated: s.StreaksUpdated,
		RewardsGranted: s.RewardsGranted,
		Errors:         s.Errors,
	}
}

func toRunDTOs(runs []batch.Run) []RunDTO {
	dtos := make([]RunDTO, len(runs))
	for i, r := range runs {
		dtos[i] = RunDTO{
			ID:        r.ID,
			AsOf:      r.AsOf.Format(time.RFC3339),
			StartedAt: r.StartedAt.Format(time.RFC3339),
			Status:    r.Status,
			Summary:   toSummaryDTO(r.Summary),
		}
		if !r.FinishedAt.IsZero() {
			dtos[i].FinishedAt = r.FinishedAt.Format(time.RFC3339)
		}
	}
	return dtos
}

func toIntegrityDTO(rep ledger.IntegrityReport) IntegrityDTO {
	dto := IntegrityDTO{
		UsersChecked:  rep.UsersChecked,
		Clean:         rep.Clean(),
		Discrepancies: make([]DiscrepancyDTO, len(rep.Discrepancies)),
	}
	for i, d := range rep.Discrepancies {
		dto.Discrepancies[i] = DiscrepancyDTO{
			UserID:       string(d.UserID),
			LedgerSum:    d.LedgerSum,
			Materialized: d.Materialized,
			Drift:        d.Drift(),
		}
	}
	return dto
}

func toRuleDTOs(rules []catalog.RewardRule) []RuleDTO {
	dtos := make([]RuleDTO, len(rules))
	for i, r := range rules {
		dtos[i] = RuleDTO{
			Code:        r.Code.String(),
			DisplayName: r.DisplayName,
			Payout:      r.Payout,
			Active:      r.Active,
		}
	}
	return dtos
}
