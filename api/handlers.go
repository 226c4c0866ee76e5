/*
handlers.go - HTTP API handlers for the loyalty engine

PURPOSE:
  Exposes the points ledger and streak engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Users:
    GET    /api/users/{id}/balance   Materialized balance
    GET    /api/users/{id}/entries   Ledger history
    GET    /api/users/{id}/streaks   Streak states

  Events:
    POST   /api/track                Record an engagement event
    POST   /api/redeem               Spend points

  Rules:
    GET    /api/rules                List reward rules
    PUT    /api/rules                Create/update a reward rule

  Admin:
    POST   /api/admin/reconcile      Trigger a reconciliation batch run
    GET    /api/admin/integrity      Balance drift report
    GET    /api/admin/runs           Recent reconciliation runs

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 402: Insufficient balance
  - 404: Unknown rule
  - 500: Internal errors
  Duplicate submissions are NOT errors: tracking the same event twice
  returns 200 with zero new points.

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/lumio/loyalty-engine/activity"
	"github.com/lumio/loyalty-engine/batch"
	"github.com/lumio/loyalty-engine/catalog"
	"github.com/lumio/loyalty-engine/engine"
	"github.com/lumio/loyalty-engine/ledger"
	"github.com/lumio/loyalty-engine/metrics"
	"github.com/lumio/loyalty-engine/streak"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine     *engine.Engine
	Ledger     *ledger.Ledger
	Streaks    streak.Store
	Catalog    catalog.Catalog
	Reconciler *batch.Reconciler
	Checker    *ledger.IntegrityChecker
	Runs       batch.RunStore
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// GetBalance returns a user's materialized balance. Unknown users have
// balance zero; this is not a 404.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	user := ledger.UserID(chi.URLParam(r, "id"))

	balance, err := h.Ledger.GetBalance(r.Context(), user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(balance))
}

// GetEntries returns a user's ledger history, oldest first.
func (h *Handler) GetEntries(w http.ResponseWriter, r *http.Request) {
	user := ledger.UserID(chi.URLParam(r, "id"))

	entries, err := h.Ledger.Entries(r.Context(), user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get entries", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// GetStreaks returns a user's streak states.
func (h *Handler) GetStreaks(w http.ResponseWriter, r *http.Request) {
	user := ledger.UserID(chi.URLParam(r, "id"))

	states, err := h.Streaks.StreaksFor(r.Context(), user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get streaks", err)
		return
	}
	writeJSON(w, http.StatusOK, toStreakDTOs(states))
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// Track records one engagement event and returns the earn, the new
// balance and any streak movement.
func (h *Handler) Track(w http.ResponseWriter, r *http.Request) {
	var req TrackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	a, err := toActivity(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid track request", err)
		return
	}

	res, err := h.Engine.Track(r.Context(), a)
	if err != nil {
		writeDomainError(w, "Failed to track activity", err)
		return
	}
	writeJSON(w, http.StatusOK, toTrackResponse(res))
}

// Redeem spends points. Insufficient balance is 402 with the available
// amount in the details.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	entry, err := h.Ledger.Spend(r.Context(), ledger.UserID(req.UserID), req.Amount, req.CorrelationID)
	if err != nil {
		writeDomainError(w, "Failed to redeem", err)
		return
	}

	balance, err := h.Ledger.GetBalance(r.Context(), ledger.UserID(req.UserID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get balance", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entry":   toEntryDTOs([]ledger.LedgerEntry{entry})[0],
		"balance": balance.Balance,
	})
}

// =============================================================================
// RULE HANDLERS
// =============================================================================

// ListRules returns the reward catalog.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Catalog.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list rules", err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTOs(rules))
}

// PutRule creates or updates a reward rule.
func (h *Handler) PutRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	code, err := catalog.ParseCode(req.Code)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rule code", err)
		return
	}

	rule := catalog.RewardRule{
		Code:        code,
		DisplayName: req.DisplayName,
		Payout:      req.Payout,
		Active:      req.Active,
	}
	if err := h.Catalog.Put(r.Context(), rule); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rule", err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTOs([]catalog.RewardRule{rule})[0])
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// Reconcile triggers one batch run synchronously and returns its summary.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	asOf := time.Now().UTC()
	if req.AsOf != "" {
		t, err := time.Parse(time.RFC3339, req.AsOf)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of format (use RFC3339)", err)
			return
		}
		asOf = t
	}

	started := time.Now()
	summary, err := h.Reconciler.Reconcile(r.Context(), asOf)
	metrics.ReconcileDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues(batch.RunAborted).Inc()
		writeError(w, http.StatusInternalServerError, "Reconciliation aborted", err)
		return
	}
	metrics.ReconcileRuns.WithLabelValues(batch.RunCompleted).Inc()
	metrics.ReconcileUserErrors.Add(float64(summary.Errors))

	writeJSON(w, http.StatusOK, toSummaryDTO(summary))
}

// Integrity recomputes every user's ledger sum and reports drift.
func (h *Handler) Integrity(w http.ResponseWriter, r *http.Request) {
	report, err := h.Checker.Check(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Integrity check failed", err)
		return
	}
	metrics.IntegrityDriftUsers.Set(float64(len(report.Discrepancies)))
	writeJSON(w, http.StatusOK, toIntegrityDTO(report))
}

// ListRuns returns recent reconciliation runs, newest first.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.Runs == nil {
		writeJSON(w, http.StatusOK, []RunDTO{})
		return
	}
	runs, err := h.Runs.ListRuns(r.Context(), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTOs(runs))
}

// =============================================================================
// HELPERS
// =============================================================================

func toActivity(req TrackRequest) (activity.Activity, error) {
	a := activity.Activity{
		UserID:        ledger.UserID(req.UserID),
		Action:        req.Action,
		Channel:       req.Channel,
		CorrelationID: req.CorrelationID,
		Metadata:      req.Metadata,
	}
	if req.OccurredAt != "" {
		t, err := time.Parse(time.RFC3339, req.OccurredAt)
		if err != nil {
			return a, err
		}
		a.OccurredAt = t
	}
	if req.Amount != "" {
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil {
			return a, err
		}
		a.Amount = amount
	}
	return a, nil
}

// writeDomainError maps domain sentinels to HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeError(w, http.StatusPaymentRequired, "Insufficient balance", err)
	case errors.Is(err, ledger.ErrInvalidEntry):
		writeError(w, http.StatusBadRequest, "Validation failed", err)
	case errors.Is(err, catalog.ErrRuleNotFound):
		writeError(w, http.StatusNotFound, "Rule not found", err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
