/*
Package metrics registers the engine's Prometheus collectors.

All collectors are package-level promauto registrations on the default
registry; /metrics is served by promhttp in the API router.
*/
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lumio/loyalty-engine/ledger"
)

var (
	LedgerAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_ledger_appends_total",
		Help: "Ledger entries appended, by kind.",
	}, []string{"kind"})

	Grants = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_grants_total",
		Help: "Reward grant attempts, by outcome.",
	}, []string{"outcome"})

	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_reconcile_runs_total",
		Help: "Reconciliation batch runs, by final status.",
	}, []string{"status"})

	ReconcileUserErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_reconcile_user_errors_total",
		Help: "Per-user failures swallowed by the reconciliation batch.",
	})

	IntegrityDriftUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loyalty_integrity_drift_users",
		Help: "Users whose materialized balance disagrees with the ledger, as of the last check.",
	})

	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "loyalty_reconcile_duration_seconds",
		Help:    "Wall time of reconciliation batch runs.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)

// AppendHook counts ledger appends. Registered on the Ledger at startup
// so every write path is counted, whichever component appended.
func AppendHook() ledger.AppendHook {
	return ledger.AppendHookFunc(func(ctx context.Context, s ledger.Store, e ledger.LedgerEntry) error {
		LedgerAppends.WithLabelValues(string(e.Kind)).Inc()
		return nil
	})
}
