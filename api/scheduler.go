/*
scheduler.go - Periodic reconciliation scheduler

PURPOSE:
  Runs the reconciliation batch on a fixed interval in a background
  goroutine. The batch itself is idempotent and abortable, so the
  scheduler's only jobs are the ticker and clean shutdown.

DESIGN:
  - One run fires immediately on Start, then every Interval
  - Stop cancels the in-flight run's context and waits for it to return
  - Overlapping runs cannot happen; the loop is strictly sequential

USAGE:
  scheduler := NewScheduler(reconciler, 12*time.Hour)
  scheduler.Start()
  // ... later
  scheduler.Stop()
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/lumio/loyalty-engine/batch"
	"github.com/lumio/loyalty-engine/metrics"
)

// Scheduler triggers reconciliation batch runs on a fixed interval.
type Scheduler struct {
	Reconciler *batch.Reconciler
	Interval   time.Duration

	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewScheduler creates a scheduler; it does not start until Start.
func NewScheduler(r *batch.Reconciler, interval time.Duration) *Scheduler {
	return &Scheduler{Reconciler: r, Interval: interval}
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)

	go s.run(ctx)

	log.Printf("[Scheduler] Started with interval: %v", s.Interval)
}

// Stop cancels the in-flight run and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.cancel()
	s.wg.Wait()
	s.ticker = nil
	log.Println("[Scheduler] Stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	// Run immediately on start
	s.reconcileOnce(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.reconcileOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) reconcileOnce(ctx context.Context) {
	asOf := time.Now().UTC()
	log.Printf("[Scheduler] Reconciling as of %v", asOf)

	started := time.Now()
	summary, err := s.Reconciler.Reconcile(ctx, asOf)
	metrics.ReconcileDuration.Observe(time.Since(started).Seconds())

	if err != nil {
		metrics.ReconcileRuns.WithLabelValues(batch.RunAborted).Inc()
		log.Printf("[Scheduler] Reconciliation aborted: %v", err)
		return
	}
	metrics.ReconcileRuns.WithLabelValues(batch.RunCompleted).Inc()
	metrics.ReconcileUserErrors.Add(float64(summary.Errors))

	log.Printf("[Scheduler] Reconciled: %d users scanned, %d streaks updated, %d rewards granted, %d errors",
		summary.UsersScanned, summary.StreaksUpdated, summary.RewardsGranted, summary.Errors)
}
