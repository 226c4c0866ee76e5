/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loyalty engine daemon. Handles
  configuration, dependency injection, and graceful shutdown.

COMMANDS:
  serve      Run the HTTP API with the in-process reconcile scheduler
  reconcile  Run one reconciliation batch and print the summary
  verify     Recompute every ledger sum and report balance drift

STARTUP SEQUENCE (serve):
  1. Load TOML configuration
  2. Open SQLite store
  3. Wire ledger, granter, tracker, engine, reconciler
  4. Start HTTP server and scheduler
  5. On SIGINT/SIGTERM: stop scheduler, drain server (30s), close store

EXAMPLES:
  # Run with file database
  ./loyaltyd serve --config=./loyalty.toml

  # Run one batch as of now
  ./loyaltyd reconcile

  # Check ledger/balance agreement
  ./loyaltyd verify
*/
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/lumio/loyalty-engine/api"
	"github.com/lumio/loyalty-engine/batch"
	"github.com/lumio/loyalty-engine/catalog"
	"github.com/lumio/loyalty-engine/config"
	"github.com/lumio/loyalty-engine/engine"
	"github.com/lumio/loyalty-engine/ledger"
	"github.com/lumio/loyalty-engine/metrics"
	"github.com/lumio/loyalty-engine/reward"
	"github.com/lumio/loyalty-engine/rules"
	"github.com/lumio/loyalty-engine/store/sqlite"
	"github.com/lumio/loyalty-engine/streak"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "loyaltyd",
		Short: "Loyalty points ledger and engagement-streak engine",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to TOML config file")

	root.AddCommand(
		serveCmd(&configPath),
		reconcileCmd(&configPath),
		verifyCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// app is the wired dependency graph shared by all commands.
type app struct {
	cfg        config.Config
	store      *sqlite.Store
	ledger     *ledger.Ledger
	engine     *engine.Engine
	tracker    *streak.Tracker
	reconciler *batch.Reconciler
	checker    *ledger.IntegrityChecker
}

func buildApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	store, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	led := ledger.New(store)
	led.RegisterHook(metrics.AppendHook())

	granter := reward.NewGranter(store, led, store, store)
	windows := streak.NewWindows(time.Now)

	defs := streakDefs(cfg)
	if err := seedRewardRules(context.Background(), store, cfg, defs); err != nil {
		store.Close()
		return nil, err
	}
	tracker := streak.NewTracker(store, granter, windows, defs...)

	earn := earnRules(cfg)
	eng := engine.New(store, led, tracker, earn, windows)

	reconciler := batch.NewReconciler(store, store, granter, windows, defs).
		WithRunStore(store)

	return &app{
		cfg:        cfg,
		store:      store,
		ledger:     led,
		engine:     eng,
		tracker:    tracker,
		reconciler: reconciler,
		checker:    &ledger.IntegrityChecker{Store: store},
	}, nil
}

// seedRewardRules activates the configured payout for each built-in
// streak reward. Config is the source of truth for these rules; a
// restart re-applies it over any runtime edits.
func seedRewardRules(ctx context.Context, cat catalog.Catalog, cfg config.Config, defs []streak.Definition) error {
	for _, def := range defs {
		payout := int64(catalog.DefaultPayout)
		if sc, ok := cfg.Streaks[def.Type]; ok {
			payout = sc.Payout
		}
		rule := catalog.RewardRule{
			Code:        def.RewardCode,
			DisplayName: def.Type,
			Payout:      payout,
			Active:      true,
		}
		if err := cat.Put(ctx, rule); err != nil {
			return fmt.Errorf("failed to seed reward rule %s: %w", def.RewardCode, err)
		}
	}
	return nil
}

// streakDefs applies config overrides to the built-in streak definitions.
func streakDefs(cfg config.Config) []streak.Definition {
	var defs []streak.Definition
	for _, def := range []streak.Definition{streak.DailyLogin(), streak.ConsistentMonth()} {
		sc, ok := cfg.Streaks[def.Type]
		if ok && !sc.Enabled {
			continue
		}
		if ok && sc.Length > 0 {
			def.Length = sc.Length
		}
		defs = append(defs, def)
	}
	return defs
}

func earnRules(cfg config.Config) *rules.Set {
	set := rules.NewSet()
	set.Put("invoice_upload", rules.InvoiceAmountRule{
		Divisor: decimal.NewFromInt(cfg.Earn.InvoiceDivisor),
		Bonus:   cfg.Earn.InvoiceBonus,
		Cap:     cfg.Earn.InvoiceCap,
	})
	set.Put("daily_login", rules.FixedRule{Amount: cfg.Earn.DailyLogin})
	set.Put("survey_complete", rules.FixedRule{Amount: cfg.Earn.SurveyComplete})
	set.Put("referral_complete", rules.FixedRule{Amount: cfg.Earn.Referral})
	set.Put("profile_complete", rules.FixedRule{Amount: cfg.Earn.ProfileComplete})
	set.Put("first_redemption", rules.FixedRule{Amount: cfg.Earn.FirstRedemption})
	return set
}

// =============================================================================
// COMMANDS
// =============================================================================

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the reconcile scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer a.store.Close()

			handler := &api.Handler{
				Engine:     a.engine,
				Ledger:     a.ledger,
				Streaks:    a.store,
				Catalog:    a.store,
				Reconciler: a.reconciler,
				Checker:    a.checker,
				Runs:       a.store,
			}
			router := api.NewRouter(handler, a.cfg.Server.CORSOrigins)

			server := &http.Server{
				Addr:         a.cfg.Server.Addr,
				Handler:      router,
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 15 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			var scheduler *api.Scheduler
			if a.cfg.Scheduler.Enabled {
				scheduler = api.NewScheduler(a.reconciler, a.cfg.SchedulerInterval())
				scheduler.Start()
			}

			go func() {
				log.Printf("Server starting on %s", a.cfg.Server.Addr)
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatalf("Server failed: %v", err)
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Println("Shutting down server...")
			if scheduler != nil {
				scheduler.Stop()
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}

			log.Println("Server stopped")
			return nil
		},
	}
}

func reconcileCmd(configPath *string) *cobra.Command {
	var asOfFlag string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation batch and print the summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer a.store.Close()

			asOf := time.Now().UTC()
			if asOfFlag != "" {
				asOf, err = time.Parse(time.RFC3339, asOfFlag)
				if err != nil {
					return fmt.Errorf("invalid --as-of (use RFC3339): %w", err)
				}
			}

			summary, err := a.reconciler.Reconcile(cmd.Context(), asOf)
			if err != nil {
				return err
			}

			fmt.Printf("users scanned:   %d\n", summary.UsersScanned)
			fmt.Printf("streaks updated: %d\n", summary.StreaksUpdated)
			fmt.Printf("rewards granted: %d\n", summary.RewardsGranted)
			fmt.Printf("errors:          %d\n", summary.Errors)
			return nil
		},
	}
	cmd.Flags().StringVar(&asOfFlag, "as-of", "", "reconcile as of this RFC3339 instant (default: now)")
	return cmd
}

func verifyCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check that every materialized balance matches its ledger sum",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer a.store.Close()

			report, err := a.checker.Check(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("users checked: %d\n", report.UsersChecked)
			if report.Clean() {
				fmt.Println("no drift detected")
				return nil
			}
			for _, d := range report.Discrepancies {
				fmt.Printf("DRIFT user=%s ledger=%d materialized=%d drift=%d\n",
					d.UserID, d.LedgerSum, d.Materialized, d.Drift())
			}
			return fmt.Errorf("%d users with balance drift", len(report.Discrepancies))
		},
	}
}
