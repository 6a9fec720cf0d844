// Package main is the entry point for the coordinator service. It wires the
// scoring, guardrail and plasticity modules into the monthly rebalance
// scheduler, restores persisted state, and serves the HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/coordinator/internal/config"
	"github.com/aristath/coordinator/internal/database"
	"github.com/aristath/coordinator/internal/domain"
	"github.com/aristath/coordinator/internal/events"
	"github.com/aristath/coordinator/internal/metrics"
	"github.com/aristath/coordinator/internal/modules/construction"
	"github.com/aristath/coordinator/internal/modules/guardrails"
	"github.com/aristath/coordinator/internal/modules/history"
	"github.com/aristath/coordinator/internal/modules/plasticity"
	"github.com/aristath/coordinator/internal/modules/rebalance"
	"github.com/aristath/coordinator/internal/modules/scoring"
	"github.com/aristath/coordinator/internal/modules/statestore"
	"github.com/aristath/coordinator/internal/modules/stress"
	"github.com/aristath/coordinator/internal/reliability"
	"github.com/aristath/coordinator/internal/scheduler"
	"github.com/aristath/coordinator/internal/server"
	"github.com/aristath/coordinator/pkg/logger"
)

// Daily history backup, 02:00 UTC.
const backupSchedule = "0 0 2 * * *"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true})
	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting coordinator")

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Coordinator failed")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	spec, err := config.LoadPortfolioSpec(cfg.PortfolioPath)
	if err != nil {
		return fmt.Errorf("portfolio spec: %w", err)
	}
	modules := spec.DomainModules()
	guards := spec.Guardrails(cfg.Allocator)

	db, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "history.db"),
		Profile: database.ProfileLedger,
		Name:    "history",
	})
	if err != nil {
		return fmt.Errorf("open history database: %w", err)
	}
	defer db.Close()

	repo, err := history.NewRepository(db, log)
	if err != nil {
		return fmt.Errorf("history repository: %w", err)
	}

	store := statestore.NewStore(filepath.Join(cfg.DataDir, "state.msgpack"), log)
	port, trust, err := restoreState(store, spec, modules, cfg.Allocator, log)
	if err != nil {
		return fmt.Errorf("restore state: %w", err)
	}

	recorder := metrics.NewRecorder()
	bus := events.NewBus(log)

	sched, err := rebalance.NewScheduler(cfg.Allocator, modules, guards, port, trust,
		rebalance.Deps{
			Aggregator: scoring.NewAggregator(cfg.Allocator, log),
			Enforcer:   guardrails.NewEnforcer(cfg.Allocator, log),
			Tracker:    plasticity.NewTracker(cfg.Allocator, log),
			History:    repo,
			Publisher:  bus,
			Metrics:    recorder,
		}, log)
	if err != nil {
		return fmt.Errorf("rebalance scheduler: %w", err)
	}

	scoresDir := filepath.Join(cfg.DataDir, "scores")
	providers := make(map[string]domain.ScoreProvider, len(modules))
	for _, m := range modules {
		providers[m.ID] = scoring.NewFileProvider(scoresDir, m.ID, log)
	}

	job := scheduler.NewRebalanceJob(sched, providers, nil, store, 36, 1, log)

	var sleeve *construction.Sleeve
	if c := spec.Construction; c != nil {
		target, err := c.TargetDateTime()
		if err != nil {
			return fmt.Errorf("construction target date: %w", err)
		}
		sleeve, err = construction.NewSleeve(construction.Config{
			ModuleID:      c.ModuleID,
			BudgetToday:   c.BudgetToday,
			TargetDate:    target,
			InflationRate: c.InflationRate,
			MinProxyCorr:  c.MinProxyCorr,
		}, log)
		if err != nil {
			return fmt.Errorf("construction sleeve: %w", err)
		}
	}

	cron := scheduler.New(log)
	if err := cron.AddJob(cfg.RebalanceSchedule, job); err != nil {
		return fmt.Errorf("schedule rebalance: %w", err)
	}
	if cfg.Backup.Enabled {
		backupSvc, err := reliability.NewBackupService(cfg.Backup, db, log)
		if err != nil {
			return fmt.Errorf("backup service: %w", err)
		}
		backupJob := scheduler.NewBackupJob(backupSvc, 10*time.Minute, log)
		if err := cron.AddJob(backupSchedule, backupJob); err != nil {
			return fmt.Errorf("schedule backup: %w", err)
		}
	}
	cron.Start()
	defer cron.Stop()

	srv := server.New(server.Config{
		Log:          log,
		Cfg:          cfg,
		Scheduler:    sched,
		RebalanceJob: job,
		History:      repo,
		HistoryDB:    db,
		Harness:      stress.NewHarness(sched, log),
		Sleeve:       sleeve,
		Metrics:      recorder,
		Bus:          bus,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}
	return nil
}

// restoreState loads the last snapshot, falling back to a fresh equal-trust
// state when none exists. A snapshot from an older portfolio file is rejected
// so a newly added module always restarts from clean state.
func restoreState(
	store *statestore.Store,
	spec *config.PortfolioSpec,
	modules []domain.Module,
	alloc config.AllocatorConfig,
	log zerolog.Logger,
) (*domain.PortfolioState, *domain.PlasticityState, error) {
	snap, err := store.Load()
	if err != nil {
		return nil, nil, err
	}

	ids := make([]string, 0, len(modules))
	for _, m := range modules {
		ids = append(ids, m.ID)
	}

	if snap != nil && snapshotMatches(snap.Trust, ids) {
		log.Info().Time("saved_at", snap.SavedAt).Msg("Restored state snapshot")
		return snap.Portfolio, snap.Trust, nil
	}
	if snap != nil {
		log.Warn().Msg("State snapshot does not match portfolio spec, starting fresh")
	}

	port := &domain.PortfolioState{
		AUM:     spec.AUM,
		Weights: map[string]float64{},
	}
	return port, plasticity.NewState(ids, alloc.AdaptationRate), nil
}

func snapshotMatches(trust *domain.PlasticityState, ids []string) bool {
	if trust == nil || len(trust.Trust) != len(ids) {
		return false
	}
	for _, id := range ids {
		if _, ok := trust.Trust[id]; !ok {
			return false
		}
	}
	return true
}
