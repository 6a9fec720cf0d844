package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/coordinator/internal/domain"
	"github.com/aristath/coordinator/internal/modules/rebalance"
	"github.com/aristath/coordinator/internal/modules/statestore"
	"github.com/aristath/coordinator/internal/reliability"
)

// RebalanceJob pulls fresh scores from the registered providers, commits one
// cycle and snapshots the resulting state.
type RebalanceJob struct {
	sched        *rebalance.Scheduler
	providers    map[string]domain.ScoreProvider
	attrFn       func(asOf time.Time) domain.Attribution
	store        *statestore.Store
	windowMonths int
	purgeMonths  int
	now          func() time.Time
	log          zerolog.Logger
}

// NewRebalanceJob creates the monthly rebalance job. attrFn may be nil when
// no attribution feed is wired; store may be nil to skip snapshots.
func NewRebalanceJob(
	sched *rebalance.Scheduler,
	providers map[string]domain.ScoreProvider,
	attrFn func(asOf time.Time) domain.Attribution,
	store *statestore.Store,
	windowMonths, purgeMonths int,
	log zerolog.Logger,
) *RebalanceJob {
	return &RebalanceJob{
		sched:        sched,
		providers:    providers,
		attrFn:       attrFn,
		store:        store,
		windowMonths: windowMonths,
		purgeMonths:  purgeMonths,
		now:          time.Now,
		log:          log.With().Str("component", "rebalance_job").Logger(),
	}
}

// Name implements Job.
func (j *RebalanceJob) Name() string { return "monthly_rebalance" }

// CollectScores gathers the current scores from every provider using the
// job's purged window. A failing provider is left out of the set; the
// aggregator excludes it for the cycle.
func (j *RebalanceJob) CollectScores(asOf time.Time) domain.ScoreSet {
	windowEnd := asOf.AddDate(0, -j.purgeMonths, 0)
	window := domain.Window{
		Start: windowEnd.AddDate(0, -j.windowMonths, 0),
		End:   windowEnd,
	}

	scores := make(domain.ScoreSet, len(j.providers))
	for id, provider := range j.providers {
		ms, err := provider.ProduceScore(asOf, window)
		if err != nil {
			j.log.Warn().Err(err).Str("module", id).Msg("Score provider failed, excluding module for this cycle")
			continue
		}
		scores[id] = ms
	}
	return scores
}

// Run implements Job.
func (j *RebalanceJob) Run() error {
	asOf := j.now().UTC().Truncate(24 * time.Hour)
	scores := j.CollectScores(asOf)

	var attr domain.Attribution
	if j.attrFn != nil {
		attr = j.attrFn(asOf)
	}

	alloc, err := j.sched.Rebalance(asOf, scores, attr)
	if err != nil {
		return fmt.Errorf("monthly rebalance: %w", err)
	}
	j.log.Info().Str("cycle_id", alloc.CycleID).Msg("Monthly rebalance done")

	if j.store != nil {
		port, trust := j.sched.Snapshot()
		if err := j.store.Save(port, trust); err != nil {
			// The commit stands; the snapshot just lags one cycle.
			j.log.Error().Err(err).Msg("State snapshot failed after commit")
		}
	}
	return nil
}

// BackupJob uploads the history database to object storage.
type BackupJob struct {
	svc     *reliability.BackupService
	timeout time.Duration
	log     zerolog.Logger
}

// NewBackupJob creates the backup job.
func NewBackupJob(svc *reliability.BackupService, timeout time.Duration, log zerolog.Logger) *BackupJob {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &BackupJob{
		svc:     svc,
		timeout: timeout,
		log:     log.With().Str("component", "backup_job").Logger(),
	}
}

// Name implements Job.
func (j *BackupJob) Name() string { return "history_backup" }

// Run implements Job.
func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	key, err := j.svc.Backup(ctx)
	if err != nil {
		return err
	}
	j.log.Info().Str("key", key).Msg("History backup complete")
	return nil
}
