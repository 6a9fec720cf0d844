// Package backtest replays the monthly allocation cycle over historical
// as-of dates. Providers only ever see a purged, backward-looking window, so
// a fold can never leak future data into a score.
package backtest

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/coordinator/internal/domain"
	"github.com/aristath/coordinator/internal/modules/rebalance"
)

// Config describes the walk-forward fold.
type Config struct {
	Start        time.Time // first as-of date (inclusive)
	End          time.Time // last as-of date (inclusive)
	WindowMonths int       // trailing window length handed to providers
	PurgeMonths  int       // gap between window end and the as-of date
}

// AttributionFunc supplies realized per-module attribution for the cycle at
// asOf, given the previously committed allocation. Nil attribution skips the
// trust update for that cycle.
type AttributionFunc func(asOf time.Time, prev *domain.Allocation) domain.Attribution

// CycleResult is one committed backtest cycle.
type CycleResult struct {
	AsOf       time.Time          `json:"as_of"`
	Allocation *domain.Allocation `json:"allocation"`
}

// Report aggregates a completed fold.
type Report struct {
	Cycles             []CycleResult `json:"cycles"`
	TotalTurnover      float64       `json:"total_turnover"`
	MeanVolEstimate    float64       `json:"mean_vol_estimate"`
	SoftViolationCount int           `json:"soft_violation_count"`
}

// Runner drives a scheduler through the fold with scores pulled from the
// registered providers.
type Runner struct {
	cfg       Config
	sched     *rebalance.Scheduler
	providers map[string]domain.ScoreProvider
	attrFn    AttributionFunc
	log       zerolog.Logger
}

// NewRunner creates a backtest runner. The scheduler must be a fresh instance
// dedicated to this fold; the runner commits into it.
func NewRunner(
	cfg Config,
	sched *rebalance.Scheduler,
	providers map[string]domain.ScoreProvider,
	attrFn AttributionFunc,
	log zerolog.Logger,
) (*Runner, error) {
	if cfg.Start.IsZero() || cfg.End.IsZero() || cfg.End.Before(cfg.Start) {
		return nil, fmt.Errorf("backtest: invalid date range [%s, %s]", cfg.Start, cfg.End)
	}
	if cfg.WindowMonths <= 0 {
		return nil, fmt.Errorf("backtest: window must be at least one month")
	}
	if cfg.PurgeMonths < 0 {
		return nil, fmt.Errorf("backtest: purge months must be >= 0")
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("backtest: no score providers registered")
	}
	return &Runner{
		cfg:       cfg,
		sched:     sched,
		providers: providers,
		attrFn:    attrFn,
		log:       log.With().Str("component", "backtest_runner").Logger(),
	}, nil
}

// Run walks the fold month by month and returns the aggregate report.
func (r *Runner) Run() (*Report, error) {
	report := &Report{}
	var prev *domain.Allocation
	var volSum float64

	for asOf := r.cfg.Start; !asOf.After(r.cfg.End); asOf = asOf.AddDate(0, 1, 0) {
		window := r.window(asOf)

		scores := make(domain.ScoreSet, len(r.providers))
		for id, provider := range r.providers {
			ms, err := provider.ProduceScore(asOf, window)
			if err != nil {
				// A failing provider is a per-cycle exclusion, same as an
				// invalid score in production.
				r.log.Warn().Err(err).Str("module", id).Time("as_of", asOf).
					Msg("Score provider failed, excluding module for this cycle")
				continue
			}
			scores[id] = ms
		}

		var attr domain.Attribution
		if r.attrFn != nil {
			attr = r.attrFn(asOf, prev)
		}

		alloc, err := r.sched.Rebalance(asOf, scores, attr)
		if err != nil {
			return nil, fmt.Errorf("backtest cycle %s: %w", asOf.Format("2006-01-02"), err)
		}

		report.Cycles = append(report.Cycles, CycleResult{AsOf: asOf, Allocation: alloc})
		report.TotalTurnover += alloc.TurnoverUsed
		report.SoftViolationCount += len(alloc.SoftViolations)
		volSum += alloc.VolEstimate
		prev = alloc
	}

	if n := len(report.Cycles); n > 0 {
		report.MeanVolEstimate = volSum / float64(n)
	}

	r.log.Info().
		Int("cycles", len(report.Cycles)).
		Float64("total_turnover", report.TotalTurnover).
		Int("soft_violations", report.SoftViolationCount).
		Msg("Backtest fold complete")
	return report, nil
}

// window computes the purged training window for an as-of date. End is
// exclusive and never later than asOf.
func (r *Runner) window(asOf time.Time) domain.Window {
	end := asOf.AddDate(0, -r.cfg.PurgeMonths, 0)
	return domain.Window{
		Start: end.AddDate(0, -r.cfg.WindowMonths, 0),
		End:   end,
	}
}
