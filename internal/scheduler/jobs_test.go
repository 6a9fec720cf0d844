package scheduler

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/coordinator/internal/config"
	"github.com/aristath/coordinator/internal/domain"
	"github.com/aristath/coordinator/internal/modules/guardrails"
	"github.com/aristath/coordinator/internal/modules/plasticity"
	"github.com/aristath/coordinator/internal/modules/rebalance"
	"github.com/aristath/coordinator/internal/modules/scoring"
	"github.com/aristath/coordinator/internal/modules/statestore"
)

type stubProvider struct {
	alpha  float64
	assets []string
	err    error
}

func (p *stubProvider) ProduceScore(_ time.Time, _ domain.Window) (domain.ModuleScores, error) {
	if p.err != nil {
		return domain.ModuleScores{}, p.err
	}
	assets := make(map[string]domain.Score, len(p.assets))
	for _, a := range p.assets {
		assets[a] = domain.Score{Alpha: 0.02}
	}
	return domain.ModuleScores{
		Module: domain.Score{Alpha: p.alpha},
		Assets: assets,
	}, nil
}

func newTestScheduler(t *testing.T) *rebalance.Scheduler {
	t.Helper()
	log := zerolog.Nop()
	cfg := config.AllocatorConfig{
		RiskPenalty:     0.3,
		Temperature:     0.05,
		AdaptationRate:  0.05,
		MinTrust:        0.02,
		MaxTrust:        0.50,
		ProjectionIters: 100,
		ProjectionEps:   1e-9,
	}
	modules := []domain.Module{
		{ID: "growth", Category: domain.CategoryGrowth, Assets: []string{"GA", "GB"}},
		{ID: "income", Category: domain.CategoryIncome, Assets: []string{"IA", "IB"}},
	}
	guards := domain.Guardrails{
		AssetCap: 0.60,
		ModuleCaps: map[string][2]float64{
			"growth": {0.0, 0.80},
			"income": {0.0, 0.80},
		},
		VolUpper:        1.0,
		AnnualTurnover:  1.2,
		TurnoverBankCap: 0.10,
	}

	sched, err := rebalance.NewScheduler(cfg, modules, guards,
		&domain.PortfolioState{AUM: 1_000_000},
		plasticity.NewState([]string{"growth", "income"}, cfg.AdaptationRate),
		rebalance.Deps{
			Aggregator: scoring.NewAggregator(cfg, log),
			Enforcer:   guardrails.NewEnforcer(cfg, log),
			Tracker:    plasticity.NewTracker(cfg, log),
		}, log)
	require.NoError(t, err)
	return sched
}

func TestRebalanceJobRunSnapshotsState(t *testing.T) {
	sched := newTestScheduler(t)
	store := statestore.NewStore(filepath.Join(t.TempDir(), "state.msgpack"), zerolog.Nop())

	providers := map[string]domain.ScoreProvider{
		"growth": &stubProvider{alpha: 0.06, assets: []string{"GA", "GB"}},
		"income": &stubProvider{alpha: 0.04, assets: []string{"IA", "IB"}},
	}
	job := NewRebalanceJob(sched, providers, nil, store, 36, 1, zerolog.Nop())

	require.NoError(t, job.Run())

	snap, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.NotEmpty(t, snap.Portfolio.Weights)
	assert.InDelta(t, 1.0, sumValues(snap.Portfolio.Weights), 1e-9)
	assert.Len(t, snap.Trust.Trust, 2)
}

func TestRebalanceJobCollectScoresSkipsFailingProvider(t *testing.T) {
	sched := newTestScheduler(t)
	providers := map[string]domain.ScoreProvider{
		"growth": &stubProvider{alpha: 0.06, assets: []string{"GA", "GB"}},
		"income": &stubProvider{err: errors.New("model unavailable")},
	}
	job := NewRebalanceJob(sched, providers, nil, nil, 36, 1, zerolog.Nop())

	asOf := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	scores := job.CollectScores(asOf)

	require.Len(t, scores, 1)
	_, ok := scores["growth"]
	assert.True(t, ok)
}

func TestRebalanceJobCollectScoresWindowIsPurged(t *testing.T) {
	sched := newTestScheduler(t)

	var seen domain.Window
	capture := providerFunc(func(_ time.Time, w domain.Window) (domain.ModuleScores, error) {
		seen = w
		return domain.ModuleScores{}, errors.New("capture only")
	})
	job := NewRebalanceJob(sched, map[string]domain.ScoreProvider{"growth": capture}, nil, nil, 36, 1, zerolog.Nop())

	asOf := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	job.CollectScores(asOf)

	assert.Equal(t, asOf.AddDate(0, -1, 0), seen.End)
	assert.Equal(t, asOf.AddDate(0, -37, 0), seen.Start)
}

type providerFunc func(time.Time, domain.Window) (domain.ModuleScores, error)

func (f providerFunc) ProduceScore(asOf time.Time, w domain.Window) (domain.ModuleScores, error) {
	return f(asOf, w)
}

func TestSchedulerRejectsBadCronSpec(t *testing.T) {
	s := New(zerolog.Nop())
	job := NewRebalanceJob(newTestScheduler(t), map[string]domain.ScoreProvider{}, nil, nil, 36, 1, zerolog.Nop())

	assert.Error(t, s.AddJob("not a cron spec", job))
	assert.NoError(t, s.AddJob("0 0 6 1 * *", job))
}

func sumValues(m map[string]float64) float64 {
	var sum float64
	for _, v := range m {
		sum += v
	}
	return sum
}
