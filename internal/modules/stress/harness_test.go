package stress

import (
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
)

func newTestAllocator(t *testing.T) *rebalance.Scheduler {
	t.Helper()
	cfg := config.AllocatorConfig{
		RiskPenalty:     0.3,
		Temperature:     0.05,
		AdaptationRate:  0.05,
		MinTrust:        0.02,
		MaxTrust:        0.50,
		ProjectionIters: 100,
		ProjectionEps:   1e-9,
	}
	log := zerolog.Nop()

	modules := []domain.Module{
		{ID: "growth", Category: domain.CategoryGrowth, Assets: []string{"GA", "GB"}, TrailingVol: 0.18},
		{ID: "income", Category: domain.CategoryIncome, Assets: []string{"IA", "IB"}, TrailingVol: 0.04},
		{ID: "commodity", Category: domain.CategoryCommodity, Assets: []string{"CA", "CB"}, TrailingVol: 0.22},
	}
	guards := domain.Guardrails{
		AssetCap: 0.60,
		ModuleCaps: map[string][2]float64{
			"growth":    {0.0, 0.80},
			"income":    {0.0, 0.80},
			"commodity": {0.0, 0.80},
		},
		VolLower: 0.0,
		VolUpper: 1.0,
	}

	s, err := rebalance.NewScheduler(cfg, modules, guards,
		&domain.PortfolioState{AUM: 1_000_000},
		plasticity.NewState([]string{"growth", "income", "commodity"}, cfg.AdaptationRate),
		rebalance.Deps{
			Aggregator: scoring.NewAggregator(cfg, log),
			Enforcer:   guardrails.NewEnforcer(cfg, log),
			Tracker:    plasticity.NewTracker(cfg, log),
		}, log)
	require.NoError(t, err)
	return s
}

func baseScores() domain.ScoreSet {
	assets := func(a, b string) map[string]domain.Score {
		return map[string]domain.Score{
			a: {Alpha: 0.02},
			b: {Alpha: 0.02},
		}
	}
	return domain.ScoreSet{
		"growth":    {Module: domain.Score{Alpha: 0.06}, Assets: assets("GA", "GB")},
		"income":    {Module: domain.Score{Alpha: 0.04}, Assets: assets("IA", "IB")},
		"commodity": {Module: domain.Score{Alpha: 0.03}, Assets: assets("CA", "CB")},
	}
}

func stressDate() time.Time {
	return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
}

func TestRunAll_EvaluatesEveryScenarioWithoutCommitting(t *testing.T) {
	alloc := newTestAllocator(t)
	h := NewHarness(alloc, zerolog.Nop())

	results, err := h.RunAll(stressDate(), baseScores())
	require.NoError(t, err)
	require.Len(t, results, len(Scenarios()))

	for _, res := range results {
		sum := 0.0
		for _, w := range res.Allocation.Weights {
			sum += w
		}
		assert.InDelta(t, 1.0, sum, 1e-6, "scenario %s", res.Scenario)
	}

	// Preview only: nothing committed.
	port, _ := alloc.Snapshot()
	assert.Empty(t, port.Weights)
}

func TestRun_EquityStressShiftsAwayFromGrowth(t *testing.T) {
	alloc := newTestAllocator(t)
	h := NewHarness(alloc, zerolog.Nop())

	base, err := alloc.Preview(stressDate(), baseScores())
	require.NoError(t, err)

	var equityStress Scenario
	for _, sc := range Scenarios() {
		if sc.Name == "equity_credit_stress" {
			equityStress = sc
		}
	}
	res, err := h.Run(stressDate(), baseScores(), equityStress)
	require.NoError(t, err)

	assert.Less(t,
		res.Allocation.ModuleWeights["growth"],
		base.ModuleWeights["growth"],
		"a growth alpha shock must reduce the growth sleeve")
}

func TestRun_CommoditySpikeFavorsCommodity(t *testing.T) {
	alloc := newTestAllocator(t)
	h := NewHarness(alloc, zerolog.Nop())

	base, err := alloc.Preview(stressDate(), baseScores())
	require.NoError(t, err)

	var spike Scenario
	for _, sc := range Scenarios() {
		if sc.Name == "commodity_spike" {
			spike = sc
		}
	}
	res, err := h.Run(stressDate(), baseScores(), spike)
	require.NoError(t, err)

	assert.Greater(t,
		res.Allocation.ModuleWeights["commodity"],
		base.ModuleWeights["commodity"])
}

func TestDisableModule(t *testing.T) {
	alloc := newTestAllocator(t)
	h := NewHarness(alloc, zerolog.Nop())

	res, err := h.DisableModule(stressDate(), baseScores(), "growth")
	require.NoError(t, err)

	assert.NotContains(t, res.Weights, "GA")
	assert.NotContains(t, res.Weights, "GB")
	assert.InDelta(t, 1.0, res.ModuleWeights["income"]+res.ModuleWeights["commodity"], 1e-6)

	_, err = h.DisableModule(stressDate(), baseScores(), "unknown")
	assert.Error(t, err)
}
