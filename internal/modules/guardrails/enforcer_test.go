package guardrails

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/coordinator/internal/config"
	"github.com/aristath/coordinator/internal/domain"
)

func testCfg() config.AllocatorConfig {
	return config.AllocatorConfig{
		ProjectionIters: 100,
		ProjectionEps:   1e-9,
	}
}

func sumWeights(w map[string]float64) float64 {
	total := 0.0
	for _, v := range w {
		total += v
	}
	return total
}

func TestWaterFill_ClipsModuleCapAndRedistributes(t *testing.T) {
	// Two modules with cap bands [0.30, 0.70]. The raw softmax puts ~85% on
	// the first; water-filling must clip it to 0.70 and hand the excess to
	// the second.
	modules := []domain.Module{
		{ID: "m1", Category: domain.CategoryGrowth, Assets: []string{"A1", "A2", "A3", "A4", "A5"}},
		{ID: "m2", Category: domain.CategoryDefensive, Assets: []string{"B1", "B2", "B3"}},
	}
	g := domain.Guardrails{
		AssetCap: 0.50,
		ModuleCaps: map[string][2]float64{
			"m1": {0.30, 0.70},
			"m2": {0.30, 0.70},
		},
	}
	raw := map[string]float64{
		"A1": 0.854 / 5, "A2": 0.854 / 5, "A3": 0.854 / 5, "A4": 0.854 / 5, "A5": 0.854 / 5,
		"B1": 0.146 / 3, "B2": 0.146 / 3, "B3": 0.146 / 3,
	}

	e := NewEnforcer(testCfg(), zerolog.Nop())
	res, err := e.Project(Input{AssetWeights: raw}, modules, g, 0)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, sumWeights(res.AssetWeights), 1e-6)
	assert.InDelta(t, 0.70, res.ModuleWeights["m1"], 1e-6)
	assert.InDelta(t, 0.30, res.ModuleWeights["m2"], 1e-6)
}

func TestWaterFill_RespectsAssetCap(t *testing.T) {
	modules := []domain.Module{
		{ID: "m1", Category: domain.CategoryGrowth, Assets: []string{"A1", "A2", "A3", "A4"}},
		{ID: "m2", Category: domain.CategoryDefensive, Assets: []string{"B1", "B2", "B3", "B4"}},
	}
	g := domain.Guardrails{
		AssetCap: 0.15,
		ModuleCaps: map[string][2]float64{
			"m1": {0.0, 0.60},
			"m2": {0.0, 0.60},
		},
	}
	// Heavily concentrated raw vector.
	raw := map[string]float64{
		"A1": 0.40, "A2": 0.10, "A3": 0.05, "A4": 0.05,
		"B1": 0.25, "B2": 0.05, "B3": 0.05, "B4": 0.05,
	}

	e := NewEnforcer(testCfg(), zerolog.Nop())
	res, err := e.Project(Input{AssetWeights: raw}, modules, g, 0)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, sumWeights(res.AssetWeights), 1e-6)
	for asset, w := range res.AssetWeights {
		assert.LessOrEqual(t, w, 0.15+1e-9, "asset %s above cap", asset)
	}
	for id, w := range res.ModuleWeights {
		assert.LessOrEqual(t, w, 0.60+1e-6, "module %s above cap", id)
	}
}

func TestValidateGuardrails_InfeasibleMinimums(t *testing.T) {
	modules := []domain.Module{
		{ID: "m1", Assets: []string{"A1"}},
		{ID: "m2", Assets: []string{"B1"}},
	}
	g := domain.Guardrails{
		AssetCap: 0.80,
		ModuleCaps: map[string][2]float64{
			"m1": {0.60, 0.90},
			"m2": {0.60, 0.90},
		},
	}

	e := NewEnforcer(testCfg(), zerolog.Nop())
	err := e.ValidateGuardrails(modules, g)
	require.Error(t, err)
	var cfgErr *domain.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestValidateGuardrails_MinimumUnreachableUnderAssetCap(t *testing.T) {
	modules := []domain.Module{
		{ID: "m1", Assets: []string{"A1"}}, // one asset, 15% cap, 30% floor
		{ID: "m2", Assets: []string{"B1", "B2", "B3", "B4", "B5", "B6", "B7"}},
	}
	g := domain.Guardrails{
		AssetCap: 0.15,
		ModuleCaps: map[string][2]float64{
			"m1": {0.30, 0.50},
			"m2": {0.10, 0.90},
		},
	}

	e := NewEnforcer(testCfg(), zerolog.Nop())
	var cfgErr *domain.ConfigError
	assert.ErrorAs(t, e.ValidateGuardrails(modules, g), &cfgErr)
}

func TestWaterFill_IterationBudgetExceeded(t *testing.T) {
	cfg := testCfg()
	cfg.ProjectionIters = 1

	modules := []domain.Module{
		{ID: "m1", Assets: []string{"A1", "A2", "A3", "A4"}},
		{ID: "m2", Assets: []string{"B1", "B2", "B3", "B4"}},
	}
	g := domain.Guardrails{
		AssetCap: 0.15,
		ModuleCaps: map[string][2]float64{
			"m1": {0.0, 0.60},
			"m2": {0.0, 0.60},
		},
	}
	raw := map[string]float64{
		"A1": 0.40, "A2": 0.10, "A3": 0.05, "A4": 0.05,
		"B1": 0.25, "B2": 0.05, "B3": 0.05, "B4": 0.05,
	}

	e := NewEnforcer(cfg, zerolog.Nop())
	_, err := e.Project(Input{AssetWeights: raw}, modules, g, 0)
	require.Error(t, err)
	var projErr *domain.ProjectionError
	assert.ErrorAs(t, err, &projErr)
}

func incomeTestModules() []domain.Module {
	return []domain.Module{
		{ID: "growth", Category: domain.CategoryGrowth, Yield: 0.01, TrailingVol: 0.18,
			Assets: []string{"G1", "G2", "G3", "G4", "G5", "G6", "G7"}},
		{ID: "income", Category: domain.CategoryIncome, Yield: 0.05, TrailingVol: 0.04,
			Assets: []string{"I1", "I2", "I3", "I4", "I5", "I6", "I7"}},
	}
}

func incomeTestRaw() map[string]float64 {
	raw := make(map[string]float64)
	for _, a := range []string{"G1", "G2", "G3", "G4", "G5", "G6", "G7"} {
		raw[a] = 0.80 / 7
	}
	for _, a := range []string{"I1", "I2", "I3", "I4", "I5", "I6", "I7"} {
		raw[a] = 0.20 / 7
	}
	return raw
}

func TestIncomeFloor_ShiftsWeightIntoIncomeModule(t *testing.T) {
	modules := incomeTestModules()
	g := domain.Guardrails{
		AssetCap: 0.15,
		ModuleCaps: map[string][2]float64{
			"growth": {0.0, 1.0},
			"income": {0.0, 0.70},
		},
		WithdrawalBase: 30_000,
		IncomeCoverage: 1.2,
		VolLower:       0.02,
		VolUpper:       0.20,
	}

	e := NewEnforcer(testCfg(), zerolog.Nop())
	res, err := e.Project(Input{AssetWeights: incomeTestRaw()}, modules, g, 1_000_000)
	require.NoError(t, err)

	// Required income 36k: 1e6·(0.01 + 0.04·w_inc) ≥ 36_000 needs w_inc ≥ 0.65.
	assert.GreaterOrEqual(t, res.ModuleWeights["income"], 0.65-1e-6)
	assert.InDelta(t, 1.0, sumWeights(res.AssetWeights), 1e-6)

	income := 1_000_000 * (res.ModuleWeights["growth"]*0.01 + res.ModuleWeights["income"]*0.05)
	assert.GreaterOrEqual(t, income, 36_000-1e-3)
}

func TestIncomeFloor_ViolationWhenCapTooLow(t *testing.T) {
	modules := incomeTestModules()
	g := domain.Guardrails{
		AssetCap: 0.15,
		ModuleCaps: map[string][2]float64{
			"growth": {0.0, 1.0},
			"income": {0.0, 0.50},
		},
		WithdrawalBase: 30_000,
		IncomeCoverage: 1.2,
		VolLower:       0.02,
		VolUpper:       0.20,
	}

	e := NewEnforcer(testCfg(), zerolog.Nop())
	_, err := e.Project(Input{AssetWeights: incomeTestRaw()}, modules, g, 1_000_000)
	require.Error(t, err)

	var floorErr *domain.IncomeFloorError
	require.ErrorAs(t, err, &floorErr)
	assert.InDelta(t, 36_000, floorErr.Required, 1e-6)
	assert.Less(t, floorErr.Achievable, floorErr.Required)
}

func TestVolatilityBand_SoftViolationAfterBoundedCorrection(t *testing.T) {
	modules := []domain.Module{
		{ID: "growth", Category: domain.CategoryGrowth, TrailingVol: 0.20,
			Assets: []string{"G1", "G2", "G3", "G4", "G5", "G6", "G7"}},
		{ID: "income", Category: domain.CategoryIncome, TrailingVol: 0.02,
			Assets: []string{"I1", "I2", "I3", "I4", "I5", "I6", "I7"}},
	}
	g := domain.Guardrails{
		AssetCap: 0.15,
		ModuleCaps: map[string][2]float64{
			"growth": {0.0, 1.0},
			"income": {0.0, 1.0},
		},
		VolLower: 0.08,
		VolUpper: 0.12,
	}
	raw := make(map[string]float64)
	for _, a := range modules[0].Assets {
		raw[a] = 0.80 / 7
	}
	for _, a := range modules[1].Assets {
		raw[a] = 0.20 / 7
	}

	e := NewEnforcer(testCfg(), zerolog.Nop())
	res, err := e.Project(Input{AssetWeights: raw}, modules, g, 1_000_000)
	require.NoError(t, err)

	// Uncorrected vol 0.164; the bounded (×0.75) correction lands at 0.128,
	// still above the band, so the breach is reported but not blocking.
	assert.Less(t, res.ModuleWeights["growth"], 0.80)
	assert.NotEmpty(t, res.SoftViolations)
	assert.InDelta(t, 1.0, sumWeights(res.AssetWeights), 1e-6)
}

func TestEstimateVolatility_CovarianceAware(t *testing.T) {
	modules := []domain.Module{
		{ID: "a", TrailingVol: 0.20},
		{ID: "b", TrailingVol: 0.10},
	}
	weights := map[string]float64{"a": 0.5, "b": 0.5}

	// Fallback assumes full correlation.
	assert.InDelta(t, 0.15, EstimateVolatility(weights, modules, nil), 1e-9)

	// Uncorrelated covariance gives the lower diversified estimate.
	cov := &ModuleCovariance{
		IDs: []string{"a", "b"},
		Matrix: [][]float64{
			{0.04, 0.0},
			{0.0, 0.01},
		},
	}
	diversified := EstimateVolatility(weights, modules, cov)
	assert.InDelta(t, 0.1118, diversified, 1e-3)
	assert.Less(t, diversified, 0.15)
}

func TestProject_Deterministic(t *testing.T) {
	modules := incomeTestModules()
	g := domain.Guardrails{
		AssetCap: 0.15,
		ModuleCaps: map[string][2]float64{
			"growth": {0.0, 1.0},
			"income": {0.0, 0.70},
		},
		WithdrawalBase: 30_000,
		IncomeCoverage: 1.2,
		VolLower:       0.02,
		VolUpper:       0.20,
	}
	e := NewEnforcer(testCfg(), zerolog.Nop())

	first, err := e.Project(Input{AssetWeights: incomeTestRaw()}, modules, g, 1_000_000)
	require.NoError(t, err)
	second, err := e.Project(Input{AssetWeights: incomeTestRaw()}, modules, g, 1_000_000)
	require.NoError(t, err)

	assert.Equal(t, first.AssetWeights, second.AssetWeights)
}
