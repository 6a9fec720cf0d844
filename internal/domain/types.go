// Package domain contains the core allocator types shared by all modules.
// The domain layer is pure: no infrastructure dependencies.
package domain

import "time"

// Category classifies an expert module by the sleeve it manages.
type Category string

const (
	CategoryGrowth       Category = "growth"
	CategoryIncome       Category = "income"
	CategoryTrend        Category = "trend"
	CategoryDefensive    Category = "defensive"
	CategoryCommodity    Category = "commodity"
	CategoryConstruction Category = "construction"
)

// Score is a single (alpha, risk, confidence) estimate produced by an expert
// module for itself or for one of its assets.
type Score struct {
	Alpha      float64 `json:"alpha"`
	Risk       float64 `json:"risk"`
	Confidence float64 `json:"confidence"`
}

// Module describes one of the six scoring experts: its asset membership,
// cap band and trailing realized volatility. The model behind the scores is
// an external collaborator; the coordinator only sees this descriptor.
type Module struct {
	ID          string   `json:"id"`
	Category    Category `json:"category"`
	Assets      []string `json:"assets"`
	MinWeight   float64  `json:"min_weight"` // aggregate cap band, default 0.05
	MaxWeight   float64  `json:"max_weight"` // default 0.30
	TrailingVol float64  `json:"trailing_vol"`
	// Yield is the projected annual distributable yield of the module's
	// sleeve, used by the income-floor guardrail.
	Yield float64 `json:"yield"`
}

// ModuleScores holds one cycle's estimates for a module: the module-level
// score plus the per-asset scores of its sub-universe.
type ModuleScores struct {
	Module Score            `json:"module"`
	Assets map[string]Score `json:"assets"`
}

// ScoreSet is the full scoring input for one rebalance cycle, keyed by
// module ID.
type ScoreSet map[string]ModuleScores

// Window is a purged, backward-looking training window. End is exclusive and
// must never reach the cycle's as-of date.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ScoreProvider is the contract every expert module satisfies. Implementations
// must only consume data dated strictly before asOf.
type ScoreProvider interface {
	ProduceScore(asOf time.Time, window Window) (ModuleScores, error)
}

// Guardrails is the hard/soft constraint set a committed allocation must
// satisfy. It is immutable during a cycle.
type Guardrails struct {
	AssetCap        float64            `json:"asset_cap"`        // per-asset weight cap
	ModuleCaps      map[string][2]float64 `json:"module_caps"`   // module ID -> [min, max]
	WithdrawalBase  float64            `json:"withdrawal_base"`  // annual obligation, same unit as AUM
	IncomeCoverage  float64            `json:"income_coverage"`  // required ICR
	VolLower        float64            `json:"vol_lower"`
	VolUpper        float64            `json:"vol_upper"`
	AnnualTurnover  float64            `json:"annual_turnover"`
	TurnoverBankCap float64            `json:"turnover_bank_cap"`
}

// PortfolioState is the committed allocation plus the trailing data needed by
// the guardrails and the plasticity tracker. It is created once at system
// initialization and mutated in place at cycle commit only.
type PortfolioState struct {
	AsOf            time.Time          `json:"as_of"`
	Weights         map[string]float64 `json:"weights"` // asset -> weight
	AUM             float64            `json:"aum"`
	TrailingReturns []float64          `json:"trailing_returns"` // monthly, oldest first
	RealizedVol     float64            `json:"realized_vol"`     // annualized
	// MonthlyTurnover holds turnover spent in each of the trailing twelve
	// cycles, most recent last.
	MonthlyTurnover []float64 `json:"monthly_turnover"`
	TurnoverBank    float64   `json:"turnover_bank"`
}

// PlasticityState carries the bounded trust weights and their momentum terms.
// Trust always sums to 1 across modules; zero trust is a valid state.
type PlasticityState struct {
	Trust          map[string]float64 `json:"trust"`
	Momentum       map[string]float64 `json:"momentum"`
	AdaptationRate float64            `json:"adaptation_rate"`
	Stressed       bool               `json:"stressed"`
}

// Clone returns a deep copy. Pipeline stages work on copies so a fatal error
// leaves the committed state untouched.
func (p *PortfolioState) Clone() *PortfolioState {
	cp := *p
	cp.Weights = copyMap(p.Weights)
	cp.TrailingReturns = append([]float64(nil), p.TrailingReturns...)
	cp.MonthlyTurnover = append([]float64(nil), p.MonthlyTurnover...)
	return &cp
}

// Clone returns a deep copy of the plasticity state.
func (p *PlasticityState) Clone() *PlasticityState {
	cp := *p
	cp.Trust = copyMap(p.Trust)
	cp.Momentum = copyMap(p.Momentum)
	return &cp
}

func copyMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Attribution is each module's realized contribution to portfolio return
// since the previous rebalance, keyed by module ID.
type Attribution map[string]float64

// Allocation is a committed rebalance outcome.
type Allocation struct {
	CycleID       string             `json:"cycle_id"`
	AsOf          time.Time          `json:"as_of"`
	Weights       map[string]float64 `json:"weights"`        // asset level
	ModuleWeights map[string]float64 `json:"module_weights"` // aggregate per module
	TurnoverUsed  float64            `json:"turnover_used"`
	VolEstimate   float64            `json:"vol_estimate"`
	// SoftViolations lists guardrails that were breached but did not block
	// the commit (volatility band after its single corrective pass).
	SoftViolations []string `json:"soft_violations,omitempty"`
	// ExcludedModules lists modules dropped for this cycle because their
	// scores were invalid.
	ExcludedModules []string `json:"excluded_modules,omitempty"`
}
