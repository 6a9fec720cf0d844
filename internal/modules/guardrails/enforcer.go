// Package guardrails projects raw weight vectors onto the feasible set
// defined by per-asset caps, module cap bands, the income floor and the
// portfolio volatility band.
package guardrails

import (
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/aristath/coordinator/internal/config"
	"github.com/aristath/coordinator/internal/domain"
)

// Input carries one cycle's raw allocation into the enforcer.
type Input struct {
	AssetWeights map[string]float64 // raw, sums to 1
	// ModuleRisk orders income-floor donors: the least risk-penalized
	// modules give up weight first. Falls back to Module.TrailingVol.
	ModuleRisk map[string]float64
	// Cov is an optional module-level covariance. When absent the vol
	// estimate degrades to a conservative weighted sum.
	Cov *ModuleCovariance
}

// Result is a feasible allocation: sums to 1, all hard caps satisfied.
type Result struct {
	AssetWeights   map[string]float64
	ModuleWeights  map[string]float64
	VolEstimate    float64
	SoftViolations []string
}

// Enforcer validates guardrail configuration and projects raw weights onto
// the feasible set via iterative proportional capping (water-filling).
type Enforcer struct {
	cfg config.AllocatorConfig
	log zerolog.Logger
}

// NewEnforcer creates a new guardrail enforcer
func NewEnforcer(cfg config.AllocatorConfig, log zerolog.Logger) *Enforcer {
	return &Enforcer{
		cfg: cfg,
		log: log.With().Str("component", "guardrail_enforcer").Logger(),
	}
}

// ValidateGuardrails checks feasibility of the cap intersection. Called once
// before any rebalance attempt; violations are fatal ConfigErrors.
func (e *Enforcer) ValidateGuardrails(modules []domain.Module, g domain.Guardrails) error {
	if g.AssetCap <= 0 || g.AssetCap > 1 {
		return &domain.ConfigError{Reason: fmt.Sprintf("asset cap %.4f outside (0, 1]", g.AssetCap)}
	}

	var minSum, maxSum float64
	for _, mod := range modules {
		band, ok := g.ModuleCaps[mod.ID]
		if !ok {
			return &domain.ConfigError{Reason: fmt.Sprintf("module %s has no cap band", mod.ID)}
		}
		if band[0] < 0 || band[1] > 1 || band[0] > band[1] {
			return &domain.ConfigError{Reason: fmt.Sprintf("module %s cap band [%.4f, %.4f] invalid", mod.ID, band[0], band[1])}
		}
		// The module cannot reach its minimum if its assets saturate first.
		reachable := math.Min(band[1], g.AssetCap*float64(len(mod.Assets)))
		if reachable < band[0] {
			return &domain.ConfigError{Reason: fmt.Sprintf("module %s minimum %.4f unreachable under the %.2f asset cap", mod.ID, band[0], g.AssetCap)}
		}
		minSum += band[0]
		maxSum += reachable
	}

	if minSum > 1+e.cfg.ProjectionEps {
		return &domain.ConfigError{Reason: fmt.Sprintf("module minimums sum to %.4f > 1", minSum)}
	}
	if maxSum < 1-e.cfg.ProjectionEps {
		return &domain.ConfigError{Reason: fmt.Sprintf("module maximums sum to %.4f < 1", maxSum)}
	}
	return nil
}

// Project produces a feasible weight vector from the raw allocation.
// Order of operations: cap projection, income floor, volatility band with at
// most one corrective re-projection. The volatility band is soft; everything
// else is hard.
func (e *Enforcer) Project(in Input, modules []domain.Module, g domain.Guardrails, aum float64) (*Result, error) {
	weights, err := e.waterFill(in.AssetWeights, modules, g)
	if err != nil {
		return nil, err
	}

	weights, err = e.enforceIncomeFloor(weights, in, modules, g, aum)
	if err != nil {
		return nil, err
	}

	var soft []string
	vol := EstimateVolatility(aggregateByModule(weights, modules), modules, in.Cov)
	if vol < g.VolLower || vol > g.VolUpper {
		corrected, ok := e.correctVolatility(weights, in, modules, g, aum, vol)
		if ok {
			weights = corrected
			vol = EstimateVolatility(aggregateByModule(weights, modules), modules, in.Cov)
		}
		if vol < g.VolLower || vol > g.VolUpper {
			msg := fmt.Sprintf("volatility %.4f outside band [%.2f, %.2f]", vol, g.VolLower, g.VolUpper)
			soft = append(soft, msg)
			e.log.Warn().Float64("vol", vol).Msg("Volatility band breach after corrective pass, committing anyway")
		}
	}

	return &Result{
		AssetWeights:   weights,
		ModuleWeights:  aggregateByModule(weights, modules),
		VolEstimate:    vol,
		SoftViolations: soft,
	}, nil
}

// waterFill iteratively clips weights to their caps and redistributes the
// removed excess proportionally to raw share among entries not at a cap.
// Redistribution priority between simultaneously capped modules is
// proportional to raw share; the source design left this open.
func (e *Enforcer) waterFill(raw map[string]float64, modules []domain.Module, g domain.Guardrails) (map[string]float64, error) {
	owner := assetOwners(modules)
	weights := make(map[string]float64, len(raw))
	for asset, w := range raw {
		if _, ok := owner[asset]; !ok {
			return nil, &domain.ConfigError{Reason: fmt.Sprintf("asset %s belongs to no module", asset)}
		}
		weights[asset] = w
	}

	var residual float64
	for iter := 0; iter < e.cfg.ProjectionIters; iter++ {
		cappedAssets := make(map[string]bool)
		moduleAtMax := make(map[string]bool)
		moduleAtMin := make(map[string]bool)

		// Module aggregates to their cap band: scale member assets together.
		for _, mod := range modules {
			band := g.ModuleCaps[mod.ID]
			agg := 0.0
			for _, asset := range mod.Assets {
				agg += weights[asset]
			}
			switch {
			case agg > band[1]+e.cfg.ProjectionEps:
				scale := band[1] / agg
				for _, asset := range mod.Assets {
					weights[asset] *= scale
				}
				moduleAtMax[mod.ID] = true
			case agg < band[0]-e.cfg.ProjectionEps && band[0] > 0:
				if agg > 0 {
					scale := band[0] / agg
					for _, asset := range mod.Assets {
						weights[asset] *= scale
					}
				} else {
					// Module currently empty: seed equally to reach its floor.
					per := band[0] / float64(len(mod.Assets))
					for _, asset := range mod.Assets {
						weights[asset] = per
					}
				}
				moduleAtMin[mod.ID] = true
			case agg >= band[1]-e.cfg.ProjectionEps:
				moduleAtMax[mod.ID] = true
			case agg <= band[0]+e.cfg.ProjectionEps && band[0] > 0:
				moduleAtMin[mod.ID] = true
			}
		}

		// Per-asset cap.
		for asset, w := range weights {
			if w > g.AssetCap+e.cfg.ProjectionEps {
				weights[asset] = g.AssetCap
			}
			if weights[asset] >= g.AssetCap-e.cfg.ProjectionEps {
				cappedAssets[asset] = true
			}
		}

		sum := 0.0
		for _, w := range weights {
			sum += w
		}
		residual = 1.0 - sum

		if math.Abs(residual) <= e.cfg.ProjectionEps {
			if e.capsSatisfied(weights, modules, g) {
				return weights, nil
			}
			continue
		}

		if residual > 0 {
			// Redistribute the clipped excess among assets that can still
			// grow, proportional to their raw (pre-clip) share.
			var freeRaw float64
			free := make([]string, 0, len(weights))
			for asset := range weights {
				if cappedAssets[asset] || moduleAtMax[owner[asset]] {
					continue
				}
				free = append(free, asset)
				freeRaw += raw[asset]
			}
			if len(free) == 0 || freeRaw <= 0 {
				return nil, &domain.ProjectionError{Iterations: iter + 1, Residual: residual}
			}
			sort.Strings(free)
			for _, asset := range free {
				weights[asset] += residual * raw[asset] / freeRaw
			}
		} else {
			// Over 1 after floor-raising: shave from assets whose module is
			// not pinned at its minimum, proportional to current weight.
			var shrinkable float64
			shrink := make([]string, 0, len(weights))
			for asset, w := range weights {
				if moduleAtMin[owner[asset]] {
					continue
				}
				shrink = append(shrink, asset)
				shrinkable += w
			}
			if len(shrink) == 0 || shrinkable <= 0 {
				return nil, &domain.ProjectionError{Iterations: iter + 1, Residual: residual}
			}
			sort.Strings(shrink)
			for _, asset := range shrink {
				weights[asset] += residual * weights[asset] / shrinkable
			}
		}
	}

	return nil, &domain.ProjectionError{Iterations: e.cfg.ProjectionIters, Residual: residual}
}

// capsSatisfied verifies every hard cap on the candidate vector.
func (e *Enforcer) capsSatisfied(weights map[string]float64, modules []domain.Module, g domain.Guardrails) bool {
	for _, w := range weights {
		if w > g.AssetCap+e.cfg.ProjectionEps {
			return false
		}
	}
	for _, mod := range modules {
		band := g.ModuleCaps[mod.ID]
		agg := 0.0
		for _, asset := range mod.Assets {
			agg += weights[asset]
		}
		if agg > band[1]+1e-6 || agg < band[0]-1e-6 {
			return false
		}
	}
	return true
}

// enforceIncomeFloor verifies projected distributable income covers the
// withdrawal obligation at the required ratio, shifting weight into the
// income module from the least risk-penalized donors when it does not.
func (e *Enforcer) enforceIncomeFloor(
	weights map[string]float64,
	in Input,
	modules []domain.Module,
	g domain.Guardrails,
	aum float64,
) (map[string]float64, error) {
	if g.WithdrawalBase <= 0 || aum <= 0 {
		return weights, nil
	}
	required := g.WithdrawalBase * g.IncomeCoverage

	incomeMod, ok := findIncomeModule(modules)
	if !ok {
		return nil, &domain.ConfigError{Reason: "income floor configured but no income module present"}
	}

	moduleWeights := aggregateByModule(weights, modules)
	income := projectedIncome(moduleWeights, modules, aum)
	if income >= required {
		return weights, nil
	}

	// Donors ordered by risk estimate ascending, then ID for determinism.
	donors := donorOrder(modules, incomeMod.ID, in.ModuleRisk)
	incomeCap := g.ModuleCaps[incomeMod.ID][1]

	wInc := moduleWeights[incomeMod.ID]
	for _, donor := range donors {
		if income >= required {
			break
		}
		gain := incomeMod.Yield - donor.Yield
		if gain <= 0 {
			continue
		}
		floor := g.ModuleCaps[donor.ID][0]
		available := moduleWeights[donor.ID] - floor
		if available <= 0 {
			continue
		}
		need := (required - income) / (aum * gain)
		shift := math.Min(need, math.Min(available, incomeCap-wInc))
		if shift <= 0 {
			break
		}
		moduleWeights[donor.ID] -= shift
		wInc += shift
		moduleWeights[incomeMod.ID] = wInc
		income += aum * shift * gain
	}

	if income < required-1e-9 {
		return nil, &domain.IncomeFloorError{Required: required, Achievable: income}
	}

	// Rescale assets to the adjusted module targets, then re-run the cap
	// projection with the module bands pinned to those targets.
	rescaled := rescaleToModuleTargets(weights, modules, moduleWeights)
	pinned := pinModuleBands(g, moduleWeights)
	projected, err := e.waterFill(rescaled, modules, pinned)
	if err != nil {
		return nil, err
	}
	e.log.Info().
		Float64("income", income).
		Float64("required", required).
		Float64("income_module_weight", wInc).
		Msg("Income floor enforced")
	return projected, nil
}

// correctVolatility scales the risk sleeves against the income sleeve by a
// bounded factor and re-runs the cap projection once. Returns ok=false when
// no correction is possible (e.g. no income module to trade against).
func (e *Enforcer) correctVolatility(
	weights map[string]float64,
	in Input,
	modules []domain.Module,
	g domain.Guardrails,
	aum float64,
	vol float64,
) (map[string]float64, bool) {
	incomeMod, ok := findIncomeModule(modules)
	if !ok {
		return nil, false
	}

	target := g.VolUpper
	if vol < g.VolLower {
		target = g.VolLower
	}
	// Bounded correction: never move risk exposure by more than 25% per pass.
	scale := clamp(target/vol, 0.75, 1.25)

	moduleWeights := aggregateByModule(weights, modules)
	var riskTotal float64
	for id, w := range moduleWeights {
		if id != incomeMod.ID {
			riskTotal += w
		}
	}
	if riskTotal <= 0 {
		return nil, false
	}

	adjusted := make(map[string]float64, len(moduleWeights))
	var newRiskTotal float64
	for id, w := range moduleWeights {
		if id == incomeMod.ID {
			continue
		}
		adjusted[id] = w * scale
		newRiskTotal += w * scale
	}
	adjusted[incomeMod.ID] = moduleWeights[incomeMod.ID] + (riskTotal - newRiskTotal)
	if adjusted[incomeMod.ID] < 0 {
		return nil, false
	}

	rescaled := rescaleToModuleTargets(weights, modules, adjusted)
	projected, err := e.waterFill(rescaled, modules, g)
	if err != nil {
		e.log.Warn().Err(err).Msg("Volatility corrective projection failed, keeping uncorrected weights")
		return nil, false
	}

	// Do not let the correction break the hard income floor.
	checked, err := e.enforceIncomeFloor(projected, in, modules, g, aum)
	if err != nil {
		e.log.Warn().Err(err).Msg("Volatility correction would breach income floor, reverting")
		return nil, false
	}
	return checked, true
}

// Helpers shared with the rebalance scheduler.

func assetOwners(modules []domain.Module) map[string]string {
	owner := make(map[string]string)
	for _, mod := range modules {
		for _, asset := range mod.Assets {
			owner[asset] = mod.ID
		}
	}
	return owner
}

func aggregateByModule(weights map[string]float64, modules []domain.Module) map[string]float64 {
	agg := make(map[string]float64, len(modules))
	for _, mod := range modules {
		sum := 0.0
		for _, asset := range mod.Assets {
			sum += weights[asset]
		}
		agg[mod.ID] = sum
	}
	return agg
}

func projectedIncome(moduleWeights map[string]float64, modules []domain.Module, aum float64) float64 {
	income := 0.0
	for _, mod := range modules {
		income += aum * moduleWeights[mod.ID] * mod.Yield
	}
	return income
}

func findIncomeModule(modules []domain.Module) (domain.Module, bool) {
	for _, mod := range modules {
		if mod.Category == domain.CategoryIncome {
			return mod, true
		}
	}
	return domain.Module{}, false
}

func donorOrder(modules []domain.Module, incomeID string, risk map[string]float64) []domain.Module {
	donors := make([]domain.Module, 0, len(modules))
	for _, mod := range modules {
		if mod.ID != incomeID {
			donors = append(donors, mod)
		}
	}
	sort.Slice(donors, func(i, j int) bool {
		ri, rj := donorRisk(donors[i], risk), donorRisk(donors[j], risk)
		if ri != rj {
			return ri < rj
		}
		return donors[i].ID < donors[j].ID
	})
	return donors
}

func donorRisk(mod domain.Module, risk map[string]float64) float64 {
	if r, ok := risk[mod.ID]; ok {
		return r
	}
	return mod.TrailingVol
}

// rescaleToModuleTargets scales each module's assets proportionally so the
// module aggregates match the given targets.
func rescaleToModuleTargets(weights map[string]float64, modules []domain.Module, targets map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(weights))
	for _, mod := range modules {
		agg := 0.0
		for _, asset := range mod.Assets {
			agg += weights[asset]
		}
		target := targets[mod.ID]
		if agg <= 0 {
			if target > 0 {
				per := target / float64(len(mod.Assets))
				for _, asset := range mod.Assets {
					out[asset] = per
				}
			}
			continue
		}
		scale := target / agg
		for _, asset := range mod.Assets {
			out[asset] = weights[asset] * scale
		}
	}
	return out
}

// pinModuleBands narrows every module's cap band to its adjusted target so a
// subsequent projection preserves the income-floor shift.
func pinModuleBands(g domain.Guardrails, targets map[string]float64) domain.Guardrails {
	pinned := g
	pinned.ModuleCaps = make(map[string][2]float64, len(g.ModuleCaps))
	for id, band := range g.ModuleCaps {
		t, ok := targets[id]
		if !ok {
			pinned.ModuleCaps[id] = band
			continue
		}
		pinned.ModuleCaps[id] = [2]float64{t, t}
	}
	return pinned
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
