// Package plasticity adapts the per-module trust weights from realized
// attribution. Trust is the slow path of the allocator: it drifts with
// evidence instead of jumping with a single month's scores.
package plasticity

import (
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/coordinator/internal/config"
	"github.com/aristath/coordinator/internal/domain"
)

// momentumDecay smooths raw attribution before it moves trust. A single
// month's attribution is noisy; the smoothed value is dominated by the last
// two cycles.
const momentumDecay = 0.5

// normalizeIters bounds the clamp-and-redistribute loop in renormalize.
const normalizeIters = 25

// Tracker owns the trust update rule. It mutates PlasticityState in place;
// callers clone first when they need rollback on failure.
type Tracker struct {
	cfg config.AllocatorConfig
	log zerolog.Logger
}

// NewTracker creates a new plasticity tracker
func NewTracker(cfg config.AllocatorConfig, log zerolog.Logger) *Tracker {
	return &Tracker{
		cfg: cfg,
		log: log.With().Str("component", "plasticity_tracker").Logger(),
	}
}

// NewState returns equal trust across the given modules with zeroed momentum.
func NewState(moduleIDs []string, adaptationRate float64) *domain.PlasticityState {
	trust := make(map[string]float64, len(moduleIDs))
	momentum := make(map[string]float64, len(moduleIDs))
	for _, id := range moduleIDs {
		trust[id] = 1.0 / float64(len(moduleIDs))
		momentum[id] = 0
	}
	return &domain.PlasticityState{
		Trust:          trust,
		Momentum:       momentum,
		AdaptationRate: adaptationRate,
	}
}

// Update applies one cycle of trust adaptation: momentum-smoothed attribution
// relative to the cross-module mean, scaled by the adaptation rate (boosted
// under stress), clamped to the trust bounds and renormalized to sum 1.
// Modules at zero trust are lesioned and stay at zero.
func (t *Tracker) Update(state *domain.PlasticityState, attr domain.Attribution, port *domain.PortfolioState) {
	eta := state.AdaptationRate
	if eta <= 0 {
		eta = t.cfg.AdaptationRate
	}

	state.Stressed = t.stressed(port)
	if state.Stressed {
		eta *= t.cfg.StressMultiplier
	}

	active := activeModules(state)
	if len(active) == 0 {
		t.log.Warn().Msg("No module holds trust, skipping plasticity update")
		return
	}

	if state.Momentum == nil {
		state.Momentum = make(map[string]float64, len(active))
	}
	smoothed := make([]float64, 0, len(active))
	for _, id := range active {
		state.Momentum[id] = momentumDecay*state.Momentum[id] + (1-momentumDecay)*attr[id]
		smoothed = append(smoothed, state.Momentum[id])
	}
	mean := stat.Mean(smoothed, nil)

	for _, id := range active {
		state.Trust[id] += eta * (state.Momentum[id] - mean)
	}
	t.renormalize(state)

	t.log.Debug().
		Float64("eta", eta).
		Bool("stressed", state.Stressed).
		Int("active_modules", len(active)).
		Msg("Trust updated")
}

// Lesion drives a module's trust to zero and redistributes its weight across
// the remaining modules. Zero trust is an ordinary state downstream: the
// scoring softmax simply never allocates to the module.
func (t *Tracker) Lesion(state *domain.PlasticityState, moduleID string) error {
	return t.SetTrust(state, moduleID, 0)
}

// SetTrust overrides one module's trust and renormalizes the rest. Zero
// lesions the module; positive values are clamped into the trust bounds after
// renormalization.
func (t *Tracker) SetTrust(state *domain.PlasticityState, moduleID string, trust float64) error {
	if _, ok := state.Trust[moduleID]; !ok {
		return fmt.Errorf("set trust: unknown module %s", moduleID)
	}
	if math.IsNaN(trust) || trust < 0 {
		return fmt.Errorf("set trust: value %v for module %s must be >= 0", trust, moduleID)
	}

	state.Trust[moduleID] = trust
	state.Momentum[moduleID] = 0
	t.renormalize(state)

	t.log.Info().
		Str("module", moduleID).
		Float64("trust", state.Trust[moduleID]).
		Msg("Trust override applied")
	return nil
}

// renormalize scales active trust back to sum 1 while keeping every active
// module inside [min_trust, max_trust]. Clamping and rescaling fight each
// other, so the residual is redistributed iteratively among unclamped
// modules, the same way the guardrail projection treats caps.
func (t *Tracker) renormalize(state *domain.PlasticityState) {
	active := activeModules(state)
	if len(active) == 0 {
		return
	}

	lo, hi := t.cfg.MinTrust, t.cfg.MaxTrust
	if hi <= 0 || hi > 1 {
		hi = 1
	}
	// Bounds infeasible for this module count: fall back to a plain rescale.
	if float64(len(active))*lo > 1 || float64(len(active))*hi < 1 {
		scaleToOne(state, active)
		return
	}

	for iter := 0; iter < normalizeIters; iter++ {
		sum := 0.0
		for _, id := range active {
			state.Trust[id] = clamp(state.Trust[id], lo, hi)
			sum += state.Trust[id]
		}

		residual := 1.0 - sum
		if math.Abs(residual) <= 1e-12 {
			return
		}

		free := make([]string, 0, len(active))
		freeSum := 0.0
		for _, id := range active {
			if residual > 0 && state.Trust[id] >= hi {
				continue
			}
			if residual < 0 && state.Trust[id] <= lo {
				continue
			}
			free = append(free, id)
			freeSum += state.Trust[id]
		}
		if len(free) == 0 || freeSum <= 0 {
			scaleToOne(state, active)
			return
		}
		for _, id := range free {
			state.Trust[id] += residual * state.Trust[id] / freeSum
		}
	}
	scaleToOne(state, active)
}

// stressed reports whether the portfolio is in a stress regime: realized
// volatility above the target band or a trailing drawdown beyond the
// configured threshold.
func (t *Tracker) stressed(port *domain.PortfolioState) bool {
	if port == nil {
		return false
	}
	if t.cfg.TargetVolUpper > 0 && port.RealizedVol > t.cfg.TargetVolUpper {
		return true
	}
	return t.cfg.DrawdownThreshold > 0 && maxDrawdown(port.TrailingReturns) >= t.cfg.DrawdownThreshold
}

// maxDrawdown is the largest peak-to-trough loss of the compounded monthly
// return series.
func maxDrawdown(returns []float64) float64 {
	nav, peak, maxDD := 1.0, 1.0, 0.0
	for _, r := range returns {
		nav *= 1 + r
		if nav > peak {
			peak = nav
		}
		if dd := (peak - nav) / peak; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

func activeModules(state *domain.PlasticityState) []string {
	active := make([]string, 0, len(state.Trust))
	for id, tr := range state.Trust {
		if tr > 0 {
			active = append(active, id)
		}
	}
	sort.Strings(active)
	return active
}

func scaleToOne(state *domain.PlasticityState, active []string) {
	sum := 0.0
	for _, id := range active {
		sum += state.Trust[id]
	}
	if sum <= 0 {
		return
	}
	for _, id := range active {
		state.Trust[id] /= sum
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
