// Package rebalance orchestrates the monthly allocation cycle: scoring,
// guardrail projection, turnover limiting and the atomic commit of the new
// portfolio state.
package rebalance

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/coordinator/internal/config"
	"github.com/aristath/coordinator/internal/domain"
	"github.com/aristath/coordinator/internal/modules/guardrails"
	"github.com/aristath/coordinator/internal/modules/plasticity"
	"github.com/aristath/coordinator/internal/modules/scoring"
)

// Phase is the scheduler's position in the cycle state machine.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseScoring          Phase = "scoring"
	PhaseProjecting       Phase = "projecting"
	PhaseTurnoverLimiting Phase = "turnover_limiting"
	PhaseCommitted        Phase = "committed"
)

// HistoryWriter persists one committed cycle: the allocation and its trust
// snapshot together, atomically. A partial write must not survive.
type HistoryWriter interface {
	AppendCycle(alloc *domain.Allocation, trust map[string]float64) error
}

// Publisher fans a committed allocation out to subscribers.
type Publisher interface {
	PublishAllocation(alloc *domain.Allocation)
}

// MetricsRecorder receives per-cycle observability data.
type MetricsRecorder interface {
	RecordCycle(alloc *domain.Allocation)
	RecordTrust(trust map[string]float64)
}

// Deps bundles the scheduler's collaborators. History, Publisher and Metrics
// are optional; a nil field disables that concern.
type Deps struct {
	Aggregator *scoring.Aggregator
	Enforcer   *guardrails.Enforcer
	Tracker    *plasticity.Tracker
	History    HistoryWriter
	Publisher  Publisher
	Metrics    MetricsRecorder
}

// Scheduler is the coordinator: it owns the committed PortfolioState and
// PlasticityState and runs one rebalance cycle at a time. All pipeline work
// happens on clones; the committed state only changes after every stage and
// every persistence write has succeeded.
type Scheduler struct {
	cfg  config.AllocatorConfig
	log  zerolog.Logger
	deps Deps

	mu        sync.Mutex
	modules   []domain.Module
	guards    domain.Guardrails
	portfolio *domain.PortfolioState
	trust     *domain.PlasticityState

	phaseMu sync.RWMutex
	phase   Phase
}

// NewScheduler validates the guardrail configuration and returns a scheduler
// holding the given initial state.
func NewScheduler(
	cfg config.AllocatorConfig,
	modules []domain.Module,
	guards domain.Guardrails,
	portfolio *domain.PortfolioState,
	trust *domain.PlasticityState,
	deps Deps,
	log zerolog.Logger,
) (*Scheduler, error) {
	if deps.Aggregator == nil || deps.Enforcer == nil || deps.Tracker == nil {
		return nil, fmt.Errorf("scheduler requires aggregator, enforcer and tracker")
	}
	if portfolio == nil || trust == nil {
		return nil, fmt.Errorf("scheduler requires initial portfolio and plasticity state")
	}
	if err := deps.Enforcer.ValidateGuardrails(modules, guards); err != nil {
		return nil, err
	}

	return &Scheduler{
		cfg:       cfg,
		log:       log.With().Str("component", "rebalance_scheduler").Logger(),
		deps:      deps,
		modules:   modules,
		guards:    guards,
		portfolio: portfolio,
		trust:     trust,
		phase:     PhaseIdle,
	}, nil
}

// Phase reports the current cycle phase.
func (s *Scheduler) Phase() Phase {
	s.phaseMu.RLock()
	defer s.phaseMu.RUnlock()
	return s.phase
}

func (s *Scheduler) setPhase(p Phase) {
	s.phaseMu.Lock()
	s.phase = p
	s.phaseMu.Unlock()
}

// Snapshot returns deep copies of the committed state.
func (s *Scheduler) Snapshot() (*domain.PortfolioState, *domain.PlasticityState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.portfolio.Clone(), s.trust.Clone()
}

// Modules returns the configured module descriptors.
func (s *Scheduler) Modules() []domain.Module {
	return s.modules
}

// LesionModule zeroes a module's trust outside the rebalance cycle. The next
// cycle simply allocates nothing to it.
func (s *Scheduler) LesionModule(moduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deps.Tracker.Lesion(s.trust, moduleID)
}

// SetTrust overrides one module's trust weight outside the rebalance cycle.
func (s *Scheduler) SetTrust(moduleID string, trust float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deps.Tracker.SetTrust(s.trust, moduleID, trust)
}

// Rebalance runs one full cycle for the given as-of date and commits the
// result. Attribution is each module's realized contribution since the
// previous commit and drives the post-commit trust update. Any error leaves
// the committed state untouched.
func (s *Scheduler) Rebalance(asOf time.Time, scores domain.ScoreSet, attr domain.Attribution) (*domain.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.setPhase(PhaseIdle)

	alloc, port, err := s.pipeline(asOf, scores)
	if err != nil {
		s.log.Error().Err(err).Time("as_of", asOf).Msg("Rebalance cycle failed, state unchanged")
		return nil, err
	}

	trust := s.trust.Clone()
	s.deps.Tracker.Update(trust, attr, port)

	if s.deps.History != nil {
		if err := s.deps.History.AppendCycle(alloc, trust.Trust); err != nil {
			return nil, fmt.Errorf("append cycle history: %w", err)
		}
	}

	// Point of no return: swap the committed state.
	*s.portfolio = *port
	*s.trust = *trust
	s.setPhase(PhaseCommitted)

	s.log.Info().
		Str("cycle_id", alloc.CycleID).
		Time("as_of", asOf).
		Float64("turnover_used", alloc.TurnoverUsed).
		Float64("vol_estimate", alloc.VolEstimate).
		Int("soft_violations", len(alloc.SoftViolations)).
		Msg("Rebalance committed")

	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordCycle(alloc)
		s.deps.Metrics.RecordTrust(trust.Trust)
	}
	if s.deps.Publisher != nil {
		s.deps.Publisher.PublishAllocation(alloc)
	}
	return alloc, nil
}

// Preview runs the same pipeline without committing anything. Stress and
// lesion harnesses use it to answer "what would the allocator do".
func (s *Scheduler) Preview(asOf time.Time, scores domain.ScoreSet) (*domain.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.setPhase(PhaseIdle)

	alloc, _, err := s.pipeline(asOf, scores)
	return alloc, err
}

// pipeline runs scoring, projection and turnover limiting on a clone of the
// portfolio state and returns the would-be allocation plus the updated clone.
func (s *Scheduler) pipeline(asOf time.Time, scores domain.ScoreSet) (*domain.Allocation, *domain.PortfolioState, error) {
	port := s.portfolio.Clone()

	s.setPhase(PhaseScoring)
	raw, err := s.deps.Aggregator.RawWeights(s.modules, scores, s.trust.Trust)
	if err != nil {
		return nil, nil, err
	}

	s.setPhase(PhaseProjecting)
	// Lesioned and excluded modules carry no weight; projecting only the
	// active set keeps their cap floors from resurrecting them.
	active := make([]domain.Module, 0, len(s.modules))
	risk := make(map[string]float64, len(s.modules))
	for _, mod := range s.modules {
		if raw.ModuleWeights[mod.ID] <= 0 {
			continue
		}
		active = append(active, mod)
		risk[mod.ID] = scores[mod.ID].Module.Risk
	}

	res, err := s.deps.Enforcer.Project(guardrails.Input{
		AssetWeights: raw.AssetWeights,
		ModuleRisk:   risk,
	}, active, s.guards, port.AUM)
	if err != nil {
		return nil, nil, err
	}

	s.setPhase(PhaseTurnoverLimiting)
	final, used, newBank := s.limitTurnover(port, res.AssetWeights)

	port.AsOf = asOf
	port.Weights = final
	port.TurnoverBank = newBank
	port.MonthlyTurnover = append(port.MonthlyTurnover, used)
	if len(port.MonthlyTurnover) > 12 {
		port.MonthlyTurnover = port.MonthlyTurnover[len(port.MonthlyTurnover)-12:]
	}

	alloc := &domain.Allocation{
		CycleID:         uuid.NewString(),
		AsOf:            asOf,
		Weights:         final,
		ModuleWeights:   aggregateByModule(final, active),
		TurnoverUsed:    used,
		VolEstimate:     res.VolEstimate,
		SoftViolations:  res.SoftViolations,
		ExcludedModules: raw.Excluded,
	}
	return alloc, port, nil
}

// limitTurnover caps the trading path at this month's budget. The budget is
// one twelfth of the annual allowance plus the banked remainder of previous
// months; when the desired move exceeds it, every delta is scaled uniformly
// so the committed vector is a convex combination of current and target.
// Linear caps survive that combination, so the scaled vector stays feasible.
func (s *Scheduler) limitTurnover(port *domain.PortfolioState, target map[string]float64) (map[string]float64, float64, float64) {
	// First allocation: nothing to trade away from, no turnover charged.
	if len(port.Weights) == 0 {
		return target, 0, clampBank(port.TurnoverBank+s.guards.AnnualTurnover/12, s.guards.TurnoverBankCap)
	}

	monthly := s.guards.AnnualTurnover / 12
	budget := monthly + port.TurnoverBank

	desired := 0.0
	for _, asset := range unionKeys(port.Weights, target) {
		desired += math.Abs(target[asset] - port.Weights[asset])
	}

	if desired <= budget {
		return target, desired, clampBank(budget-desired, s.guards.TurnoverBankCap)
	}

	scale := budget / desired
	final := make(map[string]float64, len(target))
	for _, asset := range unionKeys(port.Weights, target) {
		w := port.Weights[asset] + scale*(target[asset]-port.Weights[asset])
		if w > 0 {
			final[asset] = w
		}
	}
	s.log.Info().
		Float64("desired", desired).
		Float64("budget", budget).
		Float64("scale", scale).
		Msg("Turnover budget binding, scaling deltas")
	return final, budget, 0
}

func clampBank(bank, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return math.Max(0, math.Min(bank, limit))
}

func unionKeys(a, b map[string]float64) []string {
	seen := make(map[string]bool, len(a)+len(b))
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		seen[k] = true
		keys = append(keys, k)
	}
	for k := range b {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	return keys
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
