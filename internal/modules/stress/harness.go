// Package stress answers "what would the allocator do" under perturbed
// inputs, without touching committed state. It drives the scheduler's preview
// pipeline with shocked scores and with single modules disabled.
package stress

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/coordinator/internal/domain"
)

// Allocator is the slice of the rebalance scheduler the harness needs.
type Allocator interface {
	Preview(asOf time.Time, scores domain.ScoreSet) (*domain.Allocation, error)
	Modules() []domain.Module
}

// Scenario shocks module and asset scores by category. Shocks are additive:
// alpha moves by AlphaShock, risk by RiskShock.
type Scenario struct {
	Name       string
	AlphaShock map[domain.Category]float64
	RiskShock  map[domain.Category]float64
}

// Result pairs a scenario with the allocation it produces.
type Result struct {
	Scenario   string             `json:"scenario"`
	Allocation *domain.Allocation `json:"allocation"`
}

// Scenarios returns the canned stress book.
func Scenarios() []Scenario {
	return []Scenario{
		{
			Name: "rate_shock",
			AlphaShock: map[domain.Category]float64{
				domain.CategoryIncome:    -0.03,
				domain.CategoryDefensive: -0.01,
			},
			RiskShock: map[domain.Category]float64{
				domain.CategoryIncome: 0.02,
			},
		},
		{
			Name: "commodity_spike",
			AlphaShock: map[domain.Category]float64{
				domain.CategoryCommodity: 0.04,
				domain.CategoryGrowth:    -0.02,
			},
			RiskShock: map[domain.Category]float64{
				domain.CategoryCommodity: 0.03,
			},
		},
		{
			Name: "equity_credit_stress",
			AlphaShock: map[domain.Category]float64{
				domain.CategoryGrowth: -0.04,
				domain.CategoryIncome: -0.02,
			},
			RiskShock: map[domain.Category]float64{
				domain.CategoryGrowth: 0.04,
				domain.CategoryIncome: 0.02,
			},
		},
		{
			Name: "tech_crash",
			AlphaShock: map[domain.Category]float64{
				domain.CategoryGrowth: -0.08,
				domain.CategoryTrend:  -0.03,
			},
			RiskShock: map[domain.Category]float64{
				domain.CategoryGrowth: 0.06,
			},
		},
	}
}

// Harness runs stress and lesion previews against an allocator.
type Harness struct {
	alloc Allocator
	log   zerolog.Logger
}

// NewHarness creates a stress harness.
func NewHarness(alloc Allocator, log zerolog.Logger) *Harness {
	return &Harness{
		alloc: alloc,
		log:   log.With().Str("component", "stress_harness").Logger(),
	}
}

// Run previews one scenario against the given base scores.
func (h *Harness) Run(asOf time.Time, base domain.ScoreSet, sc Scenario) (*Result, error) {
	shocked := h.applyShocks(base, sc)
	alloc, err := h.alloc.Preview(asOf, shocked)
	if err != nil {
		return nil, fmt.Errorf("stress scenario %s: %w", sc.Name, err)
	}

	h.log.Info().
		Str("scenario", sc.Name).
		Float64("vol_estimate", alloc.VolEstimate).
		Int("soft_violations", len(alloc.SoftViolations)).
		Msg("Stress scenario evaluated")
	return &Result{Scenario: sc.Name, Allocation: alloc}, nil
}

// RunAll previews every canned scenario.
func (h *Harness) RunAll(asOf time.Time, base domain.ScoreSet) ([]Result, error) {
	results := make([]Result, 0, len(Scenarios()))
	for _, sc := range Scenarios() {
		res, err := h.Run(asOf, base, sc)
		if err != nil {
			return nil, err
		}
		results = append(results, *res)
	}
	return results, nil
}

// DisableModule previews the cycle with one module removed from the scoring
// input. Dropping its scores zeroes its weight exactly like a trust lesion:
// the softmax renormalizes over the survivors either way.
func (h *Harness) DisableModule(asOf time.Time, base domain.ScoreSet, moduleID string) (*domain.Allocation, error) {
	if _, ok := base[moduleID]; !ok {
		return nil, fmt.Errorf("lesion: no scores for module %s", moduleID)
	}

	lesioned := make(domain.ScoreSet, len(base))
	for id, ms := range base {
		if id == moduleID {
			continue
		}
		lesioned[id] = ms
	}

	alloc, err := h.alloc.Preview(asOf, lesioned)
	if err != nil {
		return nil, fmt.Errorf("lesion %s: %w", moduleID, err)
	}
	h.log.Info().Str("module", moduleID).Msg("Lesion scenario evaluated")
	return alloc, nil
}

// applyShocks returns a deep copy of the scores with the scenario applied to
// every module of a shocked category, at both score levels.
func (h *Harness) applyShocks(base domain.ScoreSet, sc Scenario) domain.ScoreSet {
	category := make(map[string]domain.Category, len(h.alloc.Modules()))
	for _, mod := range h.alloc.Modules() {
		category[mod.ID] = mod.Category
	}

	shocked := make(domain.ScoreSet, len(base))
	for id, ms := range base {
		dAlpha := sc.AlphaShock[category[id]]
		dRisk := sc.RiskShock[category[id]]

		out := domain.ModuleScores{
			Module: domain.Score{
				Alpha:      ms.Module.Alpha + dAlpha,
				Risk:       ms.Module.Risk + dRisk,
				Confidence: ms.Module.Confidence,
			},
			Assets: make(map[string]domain.Score, len(ms.Assets)),
		}
		for asset, s := range ms.Assets {
			out.Assets[asset] = domain.Score{
				Alpha:      s.Alpha + dAlpha,
				Risk:       s.Risk + dRisk,
				Confidence: s.Confidence,
			}
		}
		shocked[id] = out
	}
	return shocked
}
