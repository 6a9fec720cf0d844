// Package scoring converts module- and asset-level scores into raw
// pre-guardrail weights via a two-level temperature softmax.
package scoring

import (
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/aristath/coordinator/internal/config"
	"github.com/aristath/coordinator/internal/domain"
)

// RawAllocation is the aggregator output: weights sum to 1, no guardrails
// applied yet.
type RawAllocation struct {
	ModuleWeights map[string]float64 // module ID -> weight
	AssetWeights  map[string]float64 // asset -> module weight × intra weight
	// Excluded lists modules dropped this cycle because of invalid scores.
	// Their trust is untouched; their weight is redistributed by the softmax.
	Excluded []string
}

// Aggregator computes score = alpha − κ·risk at module and asset level and
// applies a temperature softmax independently at each level. The module-level
// softmax is biased by the current trust weight as an additive log-prior.
type Aggregator struct {
	cfg config.AllocatorConfig
	log zerolog.Logger
}

// NewAggregator creates a new score aggregator
func NewAggregator(cfg config.AllocatorConfig, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		cfg: cfg,
		log: log.With().Str("component", "score_aggregator").Logger(),
	}
}

// RawWeights computes the raw weight vector for one cycle.
// Modules with NaN or out-of-range scores are treated as lesioned for this
// cycle only: excluded from both softmax levels with a warning, trust intact.
func (a *Aggregator) RawWeights(
	modules []domain.Module,
	scores domain.ScoreSet,
	trust map[string]float64,
) (*RawAllocation, error) {
	if a.cfg.Temperature <= 0 {
		return nil, &domain.ConfigError{Reason: "softmax temperature must be > 0"}
	}

	var excluded []string
	logits := make(map[string]float64)
	for _, mod := range modules {
		ms, ok := scores[mod.ID]
		if !ok {
			excluded = append(excluded, mod.ID)
			a.log.Warn().Str("module", mod.ID).Msg("No scores supplied, excluding module for this cycle")
			continue
		}
		if reason := validateScores(ms); reason != "" {
			excluded = append(excluded, mod.ID)
			a.log.Warn().
				Err(&domain.InvalidScoreError{ModuleID: mod.ID, Reason: reason}).
				Str("module", mod.ID).
				Msg("Invalid score, excluding module for this cycle")
			continue
		}

		tr := trust[mod.ID]
		if tr <= 0 {
			// Lesioned (or driven to zero trust): weight is exactly 0,
			// no log-prior to compute.
			continue
		}
		logits[mod.ID] = a.score(ms.Module)/a.cfg.Temperature + math.Log(tr)
	}

	if len(logits) == 0 {
		return nil, &domain.ConfigError{Reason: "no module produced a usable score this cycle"}
	}

	moduleWeights := softmax(logits)

	assetWeights := make(map[string]float64)
	for _, mod := range modules {
		mw := moduleWeights[mod.ID]
		if mw == 0 {
			continue
		}
		intra := a.intraModuleWeights(scores[mod.ID])
		for asset, w := range intra {
			assetWeights[asset] = mw * w
		}
	}

	sort.Strings(excluded)
	return &RawAllocation{
		ModuleWeights: moduleWeights,
		AssetWeights:  assetWeights,
		Excluded:      excluded,
	}, nil
}

// intraModuleWeights runs the asset-level softmax within one module.
func (a *Aggregator) intraModuleWeights(ms domain.ModuleScores) map[string]float64 {
	logits := make(map[string]float64, len(ms.Assets))
	for asset, s := range ms.Assets {
		logits[asset] = a.score(s) / a.cfg.Temperature
	}
	return softmax(logits)
}

func (a *Aggregator) score(s domain.Score) float64 {
	return s.Alpha - a.cfg.RiskPenalty*s.Risk
}

// softmax computes exp(x_i − max)/Σ exp(x_j − max). The max shift guards
// against overflow at low temperatures.
func softmax(logits map[string]float64) map[string]float64 {
	if len(logits) == 0 {
		return map[string]float64{}
	}

	maxLogit := math.Inf(-1)
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}

	out := make(map[string]float64, len(logits))
	var sum float64
	for k, v := range logits {
		e := math.Exp(v - maxLogit)
		out[k] = e
		sum += e
	}
	for k := range out {
		out[k] /= sum
	}
	return out
}

// validateScores returns a non-empty reason when a module's estimates are
// NaN, infinite or outside the plausible range. Risk is a volatility-like
// quantity and must be non-negative.
func validateScores(ms domain.ModuleScores) string {
	if reason := validateScore(ms.Module); reason != "" {
		return "module score " + reason
	}
	for asset, s := range ms.Assets {
		if reason := validateScore(s); reason != "" {
			return "asset " + asset + " score " + reason
		}
	}
	if len(ms.Assets) == 0 {
		return "has no asset scores"
	}
	return ""
}

func validateScore(s domain.Score) string {
	switch {
	case math.IsNaN(s.Alpha) || math.IsInf(s.Alpha, 0):
		return "alpha is NaN or infinite"
	case math.IsNaN(s.Risk) || math.IsInf(s.Risk, 0):
		return "risk is NaN or infinite"
	case s.Risk < 0:
		return "risk is negative"
	case math.Abs(s.Alpha) > 10:
		return "alpha outside plausible range"
	default:
		return ""
	}
}
