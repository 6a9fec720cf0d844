package guardrails

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/aristath/coordinator/internal/domain"
)

// ModuleCovariance is an optional module-level covariance supplied by the
// caller. Matrix is row-major, annualized, ordered by IDs.
type ModuleCovariance struct {
	IDs    []string
	Matrix [][]float64
}

// EstimateVolatility returns the annualized portfolio volatility implied by
// module weights. With a covariance it computes sqrt(w'Σw); without one it
// falls back to the weighted sum of module trailing vols, which assumes full
// correlation and therefore never understates risk.
func EstimateVolatility(moduleWeights map[string]float64, modules []domain.Module, cov *ModuleCovariance) float64 {
	if cov != nil && len(cov.IDs) > 0 {
		if v, ok := covarianceVol(moduleWeights, cov); ok {
			return v
		}
	}

	var vol float64
	for _, mod := range modules {
		vol += moduleWeights[mod.ID] * mod.TrailingVol
	}
	return vol
}

func covarianceVol(moduleWeights map[string]float64, cov *ModuleCovariance) (float64, bool) {
	n := len(cov.IDs)
	if len(cov.Matrix) != n {
		return 0, false
	}

	w := mat.NewVecDense(n, nil)
	for i, id := range cov.IDs {
		w.SetVec(i, moduleWeights[id])
	}

	data := make([]float64, 0, n*n)
	for _, row := range cov.Matrix {
		if len(row) != n {
			return 0, false
		}
		data = append(data, row...)
	}
	sigma := mat.NewDense(n, n, data)

	variance := mat.Inner(w, sigma, w)
	if variance < 0 || math.IsNaN(variance) {
		return 0, false
	}
	return math.Sqrt(variance), true
}
