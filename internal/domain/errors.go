package domain

import "fmt"

// ConfigError marks an infeasible or contradictory guardrail configuration.
// It is fatal and raised before any rebalance attempt.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s", e.Reason)
}

// IncomeFloorError is raised when the income module cannot reach the required
// coverage ratio even at its cap. Surfaced to the caller, never overridden.
type IncomeFloorError struct {
	Required   float64 // required annual income
	Achievable float64 // income at the module's cap
}

func (e *IncomeFloorError) Error() string {
	return fmt.Sprintf("income floor violation: required %.2f, achievable at cap %.2f",
		e.Required, e.Achievable)
}

// ProjectionError is raised when the water-filling projection exceeds its
// iteration budget without converging. Fatal for the cycle.
type ProjectionError struct {
	Iterations int
	Residual   float64
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf("guardrail projection did not converge after %d iterations (residual %.2e)",
		e.Iterations, e.Residual)
}

// InvalidScoreError marks a NaN or out-of-range module score. It is recovered
// locally: the module is treated as lesioned for the cycle, trust unchanged.
type InvalidScoreError struct {
	ModuleID string
	Reason   string
}

func (e *InvalidScoreError) Error() string {
	return fmt.Sprintf("invalid score from module %s: %s", e.ModuleID, e.Reason)
}
