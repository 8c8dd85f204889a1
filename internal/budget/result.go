package budget

import (
	"fmt"
	"time"

	"github.com/copyleftdev/budgetopt/internal/frame"
	"github.com/copyleftdev/budgetopt/internal/optimization"
)

// WarningCode classifies a numerical warning
type WarningCode string

const (
	// WarnNotConverged means the solver stopped before meeting its tolerances
	WarnNotConverged WarningCode = "not_converged"
	// WarnInfeasible means the solver could not satisfy every constraint
	WarnInfeasible WarningCode = "infeasible"
	// WarnConstraintViolated means a constraint is violated beyond tolerance
	// at the returned allocation
	WarnConstraintViolated WarningCode = "constraint_violated"
	// WarnCancelled means the run was cancelled and the best iterate so far
	// was returned
	WarnCancelled WarningCode = "cancelled"
)

// Warning is a non-fatal numerical problem with the returned allocation
type Warning struct {
	Code    WarningCode `json:"code" msgpack:"code"`
	Message string      `json:"message" msgpack:"message"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.Code, w.Message)
}

// ConstraintReport is the state of one constraint at the returned allocation
type ConstraintReport struct {
	Name      string  `json:"name" msgpack:"name"`
	Kind      string  `json:"kind" msgpack:"kind"`
	Value     float64 `json:"value" msgpack:"value"`
	Violation float64 `json:"violation" msgpack:"violation"`
	Satisfied bool    `json:"satisfied" msgpack:"satisfied"`
}

// Cell is one optimized entry of the spend matrix
type Cell struct {
	Series    string  `json:"series,omitempty" msgpack:"series"`
	Period    string  `json:"period" msgpack:"period"`
	Channel   string  `json:"channel" msgpack:"channel"`
	Baseline  float64 `json:"baseline" msgpack:"baseline"`
	Optimized float64 `json:"optimized" msgpack:"optimized"`
}

// Result is the outcome of an optimization. It always carries the best
// allocation found, even when the solver did not converge.
type Result struct {
	// Frame is a copy of X with the optimized block written in
	Frame *frame.Frame `json:"-" msgpack:"-"`
	// Allocation is the optimized natural block, flattened like the selection
	Allocation []float64 `json:"allocation" msgpack:"allocation"`
	// Cells labels every entry of Allocation with its baseline
	Cells []Cell `json:"cells" msgpack:"cells"`
	// Reduced is the solver's solution in reduced space
	Reduced []float64 `json:"reduced" msgpack:"reduced"`

	Objective      string  `json:"objective" msgpack:"objective"`
	ObjectiveValue float64 `json:"objective_value" msgpack:"objective_value"`
	BaselineKPI    float64 `json:"baseline_kpi" msgpack:"baseline_kpi"`
	OptimizedKPI   float64 `json:"optimized_kpi" msgpack:"optimized_kpi"`
	BaselineSpend  float64 `json:"baseline_spend" msgpack:"baseline_spend"`
	OptimizedSpend float64 `json:"optimized_spend" msgpack:"optimized_spend"`

	Status      optimization.Status `json:"-" msgpack:"-"`
	StatusName  string              `json:"status" msgpack:"status"`
	Converged   bool                `json:"converged" msgpack:"converged"`
	Iterations  int                 `json:"iterations" msgpack:"iterations"`
	Evaluations int                 `json:"evaluations" msgpack:"evaluations"`
	// Gradients counts analytic model gradients
	Gradients   int                 `json:"gradients" msgpack:"gradients"`
	Runtime     time.Duration       `json:"runtime" msgpack:"runtime"`

	Constraints []ConstraintReport `json:"constraints" msgpack:"constraints"`
	Warnings    []Warning          `json:"warnings,omitempty" msgpack:"warnings"`
}

// Lift returns the relative KPI change over the baseline
func (r *Result) Lift() float64 {
	if r.BaselineKPI == 0 {
		return 0
	}
	return (r.OptimizedKPI - r.BaselineKPI) / r.BaselineKPI
}

// HasWarning reports whether a warning with code was raised
func (r *Result) HasWarning(code WarningCode) bool {
	for _, w := range r.Warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}
