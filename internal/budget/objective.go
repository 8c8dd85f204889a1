package budget

import (
	"errors"

	"github.com/copyleftdev/budgetopt/internal/optimization"
)

var errNotFinite = errors.New("prediction is not finite")

// Objective is a scalar function of the reduced vector to be minimized
type Objective interface {
	Name() string
	Evaluate(p *Problem, reduced []float64) (float64, error)
	Gradient(p *Problem, reduced, grad []float64) error
}

// Objective names used in scenario documents
const (
	MaximizeKPIName    = "maximize_kpi"
	MinimizeBudgetName = "minimize_budget"
)

// ParseObjective returns the objective registered under name. The empty name
// selects MaximizeKPI.
func ParseObjective(name string) (Objective, error) {
	switch name {
	case "", MaximizeKPIName:
		return MaximizeKPI{}, nil
	case MinimizeBudgetName:
		return MinimizeBudget{}, nil
	}
	return nil, optimization.NewConfigurationError("unknown objective %q", name)
}

// MaximizeKPI minimizes the negated KPI summed over every series and period
type MaximizeKPI struct{}

// Name returns the objective name
func (MaximizeKPI) Name() string { return MaximizeKPIName }

// Evaluate returns -sum(predict(X(reduced), horizon))
func (MaximizeKPI) Evaluate(p *Problem, reduced []float64) (float64, error) {
	v, err := p.Response(reduced)
	return -v, err
}

// Gradient returns the gradient of Evaluate
func (MaximizeKPI) Gradient(p *Problem, reduced, grad []float64) error {
	if err := p.ResponseGradient(reduced, grad); err != nil {
		return err
	}
	for i := range grad {
		grad[i] = -grad[i]
	}
	return nil
}

// MinimizeBudget minimizes total natural spend. It is meant to be combined
// with a MinimumTargetResponse constraint.
type MinimizeBudget struct{}

// Name returns the objective name
func (MinimizeBudget) Name() string { return MinimizeBudgetName }

// Evaluate returns the total spend of the block
func (MinimizeBudget) Evaluate(p *Problem, reduced []float64) (float64, error) {
	return p.Spend(reduced, nil), nil
}

// Gradient returns the gradient of Evaluate
func (MinimizeBudget) Gradient(p *Problem, reduced, grad []float64) error {
	p.SpendGradient(reduced, nil, grad)
	return nil
}
