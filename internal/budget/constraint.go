package budget

import (
	"math"

	"github.com/copyleftdev/budgetopt/internal/optimization"
)

// Constraint is a scalar restriction on the reduced vector. Equality
// constraints hold when Evaluate returns zero; inequality constraints hold
// when it returns a value >= 0.
type Constraint interface {
	Name() string
	Kind() optimization.ConstraintKind
	Evaluate(p *Problem, reduced []float64) (float64, error)
	Gradient(p *Problem, reduced, grad []float64) error
}

// Checker is implemented by constraints that can validate themselves against
// a bound problem before any solver iteration runs.
type Checker interface {
	Check(p *Problem) error
}

// Scaler is implemented by constraints whose values have a natural
// magnitude, used to judge satisfaction in reports.
type Scaler interface {
	Scale(p *Problem) float64
}

// Constraint names used in scenario documents
const (
	TotalBudgetName           = "total_budget"
	MinimumTargetResponseName = "minimum_target_response"
)

// TotalBudget keeps total spend at a fixed amount: sum(natural) - total = 0.
// Without an explicit Total the baseline spend is preserved. Channels
// restricts both sides to a subset of the optimized columns.
type TotalBudget struct {
	Total    *float64
	Channels []string
}

// NewTotalBudget returns a constraint holding spend at total
func NewTotalBudget(total float64) TotalBudget {
	return TotalBudget{Total: &total}
}

// Name returns the constraint name
func (c TotalBudget) Name() string { return TotalBudgetName }

// Kind returns optimization.Equality
func (c TotalBudget) Kind() optimization.ConstraintKind { return optimization.Equality }

// Check validates the channel subset and the explicit total
func (c TotalBudget) Check(p *Problem) error {
	if c.Total != nil && (*c.Total < 0 || math.IsNaN(*c.Total) || math.IsInf(*c.Total, 0)) {
		return optimization.NewConfigurationError("total budget must be a finite non-negative amount, got %v", *c.Total)
	}
	_, err := p.ChannelMask(c.Channels)
	return err
}

// Target returns the amount total spend is held at
func (c TotalBudget) Target(p *Problem) float64 {
	if c.Total != nil {
		return *c.Total
	}
	mask, _ := p.ChannelMask(c.Channels)
	return p.BaselineSpend(mask)
}

// Scale returns the target amount
func (c TotalBudget) Scale(p *Problem) float64 {
	return c.Target(p)
}

// Evaluate returns sum(natural spend) - target
func (c TotalBudget) Evaluate(p *Problem, reduced []float64) (float64, error) {
	mask, err := p.ChannelMask(c.Channels)
	if err != nil {
		return 0, err
	}
	return p.Spend(reduced, mask) - c.Target(p), nil
}

// Gradient returns the gradient of Evaluate
func (c TotalBudget) Gradient(p *Problem, reduced, grad []float64) error {
	mask, err := p.ChannelMask(c.Channels)
	if err != nil {
		return err
	}
	p.SpendGradient(reduced, mask, grad)
	return nil
}

// MinimumTargetResponse requires the summed KPI to reach Target:
// sum(predict(X(reduced), horizon)) - Target, either exactly (Equality) or
// at least (Inequality).
type MinimumTargetResponse struct {
	Target float64
	Type   optimization.ConstraintKind
}

// Name returns the constraint name
func (c MinimumTargetResponse) Name() string { return MinimumTargetResponseName }

// Kind returns the configured constraint type
func (c MinimumTargetResponse) Kind() optimization.ConstraintKind { return c.Type }

// Check validates the target
func (c MinimumTargetResponse) Check(*Problem) error {
	if math.IsNaN(c.Target) || math.IsInf(c.Target, 0) {
		return optimization.NewConfigurationError("target response must be finite, got %v", c.Target)
	}
	return nil
}

// Scale returns the magnitude of the target
func (c MinimumTargetResponse) Scale(*Problem) float64 {
	return math.Abs(c.Target)
}

// Evaluate returns the summed response minus the target
func (c MinimumTargetResponse) Evaluate(p *Problem, reduced []float64) (float64, error) {
	v, err := p.Response(reduced)
	if err != nil {
		return 0, err
	}
	return v - c.Target, nil
}

// Gradient returns the gradient of Evaluate
func (c MinimumTargetResponse) Gradient(p *Problem, reduced, grad []float64) error {
	return p.ResponseGradient(reduced, grad)
}
