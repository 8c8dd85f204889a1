package optimization

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Solver defines the interface for constrained minimization algorithms
type Solver interface {
	// Minimize runs the optimization process starting from x0
	Minimize(ctx context.Context, problem Problem, x0 []float64, settings Settings) (*Result, error)
}

// Func is a scalar function of the decision vector
type Func func(x []float64) (float64, error)

// GradFunc writes the gradient of a Func at x into grad
type GradFunc func(grad, x []float64) error

// ConstraintKind distinguishes equality from inequality constraints.
// Inequality constraints are satisfied when their function value is >= 0.
type ConstraintKind int

const (
	// Equality constraints are satisfied when the function value is 0
	Equality ConstraintKind = iota
	// Inequality constraints are satisfied when the function value is >= 0
	Inequality
)

// String returns the solver tag of the kind ("eq" or "ineq")
func (k ConstraintKind) String() string {
	if k == Inequality {
		return "ineq"
	}
	return "eq"
}

// ParseConstraintKind parses "eq"/"ineq" tags. The empty string is Equality.
func ParseConstraintKind(s string) (ConstraintKind, error) {
	switch s {
	case "", "eq":
		return Equality, nil
	case "ineq":
		return Inequality, nil
	}
	return Equality, NewConfigurationError("unknown constraint type %q, expected \"eq\" or \"ineq\"", s)
}

// Constraint is one general nonlinear restriction on the decision vector
type Constraint struct {
	Name string
	Kind ConstraintKind
	Func Func
	// Grad may be nil, in which case solvers fall back to finite differences
	Grad GradFunc
}

// Violation returns how far value is from satisfying a constraint of this kind
func (k ConstraintKind) Violation(value float64) float64 {
	if k == Inequality {
		return math.Max(0, -value)
	}
	return math.Abs(value)
}

// Bound is a box restriction [Lower, Upper] on a single variable
type Bound struct {
	Lower float64
	Upper float64
}

// NonNegative returns the bound [0, +Inf)
func NonNegative() Bound {
	return Bound{Lower: 0, Upper: math.Inf(1)}
}

// Unit returns the bound [0, 1]
func Unit() Bound {
	return Bound{Lower: 0, Upper: 1}
}

// Clamp projects v onto the bound
func (b Bound) Clamp(v float64) float64 {
	return math.Max(b.Lower, math.Min(v, b.Upper))
}

// Contains reports whether v lies within the bound
func (b Bound) Contains(v float64) bool {
	return v >= b.Lower && v <= b.Upper
}

// Problem describes a bounded nonlinear constrained minimization problem
type Problem struct {
	// Objective function to minimize
	Func Func

	// Gradient of the objective; nil means finite differences
	Grad GradFunc

	// General constraints, evaluated independently at every iterate
	Constraints []Constraint

	// Bounds for each dimension; nil means unbounded
	Bounds []Bound
}

// Validate checks the problem structure for a decision vector of length n
func (p Problem) Validate(n int) error {
	if p.Func == nil {
		return NewConfigurationError("objective function is required").WithOperation("Problem.Validate")
	}
	if n < 1 {
		return NewConfigurationError("decision vector must not be empty").WithOperation("Problem.Validate")
	}
	if p.Bounds != nil && len(p.Bounds) != n {
		return NewConfigurationError("got %d bounds for %d variables", len(p.Bounds), n).WithOperation("Problem.Validate")
	}
	for i, b := range p.Bounds {
		if math.IsNaN(b.Lower) || math.IsNaN(b.Upper) || b.Lower > b.Upper {
			return NewConfigurationError("invalid bound %d: [%v, %v]", i, b.Lower, b.Upper).WithOperation("Problem.Validate")
		}
	}
	for i, c := range p.Constraints {
		if c.Func == nil {
			return NewConfigurationError("constraint %d (%s) has no function", i, c.Name).WithOperation("Problem.Validate")
		}
	}
	return nil
}

// Status reports how a solver run ended
type Status int

const (
	// Converged means the tolerances were met at a feasible point
	Converged Status = iota
	// IterationLimit means MaxIter was exhausted before convergence
	IterationLimit
	// Infeasible means the solver stalled without satisfying the constraints
	Infeasible
	// Cancelled means the context was done before convergence
	Cancelled
)

// String returns the status name
func (s Status) String() string {
	switch s {
	case Converged:
		return "converged"
	case IterationLimit:
		return "iteration_limit"
	case Infeasible:
		return "infeasible"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Solution represents a point in the decision space
type Solution struct {
	Parameters []float64
	Value      float64
}

// Evaluation represents a single outer iteration of a solver
type Evaluation struct {
	Iteration    int
	Solution     *Solution
	MaxViolation float64
	Penalty      float64
}

// Result contains the result of an optimization run
type Result struct {
	// BestSolution is the best iterate found, ranked feasibility first
	BestSolution *Solution
	History      []Evaluation
	Iterations   int
	// FuncEvaluations counts objective evaluations
	FuncEvaluations int
	// GradEvaluations counts objective gradient evaluations
	GradEvaluations int
	// MaxViolation is the largest constraint violation at BestSolution
	MaxViolation float64
	Status       Status
	Converged    bool
	Runtime      time.Duration
}
