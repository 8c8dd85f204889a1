package lagrangian

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"

	"github.com/copyleftdev/budgetopt/internal/optimization"
)

const (
	// boundPenaltyFactor relates the exterior bound penalty to rho.
	boundPenaltyFactor = 100
	maxBoundPenalty    = 1e12
	maxPenalty         = 1e10
)

// merit evaluates the augmented Lagrangian at z. The model only ever sees the
// projection of z onto the box; the distance to the box is charged by a
// quadratic exterior penalty. If grad is not nil it receives the gradient.
func (st *state) merit(z, grad []float64) float64 {
	zp := st.project(st.zpBuf, z)
	pt, err := st.evaluate(zp)
	if err != nil {
		st.evalErr = err
		return math.NaN()
	}

	value := pt.f
	for i, c := range st.problem.Constraints {
		value += st.term(c.Kind == optimization.Equality, st.lambda[i], pt.c[i])
	}
	dist := 0.0
	for j := range z {
		d := z[j] - zp[j]
		dist += d * d
	}
	value += 0.5 * st.boundPenalty * dist

	if grad == nil {
		return value
	}

	gf, gc, err := st.gradients(zp)
	if err != nil {
		st.evalErr = err
		for j := range grad {
			grad[j] = math.NaN()
		}
		return math.NaN()
	}
	copy(grad, gf)
	for i, c := range st.problem.Constraints {
		floats.AddScaled(grad, st.coefficient(c.Kind == optimization.Equality, st.lambda[i], pt.c[i]), gc[i])
	}
	for j := range z {
		if z[j] != zp[j] {
			grad[j] = st.boundPenalty * (z[j] - zp[j])
		}
	}
	return value
}

// term is the PHR augmentation for one constraint value.
func (st *state) term(equality bool, lambda, c float64) float64 {
	if equality {
		return lambda*c + 0.5*st.rho*c*c
	}
	s := math.Max(0, lambda-st.rho*c)
	return (s*s - lambda*lambda) / (2 * st.rho)
}

// coefficient is the derivative of term with respect to c.
func (st *state) coefficient(equality bool, lambda, c float64) float64 {
	if equality {
		return lambda + st.rho*c
	}
	return -math.Max(0, lambda-st.rho*c)
}

// updateMultipliers applies the first order multiplier update at pt.
func (st *state) updateMultipliers(pt *point) {
	for i, c := range st.problem.Constraints {
		if c.Kind == optimization.Equality {
			st.lambda[i] += st.rho * pt.c[i]
			continue
		}
		st.lambda[i] = math.Max(0, st.lambda[i]-st.rho*pt.c[i])
	}
}

// updatePenalty grows rho when the violation did not shrink enough.
func (st *state) updatePenalty(violation, previous float64) bool {
	if violation <= st.settings.FeasibilityTol || violation <= 0.25*previous {
		return false
	}
	if st.rho >= maxPenalty {
		return false
	}
	st.rho = math.Min(maxPenalty, st.rho*st.settings.PenaltyGrowth)
	st.boundPenalty = math.Min(maxBoundPenalty, boundPenaltyFactor*st.rho)
	return true
}

// subproblem returns the unconstrained gonum problem for the current
// multipliers and penalty.
func (st *state) subproblem() optimize.Problem {
	return optimize.Problem{
		Func: func(z []float64) float64 {
			return st.merit(z, nil)
		},
		Grad: func(grad, z []float64) {
			st.merit(z, grad)
		},
		Status: func() (optimize.Status, error) {
			if st.evalErr != nil {
				return optimize.Failure, st.evalErr
			}
			if err := st.ctx.Err(); err != nil {
				return optimize.Failure, err
			}
			return optimize.NotTerminated, nil
		},
	}
}
