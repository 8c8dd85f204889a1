// Package lagrangian implements a bound constrained augmented Lagrangian
// solver for smooth nonlinear programs with equality and inequality
// constraints. Inner subproblems are minimized with gonum's BFGS.
package lagrangian

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/optimize"

	"github.com/copyleftdev/budgetopt/internal/optimization"
)

// Solver is an augmented Lagrangian implementation of optimization.Solver
type Solver struct {
	logger *zap.Logger
}

var _ optimization.Solver = (*Solver)(nil)

// New creates a solver. A nil logger disables logging.
func New(logger *zap.Logger) *Solver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Solver{logger: logger.Named("lagrangian")}
}

// candidate is an accepted outer iterate
type candidate struct {
	pt        *point
	violation float64
}

// Minimize solves problem starting from x0. Evaluation errors abort the run
// and are returned as optimization evaluation errors. Non-convergence is not
// an error: it is reported through Result.Status. If ctx is done the best
// iterate so far is returned together with ctx.Err().
func (s *Solver) Minimize(ctx context.Context, problem optimization.Problem, x0 []float64, settings optimization.Settings) (*optimization.Result, error) {
	const op = "Solver.Minimize"
	start := time.Now()

	if err := problem.Validate(len(x0)); err != nil {
		return nil, err
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	settings = settings.Normalized()

	st := newState(ctx, problem, x0, settings)
	z := st.scaled(x0)
	if err := st.calibrate(st.unscaled(z)); err != nil {
		return nil, optimization.NewEvaluationError(err, "gradient evaluation failed at start point").WithOperation(op)
	}
	initial, err := st.evaluate(z)
	if err != nil {
		return nil, optimization.NewEvaluationError(err, "evaluation failed at start point").WithOperation(op)
	}

	log := s.logger.Debug
	if settings.Disp {
		log = s.logger.Info
	}
	log("starting augmented lagrangian",
		zap.Int("variables", st.n),
		zap.Int("constraints", len(problem.Constraints)),
		zap.Float64("x_scale", st.xScale),
		zap.Float64("f_scale", st.fScale),
		zap.Float64("objective", initial.fRaw),
		zap.Float64("violation", st.rawViolation(initial)),
	)

	inner := &optimize.Settings{
		GradientThreshold: settings.GradTol,
		MajorIterations:   settings.InnerMaxIter,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-12,
			Relative:   1e-10,
			Iterations: 10,
		},
	}

	var (
		best       *candidate
		history    = make([]optimization.Evaluation, 0, min(settings.MaxIter, 256))
		fPrev      = initial.f
		prevViol   = st.violation(initial)
		converged  bool
		cancelled  bool
		iterations int
	)

	for iterations < settings.MaxIter {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		iterations++

		res, err := optimize.Minimize(st.subproblem(), z, inner, &optimize.BFGS{})
		if st.evalErr != nil {
			return nil, optimization.NewEvaluationError(st.evalErr, "evaluation failed in iteration %d", iterations).WithOperation(op)
		}
		if ctx.Err() != nil {
			cancelled = true
		}
		if res != nil {
			z = append(z[:0], res.X...)
		}
		if err != nil && !cancelled {
			s.logger.Debug("inner subproblem stopped early",
				zap.Int("iteration", iterations),
				zap.Error(err),
			)
		}
		z = st.project(z, z)

		pt, err := st.evaluate(z)
		if err != nil {
			return nil, optimization.NewEvaluationError(err, "evaluation failed in iteration %d", iterations).WithOperation(op)
		}
		viol := st.violation(pt)
		best = s.updateBest(best, pt, viol, settings.FeasibilityTol)

		history = append(history, optimization.Evaluation{
			Iteration: iterations,
			Solution: &optimization.Solution{
				Parameters: st.unscaled(pt.z),
				Value:      pt.fRaw,
			},
			MaxViolation: st.rawViolation(pt),
			Penalty:      st.rho,
		})
		log("outer iteration",
			zap.Int("iteration", iterations),
			zap.Float64("objective", pt.fRaw),
			zap.Float64("violation", viol),
			zap.Float64("rho", st.rho),
		)

		if cancelled {
			break
		}
		if viol <= settings.FeasibilityTol && math.Abs(pt.f-fPrev) <= settings.FTol*math.Max(1, math.Abs(pt.f)) {
			converged = true
			break
		}

		st.updateMultipliers(pt)
		st.updatePenalty(viol, prevViol)
		fPrev = pt.f
		prevViol = viol
	}

	if best == nil {
		best = &candidate{pt: initial, violation: st.violation(initial)}
	}

	result := &optimization.Result{
		BestSolution: &optimization.Solution{
			Parameters: st.unscaled(best.pt.z),
			Value:      best.pt.fRaw,
		},
		History:         history,
		Iterations:      iterations,
		FuncEvaluations: st.funcEvals,
		GradEvaluations: st.gradEvals,
		MaxViolation:    st.rawViolation(best.pt),
		Converged:       converged,
		Runtime:         time.Since(start),
	}
	switch {
	case cancelled:
		result.Status = optimization.Cancelled
	case converged:
		result.Status = optimization.Converged
	case best.violation > settings.FeasibilityTol:
		result.Status = optimization.Infeasible
	default:
		result.Status = optimization.IterationLimit
	}

	log("augmented lagrangian finished",
		zap.Stringer("status", result.Status),
		zap.Int("iterations", iterations),
		zap.Int("evaluations", st.funcEvals),
		zap.Float64("objective", result.BestSolution.Value),
		zap.Float64("violation", result.MaxViolation),
		zap.Duration("runtime", result.Runtime),
	)

	if cancelled {
		return result, ctx.Err()
	}
	return result, nil
}

// updateBest keeps the better of the current best and a new iterate. Feasible
// points beat infeasible ones; among feasible points the lower objective
// wins and among infeasible ones the smaller violation.
func (s *Solver) updateBest(best *candidate, pt *point, viol, tol float64) *candidate {
	next := &candidate{pt: pt, violation: viol}
	if best == nil {
		return next
	}
	feasible := viol <= tol
	bestFeasible := best.violation <= tol
	switch {
	case feasible && !bestFeasible:
		return next
	case feasible && bestFeasible && pt.f < best.pt.f:
		return next
	case !feasible && !bestFeasible && viol < best.violation:
		return next
	}
	return best
}
