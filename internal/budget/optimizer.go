package budget

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/copyleftdev/budgetopt/internal/frame"
	"github.com/copyleftdev/budgetopt/internal/optimization"
	"github.com/copyleftdev/budgetopt/internal/optimization/lagrangian"
)

// reportTolerance is the relative violation below which a constraint is
// reported as satisfied.
const reportTolerance = 1e-4

// Config configures an Optimizer
type Config struct {
	// Objective to minimize; defaults to MaximizeKPI
	Objective Objective
	// Constraints, evaluated independently at every iterate
	Constraints []Constraint
	// Parametrization of the decision variables; defaults to DailySpend
	Parametrization Parametrization
	// Settings forwarded to the solver; zero fields take defaults
	Settings optimization.Settings
	// Logger; nil disables logging
	Logger *zap.Logger
	// Solver; defaults to the augmented Lagrangian solver
	Solver optimization.Solver
}

// Optimizer allocates spend over a fitted model. An Optimizer holds no
// per-run state and may be reused, but each Optimize call is sequential.
type Optimizer struct {
	objective       Objective
	constraints     []Constraint
	parametrization Parametrization
	settings        optimization.Settings
	solver          optimization.Solver
	logger          *zap.Logger
}

// NewOptimizer creates an optimizer from cfg
func NewOptimizer(cfg Config) (*Optimizer, error) {
	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Optimizer{
		objective:       cfg.Objective,
		constraints:     append([]Constraint(nil), cfg.Constraints...),
		parametrization: cfg.Parametrization,
		settings:        cfg.Settings.Normalized(),
		solver:          cfg.Solver,
		logger:          logger.Named("budget"),
	}
	if o.objective == nil {
		o.objective = MaximizeKPI{}
	}
	if o.parametrization == nil {
		o.parametrization = DailySpend{}
	}
	if o.solver == nil {
		o.solver = lagrangian.New(logger)
	}
	for i, c := range o.constraints {
		if c == nil {
			return nil, optimization.NewConfigurationError("constraint %d is nil", i)
		}
	}
	return o, nil
}

// Settings returns the normalized solver settings
func (o *Optimizer) Settings() optimization.Settings {
	return o.settings
}

// Optimize finds the allocation of the series x horizon x columns block of X
// that minimizes the objective subject to the constraints. X is not modified;
// the result carries a copy with the optimized block written in.
//
// Structural problems fail before the solver runs with an error matching
// optimization.ErrConfiguration. A failing model aborts the run with an error
// matching optimization.ErrEvaluation. Non-convergence is not an error: the
// best allocation found is returned with warnings. If ctx is done the best
// allocation so far is returned together with ctx.Err().
func (o *Optimizer) Optimize(ctx context.Context, model Model, X *frame.Frame, horizon frame.Horizon, columns []string, series ...string) (*Result, error) {
	const op = "Optimizer.Optimize"

	problem, err := o.bind(model, X, horizon, columns, series)
	if err != nil {
		return nil, withOp(err, op)
	}
	constraints := o.constraints
	if src, ok := problem.mapping.(ConstraintSource); ok {
		constraints = append(append([]Constraint(nil), constraints...), src.Constraints()...)
	}
	for _, c := range constraints {
		if ch, ok := c.(Checker); ok {
			if err := ch.Check(problem); err != nil {
				return nil, withOp(err, op)
			}
		}
	}

	x0 := problem.BaselineReduced()
	baselineKPI, err := problem.BaselineResponse()
	if err != nil {
		return nil, withOp(err, op)
	}
	baselineSpend := problem.BaselineSpend(nil)

	o.logger.Debug("starting budget optimization",
		zap.String("objective", o.objective.Name()),
		zap.String("parametrization", o.parametrization.Name()),
		zap.Int("series", problem.sel.Shape().Series),
		zap.Int("periods", problem.sel.Shape().Periods),
		zap.Int("channels", problem.sel.Shape().Channels),
		zap.Int("variables", len(x0)),
		zap.Int("constraints", len(constraints)),
		zap.Float64("baseline_kpi", baselineKPI),
		zap.Float64("baseline_spend", baselineSpend),
	)

	res, err := o.solver.Minimize(ctx, o.solverProblem(problem, constraints), x0, o.settings)
	if err != nil && (res == nil || ctx.Err() == nil) {
		return nil, withOp(err, op)
	}

	result, rerr := o.result(problem, constraints, res, baselineKPI, baselineSpend)
	if rerr != nil {
		return nil, withOp(rerr, op)
	}
	for _, w := range result.Warnings {
		o.logger.Warn("budget optimization warning",
			zap.String("code", string(w.Code)),
			zap.String("message", w.Message),
		)
	}
	o.logger.Info("budget optimization finished",
		zap.String("status", result.StatusName),
		zap.Int("iterations", result.Iterations),
		zap.Int("evaluations", result.Evaluations),
		zap.Int("gradients", result.Gradients),
		zap.Float64("baseline_kpi", result.BaselineKPI),
		zap.Float64("optimized_kpi", result.OptimizedKPI),
		zap.Float64("optimized_spend", result.OptimizedSpend),
	)
	return result, err
}

// bind validates the inputs and builds the problem
func (o *Optimizer) bind(model Model, X *frame.Frame, horizon frame.Horizon, columns []string, series []string) (*Problem, error) {
	if model == nil {
		return nil, optimization.NewConfigurationError("model is required")
	}
	if fc, ok := model.(FittedChecker); ok && !fc.IsFitted() {
		return nil, optimization.NewConfigurationError("model is not fitted")
	}
	if X == nil {
		return nil, optimization.NewConfigurationError("spend matrix is required")
	}
	if len(columns) == 0 {
		return nil, optimization.NewConfigurationError("at least one column must be optimized")
	}

	sel, err := X.Select(series, horizon, columns)
	if err != nil {
		return nil, optimization.WrapConfigurationError(err, "invalid selection")
	}

	// The KPI is summed over every series of X, so each must cover the horizon
	for _, s := range X.Series() {
		for _, t := range horizon {
			if X.Row(frame.RowKey{Series: s, Period: t}) < 0 {
				return nil, optimization.NewConfigurationError("series %q has no row for horizon period %s",
					s, t.Format(frame.DateLayout))
			}
		}
	}
	if sa, ok := model.(SeriesAware); ok && len(sa.Series()) > 0 {
		known := make(map[string]bool)
		for _, s := range sa.Series() {
			known[s] = true
		}
		for _, s := range X.Series() {
			if !known[s] {
				return nil, optimization.NewConfigurationError("series %q of the spend matrix is unknown to the model", s)
			}
		}
	}

	baseline := sel.GatherFrame(X)
	for k, v := range baseline {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			row, col := sel.Cell(k)
			return nil, optimization.NewConfigurationError("baseline spend at %s/%s is not finite",
				X.Key(row), X.Columns()[col])
		}
	}
	mapping, err := o.parametrization.Bind(baseline, sel.Shape())
	if err != nil {
		return nil, err
	}
	return NewProblem(model, X, horizon, sel, mapping, o.settings.FiniteDifferenceStep), nil
}

// solverProblem closes the objective and constraints over the problem
func (o *Optimizer) solverProblem(p *Problem, constraints []Constraint) optimization.Problem {
	sp := optimization.Problem{
		Func: func(x []float64) (float64, error) {
			return o.objective.Evaluate(p, x)
		},
		Grad: func(grad, x []float64) error {
			return o.objective.Gradient(p, x, grad)
		},
		Bounds: p.mapping.Bounds(),
	}
	for _, c := range constraints {
		c := c
		sp.Constraints = append(sp.Constraints, optimization.Constraint{
			Name: c.Name(),
			Kind: c.Kind(),
			Func: func(x []float64) (float64, error) {
				return c.Evaluate(p, x)
			},
			Grad: func(grad, x []float64) error {
				return c.Gradient(p, x, grad)
			},
		})
	}
	return sp
}

// result writes the best iterate into a copy of X and reports on it
func (o *Optimizer) result(p *Problem, constraints []Constraint, res *optimization.Result, baselineKPI, baselineSpend float64) (*Result, error) {
	reduced := append([]float64(nil), res.BestSolution.Parameters...)
	natural := p.Natural(reduced)
	for k, v := range natural {
		// Rounding in the reconstruction may leave values like -1e-17
		if v < 0 {
			natural[k] = 0
		}
	}
	out := p.x.Clone()
	p.sel.Scatter(out, natural)

	kpi, err := p.Response(reduced)
	if err != nil {
		return nil, err
	}
	value, err := o.objective.Evaluate(p, reduced)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Frame:          out,
		Allocation:     natural,
		Reduced:        reduced,
		Objective:      o.objective.Name(),
		ObjectiveValue: value,
		BaselineKPI:    baselineKPI,
		OptimizedKPI:   kpi,
		BaselineSpend:  baselineSpend,
		OptimizedSpend: p.Spend(reduced, nil),
		Status:         res.Status,
		StatusName:     res.Status.String(),
		Converged:      res.Converged,
		Iterations:     res.Iterations,
		Evaluations:    p.Predictions(),
		Gradients:      p.GradientCalls(),
		Runtime:        res.Runtime,
	}

	baseline := p.Baseline()
	columns := p.x.Columns()
	result.Cells = make([]Cell, len(natural))
	for k, v := range natural {
		row, col := p.sel.Cell(k)
		key := p.x.Key(row)
		result.Cells[k] = Cell{
			Series:    key.Series,
			Period:    key.Period.Format(frame.DateLayout),
			Channel:   columns[col],
			Baseline:  baseline[k],
			Optimized: v,
		}
	}

	for _, c := range constraints {
		v, err := c.Evaluate(p, reduced)
		if err != nil {
			return nil, err
		}
		scale := 1.0
		if s, ok := c.(Scaler); ok {
			scale = math.Max(1, s.Scale(p))
		}
		viol := c.Kind().Violation(v)
		report := ConstraintReport{
			Name:      c.Name(),
			Kind:      c.Kind().String(),
			Value:     v,
			Violation: viol,
			Satisfied: viol <= reportTolerance*scale,
		}
		result.Constraints = append(result.Constraints, report)
		if !report.Satisfied {
			result.Warnings = append(result.Warnings, Warning{
				Code:    WarnConstraintViolated,
				Message: fmt.Sprintf("%s violated by %g at the returned allocation", c.Name(), viol),
			})
		}
	}

	switch res.Status {
	case optimization.Cancelled:
		result.Warnings = append(result.Warnings, Warning{
			Code:    WarnCancelled,
			Message: fmt.Sprintf("cancelled after %d iterations", res.Iterations),
		})
	case optimization.Infeasible:
		result.Warnings = append(result.Warnings, Warning{
			Code:    WarnInfeasible,
			Message: fmt.Sprintf("no feasible allocation found, max violation %g", res.MaxViolation),
		})
	case optimization.IterationLimit:
		result.Warnings = append(result.Warnings, Warning{
			Code:    WarnNotConverged,
			Message: fmt.Sprintf("did not converge within %d iterations", o.settings.MaxIter),
		})
	}
	return result, nil
}

func withOp(err error, op string) error {
	var e *optimization.Error
	if errors.As(err, &e) && e.Op == "" {
		e.Op = op
	}
	return err
}
