package lagrangian

import (
	"context"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/copyleftdev/budgetopt/internal/optimization"
)

// minScaleNorm is the gradient norm below which a function is left unscaled.
const minScaleNorm = 1e-8

// point holds every function value at one projected, scaled iterate.
type point struct {
	z    []float64
	f    float64
	fRaw float64
	c    []float64
	cRaw []float64
}

// state carries the scaled problem through the outer iterations. It is not
// safe for concurrent use; gonum evaluates Func and Grad sequentially.
type state struct {
	ctx      context.Context
	problem  optimization.Problem
	settings optimization.Settings

	n            int
	lower, upper []float64

	// x = xScale * z; scaled functions are fScale*f and cScale[i]*c_i.
	xScale float64
	fScale float64
	cScale []float64

	objGrad  optimization.GradFunc
	conGrads []optimization.GradFunc

	lambda       []float64
	rho          float64
	boundPenalty float64

	last     *point
	lastGrad []float64
	lastGC   [][]float64
	lastGZ   []float64

	evalErr   error
	funcEvals int
	gradEvals int

	xBuf  []float64
	zpBuf []float64
}

func newState(ctx context.Context, problem optimization.Problem, x0 []float64, settings optimization.Settings) *state {
	n := len(x0)
	m := len(problem.Constraints)

	st := &state{
		ctx:      ctx,
		problem:  problem,
		settings: settings,
		n:        n,
		lower:    make([]float64, n),
		upper:    make([]float64, n),
		cScale:   make([]float64, m),
		conGrads: make([]optimization.GradFunc, m),
		lambda:   make([]float64, m),
		rho:      settings.InitialPenalty,
		xBuf:     make([]float64, n),
		zpBuf:    make([]float64, n),
	}
	st.boundPenalty = boundPenaltyFactor * st.rho

	bounds := problem.Bounds
	if bounds == nil {
		bounds = make([]optimization.Bound, n)
		for i := range bounds {
			bounds[i] = optimization.Bound{Lower: math.Inf(-1), Upper: math.Inf(1)}
		}
	}

	start := make([]float64, n)
	for i, v := range x0 {
		start[i] = bounds[i].Clamp(v)
	}
	mean := 0.0
	for _, v := range start {
		mean += math.Abs(v)
	}
	mean /= float64(n)
	st.xScale = math.Max(1, mean)

	for i, b := range bounds {
		st.lower[i] = b.Lower / st.xScale
		st.upper[i] = b.Upper / st.xScale
	}

	st.objGrad = problem.Grad
	if st.objGrad == nil {
		st.objGrad = optimization.NumericalGradient(problem.Func, bounds, settings.FiniteDifferenceStep)
	}
	for i, c := range problem.Constraints {
		st.conGrads[i] = c.Grad
		if c.Grad == nil {
			st.conGrads[i] = optimization.NumericalGradient(c.Func, bounds, settings.FiniteDifferenceStep)
		}
	}

	st.fScale = 1
	for i := range st.cScale {
		st.cScale[i] = 1
	}
	return st
}

// calibrate sets function scales from gradient norms at the start point so
// that the objective and every constraint have unit gradient norm there.
func (st *state) calibrate(x []float64) error {
	g := make([]float64, st.n)
	if err := st.objGrad(g, x); err != nil {
		return err
	}
	st.gradEvals++
	if norm := st.xScale * floats.Norm(g, 2); norm > minScaleNorm && !math.IsInf(norm, 0) {
		st.fScale = 1 / norm
	}
	for i := range st.conGrads {
		if err := st.conGrads[i](g, x); err != nil {
			return err
		}
		if norm := st.xScale * floats.Norm(g, 2); norm > minScaleNorm && !math.IsInf(norm, 0) {
			st.cScale[i] = 1 / norm
		}
	}
	return nil
}

// scaled returns z = x / xScale projected onto the scaled box.
func (st *state) scaled(x []float64) []float64 {
	z := make([]float64, st.n)
	for i, v := range x {
		z[i] = v / st.xScale
	}
	return st.project(z, z)
}

// unscaled returns x = xScale * z.
func (st *state) unscaled(z []float64) []float64 {
	x := make([]float64, st.n)
	floats.ScaleTo(x, st.xScale, z)
	return x
}

// project clamps z onto the scaled box, writing into dst.
func (st *state) project(dst, z []float64) []float64 {
	for i, v := range z {
		dst[i] = math.Max(st.lower[i], math.Min(v, st.upper[i]))
	}
	return dst
}

// evaluate computes objective and constraint values at a projected point.
// The last point is cached because gonum calls Func and Grad at the same
// location and constraint evaluations usually share model predictions.
func (st *state) evaluate(zp []float64) (*point, error) {
	if st.last != nil && floats.Equal(st.last.z, zp) {
		return st.last, nil
	}

	floats.ScaleTo(st.xBuf, st.xScale, zp)
	fRaw, err := st.problem.Func(st.xBuf)
	st.funcEvals++
	if err != nil {
		return nil, err
	}

	m := len(st.problem.Constraints)
	pt := &point{
		z:    append([]float64(nil), zp...),
		fRaw: fRaw,
		f:    st.fScale * fRaw,
		c:    make([]float64, m),
		cRaw: make([]float64, m),
	}
	for i, c := range st.problem.Constraints {
		v, err := c.Func(st.xBuf)
		if err != nil {
			return nil, err
		}
		pt.cRaw[i] = v
		pt.c[i] = st.cScale[i] * v
	}
	st.last = pt
	return pt, nil
}

// gradients computes scaled objective and constraint gradients at zp.
func (st *state) gradients(zp []float64) ([]float64, [][]float64, error) {
	if st.lastGZ != nil && floats.Equal(st.lastGZ, zp) {
		return st.lastGrad, st.lastGC, nil
	}

	floats.ScaleTo(st.xBuf, st.xScale, zp)
	gf := make([]float64, st.n)
	if err := st.objGrad(gf, st.xBuf); err != nil {
		return nil, nil, err
	}
	st.gradEvals++
	floats.Scale(st.fScale*st.xScale, gf)

	gc := make([][]float64, len(st.conGrads))
	for i, grad := range st.conGrads {
		gc[i] = make([]float64, st.n)
		if err := grad(gc[i], st.xBuf); err != nil {
			return nil, nil, err
		}
		floats.Scale(st.cScale[i]*st.xScale, gc[i])
	}

	st.lastGZ = append(st.lastGZ[:0], zp...)
	st.lastGrad = gf
	st.lastGC = gc
	return gf, gc, nil
}

// violation returns the largest scaled constraint violation at pt.
func (st *state) violation(pt *point) float64 {
	v := 0.0
	for i, c := range st.problem.Constraints {
		v = math.Max(v, c.Kind.Violation(pt.c[i]))
	}
	return v
}

// rawViolation returns the largest unscaled constraint violation at pt.
func (st *state) rawViolation(pt *point) float64 {
	v := 0.0
	for i, c := range st.problem.Constraints {
		v = math.Max(v, c.Kind.Violation(pt.cRaw[i]))
	}
	return v
}
