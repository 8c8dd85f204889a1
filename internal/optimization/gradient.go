package optimization

import (
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
)

// NumericalGradient returns a GradFunc that approximates the gradient of f by
// finite differences. Each coordinate uses a central stencil unless that
// would step outside its bound, in which case a one-sided stencil pointing
// into the box is used, so f is never evaluated outside bounds.
//
// step is relative to the largest magnitude in x; bounds may be nil.
func NumericalGradient(f Func, bounds []Bound, step float64) GradFunc {
	if step <= 0 {
		step = DefaultSettings().FiniteDifferenceStep
	}
	return func(grad, x []float64) error {
		var evalErr error
		h := step * math.Max(1, floats.Norm(x, math.Inf(1)))
		work := append([]float64(nil), x...)

		for j := range x {
			formula := fd.Central
			if bounds != nil {
				b := bounds[j]
				switch {
				case x[j]-h < b.Lower && x[j]+h <= b.Upper:
					formula = fd.Forward
				case x[j]+h > b.Upper && x[j]-h >= b.Lower:
					formula = fd.Backward
				}
			}

			xj := x[j]
			grad[j] = fd.Derivative(func(t float64) float64 {
				if evalErr != nil {
					return math.NaN()
				}
				work[j] = t
				v, err := f(work)
				work[j] = xj
				if err != nil {
					evalErr = err
					return math.NaN()
				}
				return v
			}, xj, &fd.Settings{Formula: formula, Step: h})

			if evalErr != nil {
				return evalErr
			}
		}
		return nil
	}
}
