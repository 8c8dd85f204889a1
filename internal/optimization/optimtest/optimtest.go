// Package optimtest holds assertion helpers and small test problems shared by
// the solver and budget packages' tests.
package optimtest

import (
	"fmt"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/budgetopt/internal/optimization"
)

// Quadratic returns f(x) = sum((x_i - c_i)^2) and its gradient
func Quadratic(center []float64) (optimization.Func, optimization.GradFunc) {
	f := func(x []float64) (float64, error) {
		sum := 0.0
		for i, v := range x {
			d := v - center[i]
			sum += d * d
		}
		return sum, nil
	}
	g := func(grad, x []float64) error {
		for i, v := range x {
			grad[i] = 2 * (v - center[i])
		}
		return nil
	}
	return f, g
}

// Sum returns sum(x) - target and its gradient, usable as a constraint
func Sum(target float64) (optimization.Func, optimization.GradFunc) {
	f := func(x []float64) (float64, error) {
		s := 0.0
		for _, v := range x {
			s += v
		}
		return s - target, nil
	}
	g := func(grad, x []float64) error {
		for i := range grad {
			grad[i] = 1
		}
		return nil
	}
	return f, g
}

// AssertFloat64SlicesEqual checks if two float64 slices are approximately equal
func AssertFloat64SlicesEqual(t *testing.T, got, want []float64, tol float64) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}

	for i := range got {
		if math.Abs(got[i]-want[i]) > tol {
			t.Fatalf("at index %d: got %v, want %v (tolerance %v)", i, got[i], want[i], tol)
		}
	}
}

// AssertAllNonNegative fails if any value is below zero
func AssertAllNonNegative(t *testing.T, values []float64) {
	t.Helper()

	for i, v := range values {
		if v < 0 || math.IsNaN(v) {
			t.Fatalf("at index %d: got %v, want a non-negative value", i, v)
		}
	}
}

// AssertMatDimsEqual checks if two matrices have the same dimensions
func AssertMatDimsEqual(t *testing.T, got, want mat.Matrix) {
	t.Helper()

	rg, cg := got.Dims()
	rw, cw := want.Dims()

	if rg != rw || cg != cw {
		t.Fatalf("matrix dimensions mismatch: got %dx%d, want %dx%d", rg, cg, rw, cw)
	}
}

// AssertMatEqual checks if two matrices are approximately equal
func AssertMatEqual(t *testing.T, got, want mat.Matrix, tol float64) {
	t.Helper()

	AssertMatDimsEqual(t, got, want)

	r, c := got.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			g := got.At(i, j)
			w := want.At(i, j)
			if math.Abs(g-w) > tol {
				t.Fatalf("at (%d,%d): got %v, want %v (tolerance %v)", i, j, g, w, tol)
			}
		}
	}
}

// CheckGradient compares grad against a central finite difference of f at x
func CheckGradient(t *testing.T, f optimization.Func, grad optimization.GradFunc, x []float64, tol float64) {
	t.Helper()

	got := make([]float64, len(x))
	if err := grad(got, x); err != nil {
		t.Fatalf("gradient evaluation failed: %v", err)
	}
	want := make([]float64, len(x))
	if err := optimization.NumericalGradient(f, nil, 1e-7)(want, x); err != nil {
		t.Fatalf("finite difference failed: %v", err)
	}
	for i := range got {
		scale := math.Max(1, math.Abs(want[i]))
		if math.Abs(got[i]-want[i]) > tol*scale {
			t.Fatalf("gradient[%d]: got %v, want %v (tolerance %v)", i, got[i], want[i], tol)
		}
	}
}

// Name formats a sub-benchmark or sub-test name such as "channels=16"
func Name(label string, n int) string {
	return fmt.Sprintf("%s=%d", label, n)
}
