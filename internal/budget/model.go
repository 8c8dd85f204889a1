// Package budget allocates spend across channels, periods and series so that
// a fitted response model's predicted KPI is maximized, or a KPI target is met
// at minimum cost, subject to budget and response constraints.
package budget

import (
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/budgetopt/internal/frame"
)

// Model predicts the KPI for every series of X over horizon. Predictions are
// returned series-major in the order of X.Series(), one per horizon period.
// Predict must not modify X.
type Model interface {
	Predict(X *frame.Frame, horizon frame.Horizon) ([]float64, error)
}

// DifferentiableModel is a Model that can differentiate the sum of its
// predictions over horizon with respect to every entry of X. The gradient has
// the same dimensions as X.
type DifferentiableModel interface {
	Model
	PredictGradient(X *frame.Frame, horizon frame.Horizon) (*mat.Dense, error)
}

// FittedChecker is implemented by models that can report whether they were
// fitted. Unfitted models are rejected before optimization.
type FittedChecker interface {
	IsFitted() bool
}

// SeriesAware is implemented by panel models that know the series they were
// fitted on. Every series of X must be one of them; an empty list accepts any.
type SeriesAware interface {
	Series() []string
}

// ModelFunc adapts a prediction function to the Model interface
type ModelFunc func(X *frame.Frame, horizon frame.Horizon) ([]float64, error)

// Predict calls f
func (f ModelFunc) Predict(X *frame.Frame, horizon frame.Horizon) ([]float64, error) {
	return f(X, horizon)
}
