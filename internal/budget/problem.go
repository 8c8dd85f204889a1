package budget

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/copyleftdev/budgetopt/internal/frame"
	"github.com/copyleftdev/budgetopt/internal/optimization"
)

// Problem binds a model, the spend matrix, the horizon and the selected block
// to a mapping. It reconstructs X from a reduced vector and predicts the KPI.
// Objectives and constraints evaluate through it.
//
// A Problem caches its last response and gradient and is not safe for
// concurrent use.
type Problem struct {
	model   Model
	x       *frame.Frame
	horizon frame.Horizon
	sel     *frame.Selection
	mapping Mapping
	step    float64

	baseline        []float64
	baselineReduced []float64

	numGrad optimization.GradFunc

	lastR    []float64
	lastResp float64
	lastGR   []float64
	lastGrad []float64

	predictions int
	gradients   int
}

// NewProblem binds the parts of a budget problem. step is the relative
// finite difference step used when the model is not differentiable.
func NewProblem(model Model, x *frame.Frame, horizon frame.Horizon, sel *frame.Selection, mapping Mapping, step float64) *Problem {
	p := &Problem{
		model:   model,
		x:       x,
		horizon: horizon,
		sel:     sel,
		mapping: mapping,
		step:    step,
	}
	p.baseline = sel.GatherFrame(x)
	p.baselineReduced = mapping.ToReduced(p.baseline)
	p.numGrad = optimization.NumericalGradient(p.Response, mapping.Bounds(), step)
	return p
}

// Frame returns the original spend matrix
func (p *Problem) Frame() *frame.Frame { return p.x }

// Horizon returns the optimization horizon
func (p *Problem) Horizon() frame.Horizon { return p.horizon }

// Selection returns the optimized block
func (p *Problem) Selection() *frame.Selection { return p.sel }

// Mapping returns the bound parametrization
func (p *Problem) Mapping() Mapping { return p.mapping }

// Baseline returns the natural block of the original spend matrix
func (p *Problem) Baseline() []float64 {
	return append([]float64(nil), p.baseline...)
}

// BaselineReduced returns the reduced form of the baseline
func (p *Problem) BaselineReduced() []float64 {
	return append([]float64(nil), p.baselineReduced...)
}

// BaselineResponse returns the predicted KPI of the original spend matrix
func (p *Problem) BaselineResponse() (float64, error) {
	y, err := p.model.Predict(p.x, p.horizon)
	p.predictions++
	if err != nil {
		return 0, optimization.NewEvaluationError(err, "model prediction failed").WithComponent("budget")
	}
	return checkResponse(floats.Sum(y))
}

// BaselineSpend returns the original spend of the cells selected by mask, or
// of the whole block if mask is nil
func (p *Problem) BaselineSpend(mask []bool) float64 {
	sum := 0.0
	for k, v := range p.baseline {
		if mask == nil || mask[k] {
			sum += v
		}
	}
	return sum
}

// Natural returns the natural block for a reduced vector
func (p *Problem) Natural(reduced []float64) []float64 {
	return p.mapping.FromReduced(reduced)
}

// Reconstruct returns a copy of X with the block replaced by the natural
// form of reduced
func (p *Problem) Reconstruct(reduced []float64) *frame.Frame {
	out := p.x.Clone()
	p.sel.Scatter(out, p.mapping.FromReduced(reduced))
	return out
}

// Response returns the predicted KPI summed over every series and horizon
// period of the reconstructed matrix.
func (p *Problem) Response(reduced []float64) (float64, error) {
	if p.lastR != nil && floats.Equal(p.lastR, reduced) {
		return p.lastResp, nil
	}
	y, err := p.model.Predict(p.Reconstruct(reduced), p.horizon)
	p.predictions++
	if err != nil {
		return 0, optimization.NewEvaluationError(err, "model prediction failed").WithComponent("budget")
	}
	sum, err := checkResponse(floats.Sum(y))
	if err != nil {
		return 0, err
	}
	p.lastR = append(p.lastR[:0], reduced...)
	p.lastResp = sum
	return sum, nil
}

func checkResponse(sum float64) (float64, error) {
	if math.IsNaN(sum) || math.IsInf(sum, 0) {
		return 0, optimization.NewEvaluationError(errNotFinite, "model prediction failed").WithComponent("budget")
	}
	return sum, nil
}

// ResponseGradient writes the gradient of Response with respect to the
// reduced vector into grad. Differentiable models are differentiated
// analytically and pulled back through the mapping; other models fall back to
// finite differences in reduced space.
func (p *Problem) ResponseGradient(reduced, grad []float64) error {
	if p.lastGR != nil && floats.Equal(p.lastGR, reduced) {
		copy(grad, p.lastGrad)
		return nil
	}

	dm, ok := p.model.(DifferentiableModel)
	if !ok {
		if err := p.numGrad(grad, reduced); err != nil {
			return err
		}
	} else {
		g, err := dm.PredictGradient(p.Reconstruct(reduced), p.horizon)
		p.gradients++
		if err != nil {
			return optimization.NewEvaluationError(err, "model gradient failed").WithComponent("budget")
		}
		copy(grad, p.mapping.PullBack(reduced, p.sel.Gather(g)))
	}

	p.lastGR = append(p.lastGR[:0], reduced...)
	p.lastGrad = append(p.lastGrad[:0], grad...)
	return nil
}

// Spend returns the total natural spend of the cells selected by mask, or of
// the whole block if mask is nil.
func (p *Problem) Spend(reduced []float64, mask []bool) float64 {
	sum := 0.0
	for k, v := range p.mapping.FromReduced(reduced) {
		if mask == nil || mask[k] {
			sum += v
		}
	}
	return sum
}

// SpendGradient writes the gradient of Spend into grad
func (p *Problem) SpendGradient(reduced []float64, mask []bool, grad []float64) {
	ones := make([]float64, p.sel.Shape().Len())
	for k := range ones {
		if mask == nil || mask[k] {
			ones[k] = 1
		}
	}
	copy(grad, p.mapping.PullBack(reduced, ones))
}

// ChannelMask returns a mask over the natural block selecting the given
// channels. It returns nil for an empty list.
func (p *Problem) ChannelMask(channels []string) ([]bool, error) {
	if len(channels) == 0 {
		return nil, nil
	}
	columns := p.sel.Columns()
	want := make(map[int]bool, len(channels))
	for _, name := range channels {
		found := false
		for c, col := range columns {
			if col == name {
				want[c] = true
				found = true
				break
			}
		}
		if !found {
			return nil, optimization.NewConfigurationError("channel %q is not an optimized column", name)
		}
	}
	shape := p.sel.Shape()
	mask := make([]bool, shape.Len())
	for k := range mask {
		mask[k] = want[k%shape.Channels]
	}
	return mask, nil
}

// Predictions returns the number of model predictions so far
func (p *Problem) Predictions() int { return p.predictions }

// GradientCalls returns the number of analytic model gradients so far
func (p *Problem) GradientCalls() int { return p.gradients }
