// Package kernels provides covariance functions for Gaussian process
// response surrogates. Both kernels support one length scale per input
// dimension (automatic relevance determination) or a single shared one.
package kernels

import (
	"fmt"
	"math"
)

// Kernel is a covariance function between two input points
type Kernel interface {
	// Eval computes the covariance between x1 and x2
	Eval(x1, x2 []float64) float64

	// Hyperparameters returns the signal variance followed by the length scales
	Hyperparameters() []float64

	// SetHyperparameters replaces the hyperparameters in the order of
	// Hyperparameters
	SetHyperparameters(params []float64) error
}

// stationary holds the parameters shared by the distance-based kernels
type stationary struct {
	signalVar    float64
	lengthScales []float64
}

func newStationary(signalVar float64, lengthScales []float64) (stationary, error) {
	if len(lengthScales) == 0 {
		lengthScales = []float64{1}
	}
	s := stationary{lengthScales: append([]float64(nil), lengthScales...)}
	if err := s.set(append([]float64{signalVar}, lengthScales...)); err != nil {
		return stationary{}, err
	}
	return s, nil
}

// scaledDist2 returns the squared distance with each dimension divided by
// its length scale
func (s *stationary) scaledDist2(x1, x2 []float64) float64 {
	sum := 0.0
	shared := len(s.lengthScales) == 1
	for i := range x1 {
		l := s.lengthScales[0]
		if !shared {
			l = s.lengthScales[i]
		}
		d := (x1[i] - x2[i]) / l
		sum += d * d
	}
	return sum
}

func (s *stationary) params() []float64 {
	return append([]float64{s.signalVar}, s.lengthScales...)
}

func (s *stationary) set(params []float64) error {
	if len(params) != 1+len(s.lengthScales) {
		return fmt.Errorf("expected %d hyperparameters, got %d", 1+len(s.lengthScales), len(params))
	}
	for _, p := range params {
		if !(p > 0) || math.IsInf(p, 0) {
			return fmt.Errorf("hyperparameters must be positive, got %v", params)
		}
	}
	s.signalVar = params[0]
	copy(s.lengthScales, params[1:])
	return nil
}

// RBF is the squared exponential kernel
// k(x, x') = σ² exp(-½ Σ ((x_i - x'_i) / l_i)²)
type RBF struct {
	stationary
}

// NewRBF creates an RBF kernel. With no length scales a single shared
// length scale of 1 is used.
func NewRBF(signalVar float64, lengthScales ...float64) (*RBF, error) {
	s, err := newStationary(signalVar, lengthScales)
	if err != nil {
		return nil, err
	}
	return &RBF{s}, nil
}

// Eval computes the RBF covariance
func (k *RBF) Eval(x1, x2 []float64) float64 {
	return k.signalVar * math.Exp(-0.5*k.scaledDist2(x1, x2))
}

// Hyperparameters returns the signal variance and length scales
func (k *RBF) Hyperparameters() []float64 { return k.params() }

// SetHyperparameters sets the signal variance and length scales
func (k *RBF) SetHyperparameters(params []float64) error { return k.set(params) }

// Matern52 is the Matérn kernel with smoothness 5/2
type Matern52 struct {
	stationary
}

// NewMatern52 creates a Matérn 5/2 kernel
func NewMatern52(signalVar float64, lengthScales ...float64) (*Matern52, error) {
	s, err := newStationary(signalVar, lengthScales)
	if err != nil {
		return nil, err
	}
	return &Matern52{s}, nil
}

// Eval computes the Matérn 5/2 covariance
func (k *Matern52) Eval(x1, x2 []float64) float64 {
	r := math.Sqrt(5 * k.scaledDist2(x1, x2))
	return k.signalVar * (1 + r + r*r/3) * math.Exp(-r)
}

// Hyperparameters returns the signal variance and length scales
func (k *Matern52) Hyperparameters() []float64 { return k.params() }

// SetHyperparameters sets the signal variance and length scales
func (k *Matern52) SetHyperparameters(params []float64) error { return k.set(params) }

// Names accepted by New
const (
	RBFName      = "rbf"
	Matern52Name = "matern52"
)

// New creates a kernel by name
func New(name string, signalVar float64, lengthScales ...float64) (Kernel, error) {
	switch name {
	case RBFName, "":
		return NewRBF(signalVar, lengthScales...)
	case Matern52Name:
		return NewMatern52(signalVar, lengthScales...)
	}
	return nil, fmt.Errorf("unknown kernel %q", name)
}
