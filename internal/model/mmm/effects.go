package mmm

import (
	"fmt"
	"math"
)

// Saturation maps (adstocked) spend to a diminishing-returns response
type Saturation interface {
	Value(x float64) float64
	Derivative(x float64) float64
}

// Linear is the identity saturation
type Linear struct{}

// Value returns x
func (Linear) Value(x float64) float64 { return x }

// Derivative returns 1
func (Linear) Derivative(float64) float64 { return 1 }

// Hill is the saturation x^s / (x^s + k^s)
type Hill struct {
	HalfSaturation float64
	Slope          float64
}

// Value returns the Hill response
func (h Hill) Value(x float64) float64 {
	if x <= 0 {
		return 0
	}
	xs := math.Pow(x, h.Slope)
	return xs / (xs + math.Pow(h.HalfSaturation, h.Slope))
}

// Derivative returns s k^s x^(s-1) / (x^s + k^s)^2
func (h Hill) Derivative(x float64) float64 {
	if x <= 0 {
		if h.Slope == 1 {
			return 1 / h.HalfSaturation
		}
		if h.Slope < 1 {
			return math.Inf(1)
		}
		return 0
	}
	ks := math.Pow(h.HalfSaturation, h.Slope)
	xs := math.Pow(x, h.Slope)
	d := xs + ks
	return h.Slope * ks * xs / x / (d * d)
}

func (h Hill) validate() error {
	if !(h.HalfSaturation > 0) || !(h.Slope > 0) {
		return fmt.Errorf("hill saturation needs positive half saturation and slope, got %v and %v", h.HalfSaturation, h.Slope)
	}
	return nil
}

// LogSaturation is log(1 + x/scale)
type LogSaturation struct {
	Scale float64
}

// Value returns log1p(x/scale)
func (l LogSaturation) Value(x float64) float64 {
	return math.Log1p(x / l.Scale)
}

// Derivative returns 1 / (scale + x)
func (l LogSaturation) Derivative(x float64) float64 {
	return 1 / (l.Scale + x)
}

func (l LogSaturation) validate() error {
	if !(l.Scale > 0) {
		return fmt.Errorf("log saturation needs a positive scale, got %v", l.Scale)
	}
	return nil
}

// GeometricAdstock carries a fraction Decay of each period's effect into the
// next: a[t] = x[t] + Decay*a[t-1]. With Normalize the result is scaled by
// (1 - Decay) so a constant input maps to itself in the limit.
type GeometricAdstock struct {
	Decay     float64
	Normalize bool
}

func (g GeometricAdstock) validate() error {
	if g.Decay < 0 || g.Decay >= 1 || math.IsNaN(g.Decay) {
		return fmt.Errorf("adstock decay must be in [0, 1), got %v", g.Decay)
	}
	return nil
}

func (g GeometricAdstock) scale() float64 {
	if g.Normalize {
		return 1 - g.Decay
	}
	return 1
}

// Apply returns the adstocked series
func (g GeometricAdstock) Apply(x []float64) []float64 {
	out := make([]float64, len(x))
	carry := 0.0
	k := g.scale()
	for t, v := range x {
		carry = v + g.Decay*carry
		out[t] = k * carry
	}
	return out
}

// Backward maps a gradient with respect to Apply's output to a gradient
// with respect to its input.
func (g GeometricAdstock) Backward(d []float64) []float64 {
	out := make([]float64, len(d))
	carry := 0.0
	k := g.scale()
	for t := len(d) - 1; t >= 0; t-- {
		carry = d[t] + g.Decay*carry
		out[t] = k * carry
	}
	return out
}

// ChannelEffect is coefficient * saturation(adstock(spend[column]))
type ChannelEffect struct {
	Column      string
	Coefficient float64
	Adstock     *GeometricAdstock
	Saturation  Saturation
}

func (e ChannelEffect) validate() error {
	if e.Column == "" {
		return fmt.Errorf("channel effect has no column")
	}
	if e.Adstock != nil {
		if err := e.Adstock.validate(); err != nil {
			return fmt.Errorf("channel %q: %w", e.Column, err)
		}
	}
	if v, ok := e.Saturation.(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			return fmt.Errorf("channel %q: %w", e.Column, err)
		}
	}
	return nil
}

// transform returns the adstocked spend, or a copy of x without adstock
func (e ChannelEffect) transform(x []float64) []float64 {
	if e.Adstock == nil {
		return append([]float64(nil), x...)
	}
	return e.Adstock.Apply(x)
}

// Control is a linear effect of a column held fixed by the optimizer, such
// as price or a holiday indicator
type Control struct {
	Column      string
	Coefficient float64
}
