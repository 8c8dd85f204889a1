// Package model builds the response models the budget optimizer can run
// against from their declarative description in a scenario document.
package model

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/copyleftdev/budgetopt/internal/budget"
	"github.com/copyleftdev/budgetopt/internal/frame"
	"github.com/copyleftdev/budgetopt/internal/model/mmm"
	"github.com/copyleftdev/budgetopt/internal/model/surrogate"
)

// Model types
const (
	TypeMMM = "mmm"
	TypeGP  = "gp"
)

var validate = validator.New()

// Spec selects and configures a response model
type Spec struct {
	Type string    `json:"type" yaml:"type" validate:"required,oneof=mmm gp"`
	MMM  *mmm.Spec `json:"mmm,omitempty" yaml:"mmm,omitempty" validate:"required_if=Type mmm"`
	GP   *GPSpec   `json:"gp,omitempty" yaml:"gp,omitempty" validate:"required_if=Type gp"`
}

// GPSpec configures a Gaussian process surrogate fitted on the spend history
type GPSpec struct {
	Target         string    `json:"target" yaml:"target" validate:"required"`
	Features       []string  `json:"features,omitempty" yaml:"features,omitempty"`
	Kernel         string    `json:"kernel,omitempty" yaml:"kernel,omitempty" validate:"omitempty,oneof=rbf matern52"`
	SignalVariance float64   `json:"signal_variance,omitempty" yaml:"signal_variance,omitempty" validate:"gte=0"`
	LengthScales   []float64 `json:"length_scales,omitempty" yaml:"length_scales,omitempty" validate:"dive,gt=0"`
	NoiseVariance  float64   `json:"noise_variance,omitempty" yaml:"noise_variance,omitempty" validate:"gte=0"`
	Tune           bool      `json:"tune,omitempty" yaml:"tune,omitempty"`
	TuneIterations int       `json:"tune_iterations,omitempty" yaml:"tune_iterations,omitempty" validate:"gte=0"`
}

// Validate checks the spec structure
func (s Spec) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("model: invalid spec: %w", err)
	}
	if s.MMM != nil {
		return s.MMM.Validate()
	}
	return nil
}

// Build creates the model. history is the spend frame; the GP surrogate is
// fitted on it.
func (s Spec) Build(history *frame.Frame, logger *zap.Logger) (budget.Model, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	switch s.Type {
	case TypeMMM:
		m, err := s.MMM.Build()
		if err != nil {
			return nil, err
		}
		return m, nil
	case TypeGP:
		gp, err := surrogate.Fit(history, surrogate.Config{
			Target:         s.GP.Target,
			Features:       s.GP.Features,
			Kernel:         s.GP.Kernel,
			SignalVariance: s.GP.SignalVariance,
			LengthScales:   s.GP.LengthScales,
			NoiseVariance:  s.GP.NoiseVariance,
			Tune:           s.GP.Tune,
			TuneIterations: s.GP.TuneIterations,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		return gp, nil
	}
	return nil, fmt.Errorf("model: unknown type %q", s.Type)
}
