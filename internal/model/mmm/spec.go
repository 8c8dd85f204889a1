package mmm

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Spec describes a model in a scenario document
type Spec struct {
	Intercept        float64            `json:"intercept" yaml:"intercept"`
	SeriesIntercepts map[string]float64 `json:"series_intercepts,omitempty" yaml:"series_intercepts,omitempty"`
	Channels         []ChannelSpec      `json:"channels" yaml:"channels" validate:"required,min=1,dive"`
	Controls         []ControlSpec      `json:"controls,omitempty" yaml:"controls,omitempty" validate:"dive"`
}

// ChannelSpec describes one channel effect
type ChannelSpec struct {
	Column      string          `json:"column" yaml:"column" validate:"required"`
	Coefficient float64         `json:"coefficient" yaml:"coefficient"`
	Saturation  *SaturationSpec `json:"saturation,omitempty" yaml:"saturation,omitempty"`
	Adstock     *AdstockSpec    `json:"adstock,omitempty" yaml:"adstock,omitempty"`
}

// SaturationSpec selects a saturation curve
type SaturationSpec struct {
	Type           string  `json:"type" yaml:"type" validate:"oneof=linear hill log"`
	HalfSaturation float64 `json:"half_saturation,omitempty" yaml:"half_saturation,omitempty" validate:"required_if=Type hill,gte=0"`
	Slope          float64 `json:"slope,omitempty" yaml:"slope,omitempty" validate:"gte=0"`
	Scale          float64 `json:"scale,omitempty" yaml:"scale,omitempty" validate:"required_if=Type log,gte=0"`
}

// AdstockSpec configures geometric adstock
type AdstockSpec struct {
	Decay     float64 `json:"decay" yaml:"decay" validate:"gte=0,lt=1"`
	Normalize bool    `json:"normalize" yaml:"normalize"`
}

// ControlSpec describes a linear control
type ControlSpec struct {
	Column      string  `json:"column" yaml:"column" validate:"required"`
	Coefficient float64 `json:"coefficient" yaml:"coefficient"`
}

// Validate checks the spec structure
func (s Spec) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("mmm: invalid spec: %w", err)
	}
	return nil
}

// Build validates the spec and creates the model
func (s Spec) Build() (*Model, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	effects := make([]ChannelEffect, len(s.Channels))
	for i, c := range s.Channels {
		effects[i] = ChannelEffect{
			Column:      c.Column,
			Coefficient: c.Coefficient,
			Saturation:  c.Saturation.build(),
		}
		if c.Adstock != nil {
			effects[i].Adstock = &GeometricAdstock{Decay: c.Adstock.Decay, Normalize: c.Adstock.Normalize}
		}
	}
	controls := make([]Control, len(s.Controls))
	for i, c := range s.Controls {
		controls[i] = Control{Column: c.Column, Coefficient: c.Coefficient}
	}
	return New(s.Intercept, s.SeriesIntercepts, effects, controls)
}

func (s *SaturationSpec) build() Saturation {
	if s == nil {
		return Linear{}
	}
	switch s.Type {
	case "hill":
		slope := s.Slope
		if slope == 0 {
			slope = 1
		}
		return Hill{HalfSaturation: s.HalfSaturation, Slope: slope}
	case "log":
		return LogSaturation{Scale: s.Scale}
	}
	return Linear{}
}
