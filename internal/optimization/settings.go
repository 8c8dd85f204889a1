package optimization

import (
	"github.com/go-playground/validator/v10"
)

var settingsValidate = validator.New()

// MaxIterLimit is the largest accepted MaxIter and InnerMaxIter
const MaxIterLimit = 100000

// Settings configures a solver run. Zero values are replaced by the defaults
// of DefaultSettings when the settings are normalized.
type Settings struct {
	// MaxIter caps the number of outer (major) iterations
	MaxIter int `json:"maxiter" yaml:"maxiter" validate:"gte=0,lte=100000"`

	// Disp enables verbose per-iteration output
	Disp bool `json:"disp" yaml:"disp"`

	// FTol is the relative change of the objective between major
	// iterations below which the run is considered converged
	FTol float64 `json:"ftol" yaml:"ftol" validate:"gte=0"`

	// FeasibilityTol is the largest scaled constraint violation accepted
	// as feasible
	FeasibilityTol float64 `json:"feasibility_tol" yaml:"feasibility_tol" validate:"gte=0"`

	// GradTol is the gradient norm threshold of the inner subproblems
	GradTol float64 `json:"gtol" yaml:"gtol" validate:"gte=0"`

	// InnerMaxIter caps the iterations of each inner subproblem
	InnerMaxIter int `json:"inner_maxiter" yaml:"inner_maxiter" validate:"gte=0,lte=100000"`

	// InitialPenalty is the starting penalty parameter
	InitialPenalty float64 `json:"initial_penalty" yaml:"initial_penalty" validate:"gte=0"`

	// PenaltyGrowth multiplies the penalty when feasibility stalls
	PenaltyGrowth float64 `json:"penalty_growth" yaml:"penalty_growth" validate:"eq=0|gt=1"`

	// FiniteDifferenceStep is the relative step used when a gradient is
	// not supplied; zero selects the default
	FiniteDifferenceStep float64 `json:"eps" yaml:"eps" validate:"gte=0"`
}

// DefaultSettings returns the default solver configuration
func DefaultSettings() Settings {
	return Settings{
		MaxIter:              100,
		FTol:                 1e-6,
		FeasibilityTol:       1e-6,
		GradTol:              1e-8,
		InnerMaxIter:         200,
		InitialPenalty:       10,
		PenaltyGrowth:        10,
		FiniteDifferenceStep: 1e-6,
	}
}

// Validate checks the settings for invalid values
func (s Settings) Validate() error {
	if err := settingsValidate.Struct(s); err != nil {
		return WrapConfigurationError(err, "invalid solver settings")
	}
	return nil
}

// Normalized returns a copy with zero fields replaced by defaults
func (s Settings) Normalized() Settings {
	return s.WithDefaults(DefaultSettings())
}

// WithDefaults returns a copy with zero fields taken from d. Disp is set
// when either is set.
func (s Settings) WithDefaults(d Settings) Settings {
	if s.MaxIter == 0 {
		s.MaxIter = d.MaxIter
	}
	if s.FTol == 0 {
		s.FTol = d.FTol
	}
	if s.FeasibilityTol == 0 {
		s.FeasibilityTol = d.FeasibilityTol
	}
	if s.GradTol == 0 {
		s.GradTol = d.GradTol
	}
	if s.InnerMaxIter == 0 {
		s.InnerMaxIter = d.InnerMaxIter
	}
	if s.InitialPenalty == 0 {
		s.InitialPenalty = d.InitialPenalty
	}
	if s.PenaltyGrowth == 0 {
		s.PenaltyGrowth = d.PenaltyGrowth
	}
	if s.FiniteDifferenceStep == 0 {
		s.FiniteDifferenceStep = d.FiniteDifferenceStep
	}
	s.Disp = s.Disp || d.Disp
	return s
}
