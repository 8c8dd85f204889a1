// Package scenario reads budget optimization problems from YAML or JSON
// documents and turns them into a bound optimizer run: the spend frame, the
// horizon, the response model and the optimizer configuration.
package scenario

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/budgetopt/internal/budget"
	"github.com/copyleftdev/budgetopt/internal/frame"
	"github.com/copyleftdev/budgetopt/internal/model"
	"github.com/copyleftdev/budgetopt/internal/optimization"
)

// Format is the encoding of a scenario document
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

var validate = validator.New()

// Scenario is one optimization problem
type Scenario struct {
	Name            string                `json:"name,omitempty" yaml:"name,omitempty"`
	Spend           Spend                 `json:"spend" yaml:"spend"`
	Horizon         Horizon               `json:"horizon" yaml:"horizon"`
	Channels        []string              `json:"channels" yaml:"channels" validate:"required,min=1,unique,dive,required"`
	Series          []string              `json:"series,omitempty" yaml:"series,omitempty" validate:"unique"`
	Model           model.Spec            `json:"model" yaml:"model"`
	Objective       string                `json:"objective,omitempty" yaml:"objective,omitempty" validate:"omitempty,oneof=maximize_kpi minimize_budget"`
	Parametrization string                `json:"parametrization,omitempty" yaml:"parametrization,omitempty" validate:"omitempty,oneof=daily_spend investment_per_channel investment_per_series investment_per_channel_and_series"`
	Constraints     []Constraint          `json:"constraints,omitempty" yaml:"constraints,omitempty" validate:"dive"`
	Options         optimization.Settings `json:"options" yaml:"options"`

	// dir resolves relative CSV paths of documents read with Load
	dir string
}

// Spend is the spend matrix, read from a CSV file or given inline
type Spend struct {
	CSV          string `json:"csv,omitempty" yaml:"csv,omitempty" validate:"required_without=Rows"`
	SeriesColumn string `json:"series_column,omitempty" yaml:"series_column,omitempty"`
	PeriodColumn string `json:"period_column,omitempty" yaml:"period_column,omitempty"`
	DateFormat   string `json:"date_format,omitempty" yaml:"date_format,omitempty"`

	Columns []string `json:"columns,omitempty" yaml:"columns,omitempty" validate:"required_with=Rows,unique"`
	Rows    []Row    `json:"rows,omitempty" yaml:"rows,omitempty" validate:"required_without=CSV,dive"`
}

// Row is one inline row of the spend matrix
type Row struct {
	Series string    `json:"series,omitempty" yaml:"series,omitempty"`
	Period string    `json:"period" yaml:"period" validate:"required"`
	Values []float64 `json:"values" yaml:"values" validate:"required"`
}

// Horizon selects the optimized periods: explicit dates, or a start with
// either an end or a number of periods
type Horizon struct {
	Dates   []string `json:"dates,omitempty" yaml:"dates,omitempty"`
	Start   string   `json:"start,omitempty" yaml:"start,omitempty" validate:"required_without=Dates"`
	End     string   `json:"end,omitempty" yaml:"end,omitempty"`
	Periods int      `json:"periods,omitempty" yaml:"periods,omitempty" validate:"gte=0"`
	// Step between periods as a Go duration; defaults to 24h
	Step string `json:"step,omitempty" yaml:"step,omitempty"`
}

// Constraint is one optimizer constraint
type Constraint struct {
	Type string `json:"type" yaml:"type" validate:"required,oneof=total_budget minimum_target_response"`
	// Total fixes the budget; without it the baseline spend is kept
	Total    *float64 `json:"total,omitempty" yaml:"total,omitempty" validate:"omitempty,gte=0"`
	Channels []string `json:"channels,omitempty" yaml:"channels,omitempty"`
	// Target is the summed KPI a minimum_target_response must reach
	Target *float64 `json:"target,omitempty" yaml:"target,omitempty" validate:"required_if=Type minimum_target_response"`
	// Kind is eq or ineq
	Kind string `json:"kind,omitempty" yaml:"kind,omitempty" validate:"omitempty,oneof=eq ineq"`
}

// Load reads a scenario file. Files ending in .json are decoded as JSON,
// anything else as YAML.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: %w", err)
	}
	format := FormatYAML
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = FormatJSON
	}
	s, err := Decode(bytes.NewReader(data), format)
	if err != nil {
		return nil, fmt.Errorf("scenario: %s: %w", path, err)
	}
	s.dir = filepath.Dir(path)
	return s, nil
}

// Decode reads a scenario document from r. Unknown fields are rejected.
func Decode(r io.Reader, format Format) (*Scenario, error) {
	var s Scenario
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&s); err != nil {
			return nil, fmt.Errorf("decoding json: %w", err)
		}
	case FormatYAML, "":
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&s); err != nil {
			return nil, fmt.Errorf("decoding yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
	return &s, nil
}

// Validate checks the document structure without reading data or building
// the model
func (s *Scenario) Validate() error {
	if err := validate.Struct(s); err != nil {
		return optimization.WrapConfigurationError(err, "invalid scenario")
	}
	if err := s.Model.Validate(); err != nil {
		return optimization.WrapConfigurationError(err, "invalid scenario model")
	}
	if err := s.Options.Validate(); err != nil {
		return err
	}
	for i, r := range s.Spend.Rows {
		if len(r.Values) != len(s.Spend.Columns) {
			return optimization.NewConfigurationError("spend row %d has %d values for %d columns", i, len(r.Values), len(s.Spend.Columns))
		}
	}
	h := s.Horizon
	if len(h.Dates) > 0 && (h.Start != "" || h.End != "" || h.Periods > 0) {
		return optimization.NewConfigurationError("horizon takes either dates or a start, not both")
	}
	if h.Start != "" && (h.End == "") == (h.Periods == 0) {
		return optimization.NewConfigurationError("horizon start needs exactly one of end and periods")
	}
	return nil
}

// Plan is a scenario ready to run
type Plan struct {
	Name     string
	Frame    *frame.Frame
	Horizon  frame.Horizon
	Channels []string
	Series   []string
	Model    budget.Model
	Config   budget.Config
}

// Build validates the scenario, reads the spend matrix, builds the model and
// the optimizer configuration
func (s *Scenario) Build(logger *zap.Logger) (*Plan, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	f, err := s.frame()
	if err != nil {
		return nil, optimization.WrapConfigurationError(err, "reading spend")
	}
	horizon, err := s.horizon()
	if err != nil {
		return nil, optimization.WrapConfigurationError(err, "invalid horizon")
	}
	m, err := s.Model.Build(f, logger)
	if err != nil {
		return nil, optimization.WrapConfigurationError(err, "building model")
	}
	cfg, err := s.config(logger)
	if err != nil {
		return nil, err
	}

	return &Plan{
		Name:     s.Name,
		Frame:    f,
		Horizon:  horizon,
		Channels: append([]string(nil), s.Channels...),
		Series:   append([]string(nil), s.Series...),
		Model:    m,
		Config:   cfg,
	}, nil
}

func (s *Scenario) csvOptions() *frame.CSVOptions {
	opts := frame.DefaultCSVOptions()
	if s.Spend.SeriesColumn != "" {
		opts.SeriesColumn = s.Spend.SeriesColumn
	}
	if s.Spend.PeriodColumn != "" {
		opts.PeriodColumn = s.Spend.PeriodColumn
	}
	if s.Spend.DateFormat != "" {
		opts.DateFormat = s.Spend.DateFormat
	}
	return opts
}

func (s *Scenario) frame() (*frame.Frame, error) {
	opts := s.csvOptions()
	if s.Spend.CSV != "" {
		path := s.Spend.CSV
		if !filepath.IsAbs(path) && s.dir != "" {
			path = filepath.Join(s.dir, path)
		}
		return frame.LoadCSV(path, opts)
	}

	index := make([]frame.RowKey, len(s.Spend.Rows))
	data := make([]float64, 0, len(s.Spend.Rows)*len(s.Spend.Columns))
	for i, r := range s.Spend.Rows {
		t, err := time.Parse(opts.DateFormat, r.Period)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		index[i] = frame.RowKey{Series: r.Series, Period: t}
		data = append(data, r.Values...)
	}
	return frame.New(index, s.Spend.Columns, mat.NewDense(len(index), len(s.Spend.Columns), data))
}

func (s *Scenario) horizon() (frame.Horizon, error) {
	h := s.Horizon
	layout := s.csvOptions().DateFormat
	if len(h.Dates) > 0 {
		return frame.ParseHorizon(h.Dates, layout)
	}

	var step time.Duration
	if h.Step != "" {
		d, err := time.ParseDuration(h.Step)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("step must be positive, got %s", h.Step)
		}
		step = d
	}
	start, err := time.Parse(layout, h.Start)
	if err != nil {
		return nil, err
	}
	if h.Periods > 0 {
		return frame.HorizonPeriods(start, h.Periods, step), nil
	}
	end, err := time.Parse(layout, h.End)
	if err != nil {
		return nil, err
	}
	return frame.HorizonRange(start, end, step)
}

func (s *Scenario) config(logger *zap.Logger) (budget.Config, error) {
	objective, err := budget.ParseObjective(s.Objective)
	if err != nil {
		return budget.Config{}, err
	}
	param, err := budget.ParseParametrization(s.Parametrization)
	if err != nil {
		return budget.Config{}, err
	}
	constraints := make([]budget.Constraint, len(s.Constraints))
	for i, c := range s.Constraints {
		switch c.Type {
		case budget.TotalBudgetName:
			constraints[i] = budget.TotalBudget{Total: c.Total, Channels: c.Channels}
		case budget.MinimumTargetResponseName:
			kind, err := optimization.ParseConstraintKind(c.Kind)
			if err != nil {
				return budget.Config{}, err
			}
			constraints[i] = budget.MinimumTargetResponse{Target: *c.Target, Type: kind}
		default:
			return budget.Config{}, optimization.NewConfigurationError("unknown constraint %q", c.Type)
		}
	}
	return budget.Config{
		Objective:       objective,
		Constraints:     constraints,
		Parametrization: param,
		Settings:        s.Options,
		Logger:          logger,
	}, nil
}

// Run creates an optimizer from the plan and optimizes its frame
func (p *Plan) Run(ctx context.Context) (*budget.Result, error) {
	opt, err := budget.NewOptimizer(p.Config)
	if err != nil {
		return nil, err
	}
	return opt.Optimize(ctx, p.Model, p.Frame, p.Horizon, p.Channels, p.Series...)
}
