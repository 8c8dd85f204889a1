package scenario

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/budgetopt/internal/budget"
	"github.com/copyleftdev/budgetopt/internal/optimization"
)

const inline = `
name: spring
spend:
  columns: [tv, search]
  rows:
    - {period: 2024-03-01, values: [100, 50]}
    - {period: 2024-03-02, values: [100, 50]}
    - {period: 2024-03-03, values: [100, 50]}
    - {period: 2024-03-04, values: [100, 50]}
horizon:
  start: 2024-03-02
  periods: 3
channels: [tv, search]
model:
  type: mmm
  mmm:
    intercept: 10
    channels:
      - column: tv
        coefficient: 20
        saturation: {type: log, scale: 100}
      - column: search
        coefficient: 40
        saturation: {type: hill, half_saturation: 60}
parametrization: investment_per_channel
constraints:
  - type: total_budget
options:
  maxiter: 50
`

func decode(t *testing.T, doc string) *Scenario {
	t.Helper()
	s, err := Decode(strings.NewReader(doc), FormatYAML)
	require.NoError(t, err)
	return s
}

func TestBuildAndRun(t *testing.T) {
	s := decode(t, inline)
	plan, err := s.Build(nil)
	require.NoError(t, err)

	assert.Equal(t, "spring", plan.Name)
	assert.Equal(t, []string{"2024-03-02", "2024-03-03", "2024-03-04"}, plan.Horizon.Strings())
	assert.Equal(t, budget.InvestmentPerChannel{}, plan.Config.Parametrization)
	assert.Equal(t, budget.MaximizeKPI{}, plan.Config.Objective)
	require.Len(t, plan.Config.Constraints, 1)
	assert.Equal(t, 50, plan.Config.Settings.MaxIter)

	res, err := plan.Run(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 450.0, res.OptimizedSpend, 1e-2)
	assert.GreaterOrEqual(t, res.OptimizedKPI, res.BaselineKPI-1e-6)
	assert.Equal(t, 100.0, res.Frame.At(0, 0), "rows before the horizon keep their spend")
}

func TestLoadResolvesCSVRelativeToFile(t *testing.T) {
	dir := t.TempDir()
	csv := "series,period,tv,search\n" +
		"north,2024-03-01,100,50\nnorth,2024-03-02,120,40\n" +
		"south,2024-03-01,80,70\nsouth,2024-03-02,60,90\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "spend.csv"), []byte(csv), 0o600))

	doc := `{
  "spend": {"csv": "spend.csv"},
  "horizon": {"dates": ["2024-03-01", "2024-03-02"]},
  "channels": ["tv", "search"],
  "series": ["north"],
  "model": {"type": "mmm", "mmm": {"channels": [{"column": "tv", "coefficient": 1}, {"column": "search", "coefficient": 2}]}},
  "objective": "minimize_budget",
  "constraints": [{"type": "minimum_target_response", "target": 400, "kind": "ineq"}]
}`
	path := filepath.Join(dir, "scenario.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	s, err := Load(path)
	require.NoError(t, err)
	plan, err := s.Build(nil)
	require.NoError(t, err)

	rows, cols := plan.Frame.Dims()
	assert.Equal(t, 4, rows)
	assert.Equal(t, 2, cols)
	assert.Equal(t, []string{"north"}, plan.Series)
	assert.Equal(t, budget.MinimizeBudget{}, plan.Config.Objective)
	assert.Equal(t, budget.MinimumTargetResponse{Target: 400, Type: optimization.Inequality}, plan.Config.Constraints[0])
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode(strings.NewReader(inline+"budget: 5\n"), FormatYAML)
	assert.Error(t, err)

	_, err = Decode(strings.NewReader(`{"budgets": 1}`), FormatJSON)
	assert.Error(t, err)

	_, err = Decode(strings.NewReader(inline), "toml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Scenario)
	}{
		{name: "no channels", mutate: func(s *Scenario) { s.Channels = nil }},
		{name: "duplicate channels", mutate: func(s *Scenario) { s.Channels = []string{"tv", "tv"} }},
		{name: "no spend", mutate: func(s *Scenario) { s.Spend = Spend{} }},
		{name: "row width", mutate: func(s *Scenario) { s.Spend.Rows[0].Values = []float64{1} }},
		{name: "no horizon", mutate: func(s *Scenario) { s.Horizon = Horizon{} }},
		{name: "start without length", mutate: func(s *Scenario) { s.Horizon.Periods = 0 }},
		{name: "start with end and periods", mutate: func(s *Scenario) { s.Horizon.End = "2024-03-04" }},
		{name: "dates and start", mutate: func(s *Scenario) { s.Horizon.Dates = []string{"2024-03-02"} }},
		{name: "unknown objective", mutate: func(s *Scenario) { s.Objective = "maximize_roi" }},
		{name: "unknown parametrization", mutate: func(s *Scenario) { s.Parametrization = "weekly" }},
		{name: "unknown constraint", mutate: func(s *Scenario) { s.Constraints = []Constraint{{Type: "max_share"}} }},
		{name: "target without value", mutate: func(s *Scenario) { s.Constraints = []Constraint{{Type: "minimum_target_response"}} }},
		{name: "bad constraint kind", mutate: func(s *Scenario) {
			v := 1.0
			s.Constraints = []Constraint{{Type: "minimum_target_response", Target: &v, Kind: "lt"}}
		}},
		{name: "model type", mutate: func(s *Scenario) { s.Model.Type = "prophet" }},
		{name: "solver options", mutate: func(s *Scenario) { s.Options.PenaltyGrowth = 0.5 }},
		{name: "iteration limit", mutate: func(s *Scenario) { s.Options.MaxIter = 1 << 40 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := decode(t, inline)
			require.NoError(t, s.Validate())
			tt.mutate(s)
			err := s.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, optimization.ErrConfiguration)
		})
	}
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Scenario)
	}{
		{name: "bad period", mutate: func(s *Scenario) { s.Spend.Rows[1].Period = "March 2nd" }},
		{name: "bad horizon start", mutate: func(s *Scenario) { s.Horizon.Start = "tomorrow" }},
		{name: "bad step", mutate: func(s *Scenario) { s.Horizon.Step = "-1h" }},
		{name: "missing csv", mutate: func(s *Scenario) { s.Spend = Spend{CSV: filepath.Join(t.TempDir(), "none.csv")} }},
		{name: "gp without spec", mutate: func(s *Scenario) {
			s.Model.Type = "gp"
			s.Model.MMM = nil
			s.Model.GP = nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := decode(t, inline)
			tt.mutate(s)
			_, err := s.Build(nil)
			assert.ErrorIs(t, err, optimization.ErrConfiguration)
		})
	}
}
