package mmm_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/budgetopt/internal/budget"
	"github.com/copyleftdev/budgetopt/internal/frame"
	"github.com/copyleftdev/budgetopt/internal/model/mmm"
)

func TestOptimizeWithAdstockModel(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	const days = 28

	index := make([]frame.RowKey, days)
	data := make([]float64, 0, 2*days)
	for d := range index {
		index[d] = frame.RowKey{Period: start.AddDate(0, 0, d)}
		data = append(data, 300, 100)
	}
	X, err := frame.New(index, []string{"tv", "search"}, mat.NewDense(days, 2, data))
	require.NoError(t, err)

	model, err := mmm.New(50, nil, []mmm.ChannelEffect{
		{Column: "tv", Coefficient: 40, Adstock: &mmm.GeometricAdstock{Decay: 0.4, Normalize: true}, Saturation: mmm.Hill{HalfSaturation: 500, Slope: 1}},
		{Column: "search", Coefficient: 60, Saturation: mmm.Hill{HalfSaturation: 150, Slope: 1}},
	}, nil)
	require.NoError(t, err)

	horizon := frame.HorizonPeriods(start.AddDate(0, 0, 14), 14, 0)
	opt, err := budget.NewOptimizer(budget.Config{
		Constraints:     []budget.Constraint{budget.TotalBudget{}},
		Parametrization: budget.InvestmentPerChannel{},
	})
	require.NoError(t, err)

	res, err := opt.Optimize(context.Background(), model, X, horizon, []string{"tv", "search"})
	require.NoError(t, err)

	assert.InDelta(t, res.BaselineSpend, res.OptimizedSpend, 1e-3*res.BaselineSpend)
	assert.GreaterOrEqual(t, res.OptimizedKPI, res.BaselineKPI-1e-6)
	// total_budget and the share sum of the channel shares
	require.Len(t, res.Constraints, 2)
	for _, c := range res.Constraints {
		assert.True(t, c.Satisfied, c.Name)
	}

	// Rows before the horizon are untouched
	for d := 0; d < 14; d++ {
		assert.Equal(t, 300.0, res.Frame.At(d, 0))
		assert.Equal(t, 100.0, res.Frame.At(d, 1))
	}
}
