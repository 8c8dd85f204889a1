package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/budgetopt/internal/budget"
	"github.com/copyleftdev/budgetopt/internal/frame"
	"github.com/copyleftdev/budgetopt/internal/model/mmm"
	"github.com/copyleftdev/budgetopt/internal/model/surrogate"
)

func spendHistory(t *testing.T) *frame.Frame {
	t.Helper()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	index := make([]frame.RowKey, 8)
	data := make([]float64, 0, 16)
	for d := range index {
		index[d] = frame.RowKey{Period: start.AddDate(0, 0, d)}
		tv := float64(10 * (d + 1))
		data = append(data, tv, 5+2*tv)
	}
	f, err := frame.New(index, []string{"tv", "kpi"}, mat.NewDense(8, 2, data))
	require.NoError(t, err)
	return f
}

func TestBuild(t *testing.T) {
	h := spendHistory(t)

	m, err := Spec{Type: TypeMMM, MMM: &mmm.Spec{Channels: []mmm.ChannelSpec{{Column: "tv", Coefficient: 1}}}}.Build(h, nil)
	require.NoError(t, err)
	assert.IsType(t, &mmm.Model{}, m)
	_, ok := m.(budget.DifferentiableModel)
	assert.True(t, ok)

	m, err = Spec{Type: TypeGP, GP: &GPSpec{Target: "kpi", Kernel: "matern52"}}.Build(h, nil)
	require.NoError(t, err)
	assert.IsType(t, &surrogate.GP{}, m)
	_, ok = m.(budget.DifferentiableModel)
	assert.False(t, ok)
}

func TestBuildErrors(t *testing.T) {
	h := spendHistory(t)
	tests := []struct {
		name string
		spec Spec
	}{
		{name: "no type", spec: Spec{}},
		{name: "unknown type", spec: Spec{Type: "prophet"}},
		{name: "mmm without spec", spec: Spec{Type: TypeMMM}},
		{name: "gp without spec", spec: Spec{Type: TypeGP}},
		{name: "gp without target", spec: Spec{Type: TypeGP, GP: &GPSpec{}}},
		{name: "gp bad kernel", spec: Spec{Type: TypeGP, GP: &GPSpec{Target: "kpi", Kernel: "linear"}}},
		{name: "gp bad length scale", spec: Spec{Type: TypeGP, GP: &GPSpec{Target: "kpi", LengthScales: []float64{0}}}},
		{name: "gp unknown target", spec: Spec{Type: TypeGP, GP: &GPSpec{Target: "revenue"}}},
		{name: "mmm without channels", spec: Spec{Type: TypeMMM, MMM: &mmm.Spec{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := tt.spec.Build(h, nil)
			assert.Error(t, err)
			assert.Nil(t, m)
		})
	}
}
