package budget

import (
	"fmt"

	"github.com/copyleftdev/budgetopt/internal/frame"
	"github.com/copyleftdev/budgetopt/internal/optimization"
)

// Parametrization selects the free variables the solver searches over.
// Bind fits it to the baseline block of a particular problem.
type Parametrization interface {
	Name() string
	Bind(baseline []float64, shape frame.Shape) (Mapping, error)
}

// Mapping converts between the natural block (one spend value per series,
// period and channel, flattened by frame.Shape.Index) and the reduced vector.
// FromReduced(ToReduced(v)) == v holds for the baseline it was bound to.
type Mapping interface {
	// Len is the size of the reduced vector
	Len() int
	ToReduced(natural []float64) []float64
	FromReduced(reduced []float64) []float64
	// PullBack returns J^T g where J is the Jacobian of FromReduced at
	// reduced and g is a gradient with respect to the natural block
	PullBack(reduced, naturalGrad []float64) []float64
	// Bounds of every reduced variable
	Bounds() []optimization.Bound
}

// ConstraintSource is implemented by mappings whose reduced variables must
// satisfy additional constraints, such as shares summing to one.
type ConstraintSource interface {
	Constraints() []Constraint
}

// Parametrization names used in scenario documents
const (
	DailySpendName                    = "daily_spend"
	InvestmentPerChannelName          = "investment_per_channel"
	InvestmentPerSeriesName           = "investment_per_series"
	InvestmentPerChannelAndSeriesName = "investment_per_channel_and_series"
)

// ParseParametrization returns the parametrization registered under name.
// The empty name selects DailySpend.
func ParseParametrization(name string) (Parametrization, error) {
	switch name {
	case "", DailySpendName, "identity":
		return DailySpend{}, nil
	case InvestmentPerChannelName:
		return InvestmentPerChannel{}, nil
	case InvestmentPerSeriesName:
		return InvestmentPerSeries{}, nil
	case InvestmentPerChannelAndSeriesName:
		return InvestmentPerChannelAndSeries{}, nil
	}
	return nil, optimization.NewConfigurationError("unknown parametrization %q", name)
}

func checkBaseline(baseline []float64, shape frame.Shape) error {
	if shape.Len() == 0 {
		return optimization.NewConfigurationError("empty decision block %+v", shape)
	}
	if len(baseline) != shape.Len() {
		return optimization.NewConfigurationError("baseline has %d values, block %+v needs %d",
			len(baseline), shape, shape.Len())
	}
	for k, v := range baseline {
		if v < 0 {
			return optimization.NewConfigurationError("baseline spend is negative at position %d: %v", k, v)
		}
	}
	return nil
}

// DailySpend optimizes every (series, period, channel) value directly.
type DailySpend struct{}

// Name returns the parametrization name
func (DailySpend) Name() string { return DailySpendName }

// Bind returns the identity mapping
func (DailySpend) Bind(baseline []float64, shape frame.Shape) (Mapping, error) {
	if err := checkBaseline(baseline, shape); err != nil {
		return nil, err
	}
	return identity{n: shape.Len()}, nil
}

type identity struct{ n int }

func (m identity) Len() int { return m.n }

func (m identity) ToReduced(natural []float64) []float64 {
	return append([]float64(nil), natural...)
}

func (m identity) FromReduced(reduced []float64) []float64 {
	return append([]float64(nil), reduced...)
}

func (m identity) PullBack(_, naturalGrad []float64) []float64 {
	return append([]float64(nil), naturalGrad...)
}

func (m identity) Bounds() []optimization.Bound {
	return fill(m.n, optimization.NonNegative())
}

// grouped is a linear mapping in which every natural cell belongs to exactly
// one group and is reconstructed as reduced[group] * scale[group] * weight.
// The weights of a group sum to one, so reduced[g]*scale[g] is the group total.
// Groups with a zero scale reconstruct to zero and read back as fallback.
type grouped struct {
	groups   int
	groupOf  []int
	weight   []float64
	scale    []float64
	fallback float64
	bounds   optimization.Bound
}

func (m *grouped) Len() int { return m.groups }

func (m *grouped) ToReduced(natural []float64) []float64 {
	r := make([]float64, m.groups)
	for k, v := range natural {
		r[m.groupOf[k]] += v
	}
	for g := range r {
		if m.scale[g] == 0 {
			r[g] = m.fallback
			continue
		}
		r[g] /= m.scale[g]
	}
	return r
}

func (m *grouped) FromReduced(reduced []float64) []float64 {
	x := make([]float64, len(m.groupOf))
	for k, g := range m.groupOf {
		x[k] = reduced[g] * m.scale[g] * m.weight[k]
	}
	return x
}

func (m *grouped) PullBack(_, naturalGrad []float64) []float64 {
	r := make([]float64, m.groups)
	for k, g := range m.groupOf {
		r[g] += naturalGrad[k] * m.scale[g] * m.weight[k]
	}
	return r
}

func (m *grouped) Bounds() []optimization.Bound {
	return fill(m.groups, m.bounds)
}

// bindGrouped derives weights from the baseline: each cell's fraction of its
// group total, or a uniform split of the group when its baseline is all zero.
func bindGrouped(baseline []float64, groups int, groupOf func(k int) int, scale func(g int) float64, bounds optimization.Bound) *grouped {
	m := &grouped{
		groups:  groups,
		groupOf: make([]int, len(baseline)),
		weight:  make([]float64, len(baseline)),
		scale:   make([]float64, groups),
		bounds:  bounds,
	}
	totals := make([]float64, groups)
	sizes := make([]int, groups)
	for k, v := range baseline {
		g := groupOf(k)
		m.groupOf[k] = g
		totals[g] += v
		sizes[g]++
	}
	for k, v := range baseline {
		g := m.groupOf[k]
		if totals[g] > 0 {
			m.weight[k] = v / totals[g]
		} else {
			m.weight[k] = 1 / float64(sizes[g])
		}
	}
	for g := range m.scale {
		m.scale[g] = scale(g)
	}
	return m
}

func grandTotal(baseline []float64) float64 {
	sum := 0.0
	for _, v := range baseline {
		sum += v
	}
	if sum > 0 {
		return sum
	}
	return 1
}

// InvestmentPerChannel optimizes one share per channel, common to every
// series and period. Each period keeps its baseline total, which is split
// across channels by the shares: x[s,t,c] = share[c] * total[s,t]. Shares lie
// in [0, 1] and sum to one.
type InvestmentPerChannel struct{}

// Name returns the parametrization name
func (InvestmentPerChannel) Name() string { return InvestmentPerChannelName }

// Bind records the baseline total of every (series, period)
func (InvestmentPerChannel) Bind(baseline []float64, shape frame.Shape) (Mapping, error) {
	if err := checkBaseline(baseline, shape); err != nil {
		return nil, err
	}
	m := &channelShares{
		channels: shape.Channels,
		totals:   make([]float64, shape.Series*shape.Periods),
	}
	for k, v := range baseline {
		m.totals[k/shape.Channels] += v
	}
	return m, nil
}

// channelShares maps C channel shares onto the block by splitting each
// period total. FromReduced(ToReduced(v)) == v holds when every period of v
// has the same channel mix.
type channelShares struct {
	channels int
	// totals[s*Periods+t] is the baseline spend of series s at period t
	totals []float64
}

func (m *channelShares) Len() int { return m.channels }

// ToReduced returns each channel's fraction of the block total, or an even
// split when the block is all zero
func (m *channelShares) ToReduced(natural []float64) []float64 {
	r := make([]float64, m.channels)
	sum := 0.0
	for k, v := range natural {
		r[k%m.channels] += v
		sum += v
	}
	for c := range r {
		if sum > 0 {
			r[c] /= sum
		} else {
			r[c] = 1 / float64(m.channels)
		}
	}
	return r
}

func (m *channelShares) FromReduced(reduced []float64) []float64 {
	x := make([]float64, len(m.totals)*m.channels)
	for k := range x {
		x[k] = reduced[k%m.channels] * m.totals[k/m.channels]
	}
	return x
}

func (m *channelShares) PullBack(_, naturalGrad []float64) []float64 {
	r := make([]float64, m.channels)
	for k, g := range naturalGrad {
		r[k%m.channels] += g * m.totals[k/m.channels]
	}
	return r
}

func (m *channelShares) Bounds() []optimization.Bound {
	return fill(m.channels, optimization.Unit())
}

func (m *channelShares) Constraints() []Constraint {
	return []Constraint{shareSum{name: "share_sum", channels: m.channels}}
}

// InvestmentPerSeries optimizes one share of the baseline grand total per
// series. Each series keeps its baseline channel mix and temporal pattern.
type InvestmentPerSeries struct{}

// Name returns the parametrization name
func (InvestmentPerSeries) Name() string { return InvestmentPerSeriesName }

// Bind groups the block by series
func (InvestmentPerSeries) Bind(baseline []float64, shape frame.Shape) (Mapping, error) {
	if err := checkBaseline(baseline, shape); err != nil {
		return nil, err
	}
	g := grandTotal(baseline)
	perSeries := shape.Periods * shape.Channels
	return bindGrouped(baseline, shape.Series,
		func(k int) int { return k / perSeries },
		func(int) float64 { return g },
		optimization.NonNegative(),
	), nil
}

// InvestmentPerChannelAndSeries optimizes the channel mix of every series
// independently while holding each series total at its baseline. Reduced
// variables are channel shares in [0, 1] that sum to one within a series.
type InvestmentPerChannelAndSeries struct{}

// Name returns the parametrization name
func (InvestmentPerChannelAndSeries) Name() string { return InvestmentPerChannelAndSeriesName }

// Bind groups the block by (series, channel)
func (InvestmentPerChannelAndSeries) Bind(baseline []float64, shape frame.Shape) (Mapping, error) {
	if err := checkBaseline(baseline, shape); err != nil {
		return nil, err
	}
	perSeries := shape.Periods * shape.Channels
	seriesTotals := make([]float64, shape.Series)
	for k, v := range baseline {
		seriesTotals[k/perSeries] += v
	}

	m := bindGrouped(baseline, shape.Series*shape.Channels,
		func(k int) int { return (k/perSeries)*shape.Channels + k%shape.Channels },
		func(g int) float64 { return seriesTotals[g/shape.Channels] },
		optimization.Unit(),
	)
	// A series without baseline spend keeps a zero total whatever its shares;
	// its shares read back as an even split.
	m.fallback = 1 / float64(shape.Channels)

	return &seriesShares{grouped: m, shape: shape}, nil
}

// seriesShares adds the per-series sum-to-one constraints
type seriesShares struct {
	*grouped
	shape frame.Shape
}

func (m *seriesShares) Constraints() []Constraint {
	out := make([]Constraint, m.shape.Series)
	for s := range out {
		out[s] = shareSum{
			name:     fmt.Sprintf("share_sum[%d]", s),
			offset:   s * m.shape.Channels,
			channels: m.shape.Channels,
		}
	}
	return out
}

func fill(n int, b optimization.Bound) []optimization.Bound {
	out := make([]optimization.Bound, n)
	for i := range out {
		out[i] = b
	}
	return out
}

// shareSum is the implied constraint sum_c r[offset+c] - 1 = 0
type shareSum struct {
	name     string
	offset   int
	channels int
}

func (c shareSum) Name() string { return c.name }

func (c shareSum) Kind() optimization.ConstraintKind { return optimization.Equality }

func (c shareSum) Evaluate(_ *Problem, reduced []float64) (float64, error) {
	sum := 0.0
	for j := 0; j < c.channels; j++ {
		sum += reduced[c.offset+j]
	}
	return sum - 1, nil
}

func (c shareSum) Gradient(_ *Problem, _ []float64, grad []float64) error {
	for i := range grad {
		grad[i] = 0
	}
	for j := 0; j < c.channels; j++ {
		grad[c.offset+j] = 1
	}
	return nil
}
