// Package mmm implements an additive media-mix response model: an intercept,
// per-channel effects with geometric adstock and saturation, and linear
// controls. Predictions are differentiable with respect to the spend matrix.
package mmm

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/budgetopt/internal/frame"
)

// Model is an additive response model with known parameters
type Model struct {
	intercept       float64
	seriesIntercept map[string]float64
	effects         []ChannelEffect
	controls        []Control
	fitted          bool
}

// New creates a model and validates its effects. A nil Saturation is Linear.
func New(intercept float64, seriesIntercept map[string]float64, effects []ChannelEffect, controls []Control) (*Model, error) {
	m := &Model{
		intercept:       intercept,
		seriesIntercept: make(map[string]float64, len(seriesIntercept)),
		effects:         make([]ChannelEffect, len(effects)),
		controls:        append([]Control(nil), controls...),
		fitted:          true,
	}
	for s, v := range seriesIntercept {
		m.seriesIntercept[s] = v
	}
	for i, e := range effects {
		if e.Saturation == nil {
			e.Saturation = Linear{}
		}
		if err := e.validate(); err != nil {
			return nil, fmt.Errorf("mmm: %w", err)
		}
		m.effects[i] = e
	}
	for _, c := range controls {
		if c.Column == "" {
			return nil, fmt.Errorf("mmm: control has no column")
		}
	}
	return m, nil
}

// IsFitted reports whether the model was built with New
func (m *Model) IsFitted() bool { return m != nil && m.fitted }

// Series returns the series with their own intercept, sorted. A model
// without series intercepts accepts any series.
func (m *Model) Series() []string {
	out := make([]string, 0, len(m.seriesIntercept))
	for s := range m.seriesIntercept {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Columns returns every column the model reads
func (m *Model) Columns() []string {
	var out []string
	for _, e := range m.effects {
		out = append(out, e.Column)
	}
	for _, c := range m.controls {
		out = append(out, c.Column)
	}
	return out
}

// seriesView is one series of X ordered by period
type seriesView struct {
	rows []int
	// pos[k] is the position in rows of horizon period k
	pos []int
}

func (m *Model) view(X *frame.Frame, series string, horizon frame.Horizon) (seriesView, error) {
	v := seriesView{rows: X.Rows(series), pos: make([]int, len(horizon))}
	at := make(map[int64]int, len(v.rows))
	for p, r := range v.rows {
		at[X.Key(r).Period.UnixNano()] = p
	}
	for k, t := range horizon {
		p, ok := at[t.UnixNano()]
		if !ok {
			return v, fmt.Errorf("mmm: series %q has no row for %s", series, t.Format(frame.DateLayout))
		}
		v.pos[k] = p
	}
	return v, nil
}

func (m *Model) columnIndex(X *frame.Frame) ([]int, []int, error) {
	eff := make([]int, len(m.effects))
	for i, e := range m.effects {
		eff[i] = X.Column(e.Column)
		if eff[i] < 0 {
			return nil, nil, fmt.Errorf("mmm: %w: %q", frame.ErrUnknownColumn, e.Column)
		}
	}
	ctl := make([]int, len(m.controls))
	for i, c := range m.controls {
		ctl[i] = X.Column(c.Column)
		if ctl[i] < 0 {
			return nil, nil, fmt.Errorf("mmm: %w: %q", frame.ErrUnknownColumn, c.Column)
		}
	}
	return eff, ctl, nil
}

func column(X *frame.Frame, rows []int, j int) []float64 {
	out := make([]float64, len(rows))
	for p, r := range rows {
		out[p] = X.At(r, j)
	}
	return out
}

// Predict returns the response for every series of X and horizon period.
// Adstock runs over each series' full history, so spend before the horizon
// carries into it.
func (m *Model) Predict(X *frame.Frame, horizon frame.Horizon) ([]float64, error) {
	eff, ctl, err := m.columnIndex(X)
	if err != nil {
		return nil, err
	}

	series := X.Series()
	out := make([]float64, 0, len(series)*len(horizon))
	for _, s := range series {
		v, err := m.view(X, s, horizon)
		if err != nil {
			return nil, err
		}
		y := make([]float64, len(horizon))
		for k := range y {
			y[k] = m.intercept + m.seriesIntercept[s]
		}
		for i, e := range m.effects {
			a := e.transform(column(X, v.rows, eff[i]))
			for k, p := range v.pos {
				y[k] += e.Coefficient * e.Saturation.Value(a[p])
			}
		}
		for i, c := range m.controls {
			for k, p := range v.pos {
				y[k] += c.Coefficient * X.At(v.rows[p], ctl[i])
			}
		}
		out = append(out, y...)
	}
	return out, nil
}

// PredictGradient returns the gradient of the summed predictions over
// horizon with respect to every entry of X
func (m *Model) PredictGradient(X *frame.Frame, horizon frame.Horizon) (*mat.Dense, error) {
	eff, ctl, err := m.columnIndex(X)
	if err != nil {
		return nil, err
	}

	r, c := X.Dims()
	g := mat.NewDense(r, c, nil)
	for _, s := range X.Series() {
		v, err := m.view(X, s, horizon)
		if err != nil {
			return nil, err
		}
		for i, e := range m.effects {
			a := e.transform(column(X, v.rows, eff[i]))
			d := make([]float64, len(v.rows))
			for _, p := range v.pos {
				d[p] += e.Coefficient * e.Saturation.Derivative(a[p])
			}
			if e.Adstock != nil {
				d = e.Adstock.Backward(d)
			}
			for p, row := range v.rows {
				g.Set(row, eff[i], g.At(row, eff[i])+d[p])
			}
		}
		for i, ctrl := range m.controls {
			for _, p := range v.pos {
				row := v.rows[p]
				g.Set(row, ctl[i], g.At(row, ctl[i])+ctrl.Coefficient)
			}
		}
	}
	return g, nil
}

// Contributions returns each effect's summed contribution over horizon and
// every series, keyed by column
func (m *Model) Contributions(X *frame.Frame, horizon frame.Horizon) (map[string]float64, error) {
	eff, _, err := m.columnIndex(X)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(m.effects))
	for _, s := range X.Series() {
		v, err := m.view(X, s, horizon)
		if err != nil {
			return nil, err
		}
		for i, e := range m.effects {
			a := e.transform(column(X, v.rows, eff[i]))
			for _, p := range v.pos {
				out[e.Column] += e.Coefficient * e.Saturation.Value(a[p])
			}
		}
	}
	return out, nil
}
