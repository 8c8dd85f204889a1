package budget

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/budgetopt/internal/frame"
)

var start = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

// logModel is a differentiable response model: for every row,
// kpi = base + sum_c beta[series][c] * log1p(x_c / halfLife)
type logModel struct {
	columns  []string
	beta     map[string][]float64
	base     float64
	halfLife float64
	fitted   bool
	series   []string
}

func newLogModel(columns []string, beta map[string][]float64) *logModel {
	return &logModel{columns: columns, beta: beta, base: 10, halfLife: 100, fitted: true}
}

func (m *logModel) IsFitted() bool { return m.fitted }

func (m *logModel) Series() []string {
	if m.series != nil {
		return m.series
	}
	var out []string
	for s := range m.beta {
		out = append(out, s)
	}
	return out
}

func (m *logModel) Predict(X *frame.Frame, horizon frame.Horizon) ([]float64, error) {
	var out []float64
	for _, s := range X.Series() {
		for _, t := range horizon {
			i := X.Row(frame.RowKey{Series: s, Period: t})
			v := m.base
			for c, col := range m.columns {
				v += m.beta[s][c] * math.Log1p(X.At(i, X.Column(col))/m.halfLife)
			}
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *logModel) PredictGradient(X *frame.Frame, horizon frame.Horizon) (*mat.Dense, error) {
	r, c := X.Dims()
	g := mat.NewDense(r, c, nil)
	for _, s := range X.Series() {
		for _, t := range horizon {
			i := X.Row(frame.RowKey{Series: s, Period: t})
			for k, col := range m.columns {
				j := X.Column(col)
				g.Set(i, j, m.beta[s][k]/(m.halfLife+X.At(i, j)))
			}
		}
	}
	return g, nil
}

// blackBox hides the gradient of a model
func blackBox(m Model) Model {
	return ModelFunc(m.Predict)
}

// spendFrame builds a frame with columns search, social and price over
// days periods for each series; daily spend is spread evenly so that each
// series spends totals[s] split by mix[s] between search and social.
func spendFrame(t *testing.T, days int, series []string, totals []float64, mix [][2]float64) *frame.Frame {
	t.Helper()
	var index []frame.RowKey
	var data []float64
	for s, id := range series {
		daily := totals[s] / float64(days)
		for d := 0; d < days; d++ {
			index = append(index, frame.RowKey{Series: id, Period: start.AddDate(0, 0, d)})
			// A mild weekly pattern keeps periods distinguishable
			w := 1 + 0.2*math.Sin(float64(d))
			data = append(data, daily*mix[s][0]*w, daily*mix[s][1]*w, 4.5)
		}
		// Rescale the pattern so the series total is exact
		sum := 0.0
		for d := 0; d < days; d++ {
			row := (s*days + d) * 3
			sum += data[row] + data[row+1]
		}
		for d := 0; d < days; d++ {
			row := (s*days + d) * 3
			data[row] *= totals[s] / sum
			data[row+1] *= totals[s] / sum
		}
	}
	f, err := frame.New(index, []string{"search", "social", "price"}, mat.NewDense(len(index), 3, data))
	require.NoError(t, err)
	return f
}

func horizonOf(days int) frame.Horizon {
	return frame.HorizonPeriods(start, days, 0)
}

func blockSum(values []float64) float64 {
	s := 0.0
	for _, v := range values {
		s += v
	}
	return s
}
