package frame

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Shape is the extent of a series x periods x channels block
type Shape struct {
	Series   int
	Periods  int
	Channels int
}

// Len returns the number of cells in the block
func (s Shape) Len() int {
	return s.Series * s.Periods * s.Channels
}

// Index returns the flat position of (series, period, channel). Blocks are
// flattened series-major, then period, then channel.
func (s Shape) Index(series, period, channel int) int {
	return (series*s.Periods+period)*s.Channels + channel
}

// Selection is a resolved series x horizon x columns block of a frame
type Selection struct {
	shape   Shape
	series  []string
	horizon Horizon
	columns []string

	// rows[s*Periods+t] is the frame row of series s at period t
	rows []int
	cols []int
}

// Select resolves a block of the frame. An empty series list selects every
// series of the frame. Every series must have a row for every period.
func (f *Frame) Select(series []string, horizon Horizon, columns []string) (*Selection, error) {
	if len(series) == 0 {
		series = f.Series()
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("frame: %w: no columns", ErrEmptySelection)
	}
	if err := horizon.Validate(); err != nil {
		return nil, err
	}

	sel := &Selection{
		shape:   Shape{Series: len(series), Periods: len(horizon), Channels: len(columns)},
		series:  append([]string(nil), series...),
		horizon: append(Horizon(nil), horizon...),
		columns: append([]string(nil), columns...),
		rows:    make([]int, 0, len(series)*len(horizon)),
		cols:    make([]int, len(columns)),
	}

	seenCol := make(map[string]bool, len(columns))
	for j, c := range columns {
		if seenCol[c] {
			return nil, fmt.Errorf("frame: %w: column %q", ErrDuplicate, c)
		}
		seenCol[c] = true
		sel.cols[j] = f.Column(c)
		if sel.cols[j] < 0 {
			return nil, fmt.Errorf("frame: %w: %q", ErrUnknownColumn, c)
		}
	}

	seenSeries := make(map[string]bool, len(series))
	for _, s := range series {
		if seenSeries[s] {
			return nil, fmt.Errorf("frame: %w: series %q", ErrDuplicate, s)
		}
		seenSeries[s] = true
		if !f.HasSeries(s) {
			return nil, fmt.Errorf("frame: %w: %q", ErrUnknownSeries, s)
		}
		for _, t := range horizon {
			i := f.Row(RowKey{Series: s, Period: t})
			if i < 0 {
				return nil, fmt.Errorf("frame: %w: %s", ErrMissingPeriod, RowKey{Series: s, Period: t})
			}
			sel.rows = append(sel.rows, i)
		}
	}
	return sel, nil
}

// Shape returns the block extent
func (s *Selection) Shape() Shape {
	return s.shape
}

// Series returns the selected series ids
func (s *Selection) Series() []string {
	return append([]string(nil), s.series...)
}

// Horizon returns the selected periods
func (s *Selection) Horizon() Horizon {
	return append(Horizon(nil), s.horizon...)
}

// Columns returns the selected column names
func (s *Selection) Columns() []string {
	return append([]string(nil), s.columns...)
}

// Cell returns the frame position of flat index k
func (s *Selection) Cell(k int) (row, col int) {
	c := s.shape.Channels
	return s.rows[k/c], s.cols[k%c]
}

// Gather copies the block out of m into a flat vector
func (s *Selection) Gather(m mat.Matrix) []float64 {
	out := make([]float64, s.shape.Len())
	for k := range out {
		i, j := s.Cell(k)
		out[k] = m.At(i, j)
	}
	return out
}

// GatherFrame copies the block out of f into a flat vector
func (s *Selection) GatherFrame(f *Frame) []float64 {
	return s.Gather(f.data)
}

// Scatter writes a flat vector into the block of dst
func (s *Selection) Scatter(dst *Frame, values []float64) {
	for k, v := range values {
		i, j := s.Cell(k)
		dst.data.Set(i, j, v)
	}
}
