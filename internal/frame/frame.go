// Package frame holds the spend matrix the optimizer works on: a dense table
// of float64 values whose rows are keyed by (series, period) and whose columns
// are named exogenous variables.
package frame

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrUnknownColumn is returned when a column name is not in the frame
	ErrUnknownColumn = errors.New("unknown column")
	// ErrUnknownSeries is returned when a series id is not in the frame
	ErrUnknownSeries = errors.New("unknown series")
	// ErrMissingPeriod is returned when a period has no row for some series
	ErrMissingPeriod = errors.New("period not in frame")
	// ErrEmptySelection is returned when a selection has no cells
	ErrEmptySelection = errors.New("empty selection")
	// ErrDuplicate is returned for repeated row keys or column names
	ErrDuplicate = errors.New("duplicate entry")
	// ErrShape is returned when data does not match index and columns
	ErrShape = errors.New("shape mismatch")
)

// RowKey identifies one row. Series is empty for single-series frames.
type RowKey struct {
	Series string
	Period time.Time
}

func (k RowKey) String() string {
	if k.Series == "" {
		return k.Period.Format(time.DateOnly)
	}
	return k.Series + "@" + k.Period.Format(time.DateOnly)
}

// rowID is the comparable form of a RowKey; time.Time values that are equal
// instants may compare unequal with ==.
type rowID struct {
	series string
	period int64
}

func idOf(k RowKey) rowID {
	return rowID{series: k.Series, period: k.Period.UnixNano()}
}

// Frame is a spend matrix. Frames are not modified by the optimizer; use
// Clone before writing through Set or a Selection.
type Frame struct {
	index   []RowKey
	columns []string
	data    *mat.Dense

	rows   map[rowID]int
	cols   map[string]int
	series []string
}

// New creates a frame over data, which must have len(index) rows and
// len(columns) columns. data is used directly, not copied.
func New(index []RowKey, columns []string, data *mat.Dense) (*Frame, error) {
	if len(index) == 0 || len(columns) == 0 {
		return nil, fmt.Errorf("frame: %w: need at least one row and one column", ErrShape)
	}
	if data == nil {
		data = mat.NewDense(len(index), len(columns), nil)
	}
	if r, c := data.Dims(); r != len(index) || c != len(columns) {
		return nil, fmt.Errorf("frame: %w: data is %dx%d, index has %d rows and %d columns",
			ErrShape, r, c, len(index), len(columns))
	}

	f := &Frame{
		index:   append([]RowKey(nil), index...),
		columns: append([]string(nil), columns...),
		data:    data,
		rows:    make(map[rowID]int, len(index)),
		cols:    make(map[string]int, len(columns)),
	}
	seen := make(map[string]bool)
	for i, k := range f.index {
		id := idOf(k)
		if _, ok := f.rows[id]; ok {
			return nil, fmt.Errorf("frame: %w: row %s", ErrDuplicate, k)
		}
		f.rows[id] = i
		if !seen[k.Series] {
			seen[k.Series] = true
			f.series = append(f.series, k.Series)
		}
	}
	for j, c := range f.columns {
		if c == "" {
			return nil, fmt.Errorf("frame: column %d has an empty name", j)
		}
		if _, ok := f.cols[c]; ok {
			return nil, fmt.Errorf("frame: %w: column %q", ErrDuplicate, c)
		}
		f.cols[c] = j
	}
	return f, nil
}

// Dims returns the number of rows and columns
func (f *Frame) Dims() (int, int) {
	return len(f.index), len(f.columns)
}

// Index returns a copy of the row keys
func (f *Frame) Index() []RowKey {
	return append([]RowKey(nil), f.index...)
}

// Columns returns a copy of the column names
func (f *Frame) Columns() []string {
	return append([]string(nil), f.columns...)
}

// Key returns the key of row i
func (f *Frame) Key(i int) RowKey {
	return f.index[i]
}

// At returns the value at row i, column j
func (f *Frame) At(i, j int) float64 {
	return f.data.At(i, j)
}

// Set stores v at row i, column j
func (f *Frame) Set(i, j int, v float64) {
	f.data.Set(i, j, v)
}

// Matrix returns the underlying data. Callers must not modify it.
func (f *Frame) Matrix() mat.Matrix {
	return f.data
}

// Row returns the position of key, or -1
func (f *Frame) Row(key RowKey) int {
	if i, ok := f.rows[idOf(key)]; ok {
		return i
	}
	return -1
}

// Column returns the position of name, or -1
func (f *Frame) Column(name string) int {
	if j, ok := f.cols[name]; ok {
		return j
	}
	return -1
}

// Value returns the value at (key, column)
func (f *Frame) Value(key RowKey, column string) (float64, error) {
	i := f.Row(key)
	if i < 0 {
		return 0, fmt.Errorf("frame: %w: %s", ErrMissingPeriod, key)
	}
	j := f.Column(column)
	if j < 0 {
		return 0, fmt.Errorf("frame: %w: %q", ErrUnknownColumn, column)
	}
	return f.data.At(i, j), nil
}

// Series returns the distinct series ids in order of first appearance
func (f *Frame) Series() []string {
	return append([]string(nil), f.series...)
}

// HasSeries reports whether the frame has rows for id
func (f *Frame) HasSeries(id string) bool {
	for _, s := range f.series {
		if s == id {
			return true
		}
	}
	return false
}

// IsPanel reports whether rows carry series identifiers
func (f *Frame) IsPanel() bool {
	return len(f.series) > 1 || f.series[0] != ""
}

// Rows returns the row positions of a series ordered by period
func (f *Frame) Rows(series string) []int {
	var rows []int
	for i, k := range f.index {
		if k.Series == series {
			rows = append(rows, i)
		}
	}
	sort.SliceStable(rows, func(a, b int) bool {
		return f.index[rows[a]].Period.Before(f.index[rows[b]].Period)
	})
	return rows
}

// Periods returns the periods of a series in chronological order
func (f *Frame) Periods(series string) Horizon {
	rows := f.Rows(series)
	h := make(Horizon, len(rows))
	for i, r := range rows {
		h[i] = f.index[r].Period
	}
	return h
}

// Clone returns a deep copy of the frame
func (f *Frame) Clone() *Frame {
	c := *f
	c.index = append([]RowKey(nil), f.index...)
	c.columns = append([]string(nil), f.columns...)
	c.series = append([]string(nil), f.series...)
	c.data = mat.DenseCopyOf(f.data)
	return &c
}

// ColumnSum returns the sum of a column over the given rows
func (f *Frame) ColumnSum(column string, rows []int) float64 {
	j := f.Column(column)
	if j < 0 {
		return 0
	}
	sum := 0.0
	for _, i := range rows {
		sum += f.data.At(i, j)
	}
	return sum
}
