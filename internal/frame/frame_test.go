package frame

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// panelFrame builds series a and b over 4 days with columns search, social, price
func panelFrame(t *testing.T) *Frame {
	t.Helper()
	var index []RowKey
	var data []float64
	for _, s := range []string{"a", "b"} {
		for d := 0; d < 4; d++ {
			index = append(index, RowKey{Series: s, Period: day0.AddDate(0, 0, d)})
			base := float64(d + 1)
			if s == "b" {
				base *= 10
			}
			data = append(data, base, 2*base, 9.99)
		}
	}
	f, err := New(index, []string{"search", "social", "price"}, mat.NewDense(len(index), 3, data))
	require.NoError(t, err)
	return f
}

func TestNew(t *testing.T) {
	idx := []RowKey{{Period: day0}, {Period: day0.AddDate(0, 0, 1)}}

	tests := []struct {
		name    string
		index   []RowKey
		columns []string
		data    *mat.Dense
		wantErr error
	}{
		{name: "valid", index: idx, columns: []string{"x"}, data: mat.NewDense(2, 1, nil)},
		{name: "nil data allocates", index: idx, columns: []string{"x", "y"}},
		{name: "shape mismatch", index: idx, columns: []string{"x"}, data: mat.NewDense(3, 1, nil), wantErr: ErrShape},
		{name: "duplicate row", index: []RowKey{{Period: day0}, {Period: day0}}, columns: []string{"x"}, wantErr: ErrDuplicate},
		{name: "duplicate column", index: idx, columns: []string{"x", "x"}, wantErr: ErrDuplicate},
		{name: "empty", columns: []string{"x"}, wantErr: ErrShape},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(tt.index, tt.columns, tt.data)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			r, c := f.Dims()
			assert.Equal(t, len(tt.index), r)
			assert.Equal(t, len(tt.columns), c)
		})
	}
}

func TestFrameAccessors(t *testing.T) {
	f := panelFrame(t)

	assert.Equal(t, []string{"a", "b"}, f.Series())
	assert.True(t, f.IsPanel())
	assert.Equal(t, 2, f.Column("price"))
	assert.Equal(t, -1, f.Column("tv"))

	v, err := f.Value(RowKey{Series: "b", Period: day0.AddDate(0, 0, 2)}, "social")
	require.NoError(t, err)
	assert.Equal(t, 60.0, v)

	_, err = f.Value(RowKey{Series: "c", Period: day0}, "social")
	assert.ErrorIs(t, err, ErrMissingPeriod)

	// Equal instants in another location resolve to the same row
	local := day0.In(time.FixedZone("X", 3600))
	assert.Equal(t, 0, f.Row(RowKey{Series: "a", Period: local}))

	assert.Len(t, f.Periods("a"), 4)
	assert.InDelta(t, 10.0, f.ColumnSum("search", f.Rows("a")), 1e-12)
}

func TestClone(t *testing.T) {
	f := panelFrame(t)
	c := f.Clone()
	c.Set(0, 0, 1234)

	assert.Equal(t, 1.0, f.At(0, 0))
	assert.Equal(t, 1234.0, c.At(0, 0))
}

func TestSelect(t *testing.T) {
	f := panelFrame(t)
	horizon := HorizonPeriods(day0.AddDate(0, 0, 1), 2, 0)

	sel, err := f.Select(nil, horizon, []string{"social", "search"})
	require.NoError(t, err)
	assert.Equal(t, Shape{Series: 2, Periods: 2, Channels: 2}, sel.Shape())

	got := sel.GatherFrame(f)
	// a@d1: social 4, search 2; a@d2: 6, 3; b@d1: 40, 20; b@d2: 60, 30
	assert.Equal(t, []float64{4, 2, 6, 3, 40, 20, 60, 30}, got)
	assert.Equal(t, 6.0, got[sel.Shape().Index(0, 1, 0)])

	c := f.Clone()
	sel.Scatter(c, []float64{0, 0, 0, 0, 0, 0, 0, 0})
	assert.Equal(t, 0.0, c.At(1, 0))
	assert.Equal(t, 1.0, c.At(0, 0), "rows outside the horizon are untouched")
	assert.Equal(t, 9.99, c.At(1, 2), "columns outside the selection are untouched")
	row, col := sel.Cell(sel.Shape().Index(0, 1, 1))
	assert.Equal(t, f.Row(RowKey{Series: "a", Period: day0.AddDate(0, 0, 2)}), row)
	assert.Equal(t, f.Column("search"), col)
}

func TestSelectErrors(t *testing.T) {
	f := panelFrame(t)
	horizon := HorizonPeriods(day0, 2, 0)

	tests := []struct {
		name    string
		series  []string
		horizon Horizon
		columns []string
		wantErr error
	}{
		{name: "unknown column", horizon: horizon, columns: []string{"tv"}, wantErr: ErrUnknownColumn},
		{name: "no columns", horizon: horizon, wantErr: ErrEmptySelection},
		{name: "empty horizon", columns: []string{"search"}, wantErr: ErrEmptySelection},
		{name: "unknown series", series: []string{"z"}, horizon: horizon, columns: []string{"search"}, wantErr: ErrUnknownSeries},
		{name: "missing period", horizon: HorizonPeriods(day0, 10, 0), columns: []string{"search"}, wantErr: ErrMissingPeriod},
		{name: "duplicate column", horizon: horizon, columns: []string{"search", "search"}, wantErr: ErrDuplicate},
		{name: "duplicate period", horizon: Horizon{day0, day0}, columns: []string{"search"}, wantErr: ErrDuplicate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Select(tt.series, tt.horizon, tt.columns)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestHorizon(t *testing.T) {
	h, err := HorizonRange(day0, day0.AddDate(0, 0, 30), 0)
	require.NoError(t, err)
	assert.Len(t, h, 31)
	assert.Equal(t, day0.AddDate(0, 0, 15), h[15])

	_, err = HorizonRange(day0, day0.AddDate(0, 0, -1), 0)
	assert.Error(t, err)

	parsed, err := ParseHorizon([]string{"2024-01-02", "2024-01-01"}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-01", "2024-01-02"}, parsed.Sorted().Strings())

	_, err = ParseHorizon([]string{"January"}, "")
	assert.Error(t, err)
}

func TestCSVRoundTrip(t *testing.T) {
	f := panelFrame(t)

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, f, nil))
	assert.True(t, strings.HasPrefix(buf.String(), "series,period,search,social,price\n"))

	back, err := ReadCSV(&buf, nil)
	require.NoError(t, err)
	assert.Equal(t, f.Index(), back.Index())
	assert.Equal(t, f.Columns(), back.Columns())
	assert.True(t, mat.Equal(f.Matrix(), back.Matrix()))
}

func TestReadCSVSingleSeries(t *testing.T) {
	in := "period,search,social\n2024-01-01,1,2\n2024-01-02,3,\n"
	f, err := ReadCSV(strings.NewReader(in), nil)
	require.NoError(t, err)

	assert.False(t, f.IsPanel())
	assert.Equal(t, []string{"search", "social"}, f.Columns())
	assert.Equal(t, 0.0, f.At(1, 1), "empty cells read as zero")

	_, err = ReadCSV(strings.NewReader("date,x\n2024-01-01,1\n"), nil)
	assert.Error(t, err)

	_, err = ReadCSV(strings.NewReader("period,x\n2024-01-01,abc\n"), nil)
	assert.Error(t, err)
}
