package frame

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"
)

// CSVOptions holds options for CSV reading and writing.
type CSVOptions struct {
	SeriesColumn string // Column name for series ids (optional on read)
	PeriodColumn string // Column name for periods (default: "period")
	DateFormat   string // Period layout (default: "2006-01-02")
	Delimiter    rune   // Field delimiter (default: ',')
}

// DefaultCSVOptions returns default options for CSV I/O.
func DefaultCSVOptions() *CSVOptions {
	return &CSVOptions{
		SeriesColumn: "series",
		PeriodColumn: "period",
		DateFormat:   DateLayout,
		Delimiter:    ',',
	}
}

// LoadCSV reads a frame from a CSV file.
func LoadCSV(filename string, opts *CSVOptions) (*Frame, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return ReadCSV(file, opts)
}

// ReadCSV reads a frame from r. The header must contain the period column;
// the series column is optional. Every other column is a numeric variable.
func ReadCSV(r io.Reader, opts *CSVOptions) (*Frame, error) {
	if opts == nil {
		opts = DefaultCSVOptions()
	}

	reader := csv.NewReader(r)
	reader.Comma = opts.Delimiter
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("frame: reading header: %w", err)
	}

	periodIdx, seriesIdx := -1, -1
	var columns []string
	var valueIdx []int
	for i, h := range header {
		h = strings.TrimSpace(h)
		switch {
		case h == opts.PeriodColumn:
			periodIdx = i
		case opts.SeriesColumn != "" && h == opts.SeriesColumn:
			seriesIdx = i
		default:
			columns = append(columns, h)
			valueIdx = append(valueIdx, i)
		}
	}
	if periodIdx < 0 {
		return nil, fmt.Errorf("frame: header has no %q column", opts.PeriodColumn)
	}
	if len(columns) == 0 {
		return nil, errors.New("frame: header has no value columns")
	}

	var index []RowKey
	var values []float64
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, err
		}

		ts, err := time.Parse(opts.DateFormat, strings.TrimSpace(record[periodIdx]))
		if err != nil {
			return nil, fmt.Errorf("frame: line %d: %w", line, err)
		}
		key := RowKey{Period: ts}
		if seriesIdx >= 0 {
			key.Series = strings.TrimSpace(record[seriesIdx])
		}
		index = append(index, key)

		for k, i := range valueIdx {
			s := strings.TrimSpace(record[i])
			if s == "" {
				values = append(values, 0)
				continue
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("frame: line %d column %q: %w", line, columns[k], err)
			}
			values = append(values, v)
		}
	}

	if len(index) == 0 {
		return nil, errors.New("frame: no data rows found in CSV")
	}
	return New(index, columns, mat.NewDense(len(index), len(columns), values))
}

// WriteCSV writes f to w. The series column is written only for panel frames.
func WriteCSV(w io.Writer, f *Frame, opts *CSVOptions) error {
	if opts == nil {
		opts = DefaultCSVOptions()
	}

	writer := csv.NewWriter(w)
	writer.Comma = opts.Delimiter

	panel := f.IsPanel() && opts.SeriesColumn != ""
	header := make([]string, 0, len(f.columns)+2)
	if panel {
		header = append(header, opts.SeriesColumn)
	}
	header = append(header, opts.PeriodColumn)
	header = append(header, f.columns...)
	if err := writer.Write(header); err != nil {
		return err
	}

	record := make([]string, len(header))
	for i, k := range f.index {
		record = record[:0]
		if panel {
			record = append(record, k.Series)
		}
		record = append(record, k.Period.Format(opts.DateFormat))
		for j := range f.columns {
			record = append(record, strconv.FormatFloat(f.data.At(i, j), 'g', -1, 64))
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
