package frame

import (
	"fmt"
	"sort"
	"time"
)

// DateLayout is the default layout of periods in text form
const DateLayout = time.DateOnly

// Horizon is an ordered set of periods over which spend is optimized
type Horizon []time.Time

// Validate checks that the horizon is non-empty and free of duplicates
func (h Horizon) Validate() error {
	if len(h) == 0 {
		return fmt.Errorf("horizon: %w: no periods", ErrEmptySelection)
	}
	seen := make(map[int64]bool, len(h))
	for _, t := range h {
		if seen[t.UnixNano()] {
			return fmt.Errorf("horizon: %w: period %s", ErrDuplicate, t.Format(DateLayout))
		}
		seen[t.UnixNano()] = true
	}
	return nil
}

// Sorted returns a chronologically sorted copy
func (h Horizon) Sorted() Horizon {
	s := append(Horizon(nil), h...)
	sort.Slice(s, func(i, j int) bool { return s[i].Before(s[j]) })
	return s
}

// Strings formats the periods with DateLayout
func (h Horizon) Strings() []string {
	out := make([]string, len(h))
	for i, t := range h {
		out[i] = t.Format(DateLayout)
	}
	return out
}

// HorizonRange returns the periods start, start+step, ... up to and
// including end. A zero step means one day.
func HorizonRange(start, end time.Time, step time.Duration) (Horizon, error) {
	if step == 0 {
		step = 24 * time.Hour
	}
	if step < 0 {
		return nil, fmt.Errorf("horizon: step must be positive, got %s", step)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("horizon: end %s is before start %s",
			end.Format(DateLayout), start.Format(DateLayout))
	}
	var h Horizon
	for t := start; !t.After(end); t = t.Add(step) {
		h = append(h, t)
	}
	return h, nil
}

// HorizonPeriods returns n consecutive periods starting at start
func HorizonPeriods(start time.Time, n int, step time.Duration) Horizon {
	if step == 0 {
		step = 24 * time.Hour
	}
	h := make(Horizon, n)
	for i := range h {
		h[i] = start.Add(time.Duration(i) * step)
	}
	return h
}

// ParseHorizon parses periods with layout, or DateLayout if layout is empty
func ParseHorizon(values []string, layout string) (Horizon, error) {
	if layout == "" {
		layout = DateLayout
	}
	h := make(Horizon, len(values))
	for i, v := range values {
		t, err := time.Parse(layout, v)
		if err != nil {
			return nil, fmt.Errorf("horizon: period %d: %w", i, err)
		}
		h[i] = t
	}
	return h, nil
}
