package model

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
)

// Row is one timestamped set of field values as returned by a source.
type Row struct {
	Time   time.Time
	Values map[Field]float64
}

// Table is a time-indexed, column-oriented set of readings sorted by timestamp.
// Timestamps are stored in UTC. A missing value is stored as NaN.
//
// Slices returned by Slice share the underlying arrays with the parent table,
// so tables must be treated as read-only once built.
type Table struct {
	times   []time.Time
	columns map[Field][]float64
}

// NewTable builds a table from rows, sorting them by timestamp. When fields is
// empty the columns are the union of all row keys.
func NewTable(rows []Row, fields ...Field) *Table {
	if len(fields) == 0 {
		seen := make(map[Field]bool)
		for _, r := range rows {
			for f := range r.Values {
				if !seen[f] {
					seen[f] = true
					fields = append(fields, f)
				}
			}
		}
		sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })
	}

	sorted := make([]Row, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Time.Before(sorted[j].Time)
	})

	t := &Table{
		times:   make([]time.Time, len(sorted)),
		columns: make(map[Field][]float64, len(fields)),
	}
	for _, f := range fields {
		t.columns[f] = make([]float64, len(sorted))
	}
	for i, r := range sorted {
		t.times[i] = r.Time.UTC()
		for _, f := range fields {
			v, ok := r.Values[f]
			if !ok {
				v = math.NaN()
			}
			t.columns[f][i] = v
		}
	}
	return t
}

// Len returns the number of rows. A nil table has no rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.times)
}

// Empty reports whether the table has no rows.
func (t *Table) Empty() bool {
	return t.Len() == 0
}

// Times returns the row timestamps.
func (t *Table) Times() []time.Time {
	if t == nil {
		return nil
	}
	return t.times
}

// Time returns the timestamp of row i.
func (t *Table) Time(i int) time.Time {
	return t.times[i]
}

// Column returns the values of a field, or nil if the table has no such column.
func (t *Table) Column(f Field) []float64 {
	if t == nil {
		return nil
	}
	return t.columns[f]
}

// HasColumn reports whether the table carries the field.
func (t *Table) HasColumn(f Field) bool {
	if t == nil {
		return false
	}
	_, ok := t.columns[f]
	return ok
}

// Fields returns the column names in sorted order.
func (t *Table) Fields() []Field {
	if t == nil {
		return nil
	}
	fields := make([]Field, 0, len(t.columns))
	for f := range t.columns {
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })
	return fields
}

// Range returns the first and last timestamps.
func (t *Table) Range() (TimeRange, bool) {
	if t.Empty() {
		return TimeRange{}, false
	}
	return TimeRange{Start: t.times[0], End: t.times[len(t.times)-1]}, true
}

// Slice returns the rows with timestamps in [from, to).
func (t *Table) Slice(from, to time.Time) *Table {
	if t.Empty() {
		return &Table{columns: map[Field][]float64{}}
	}

	startIdx := sort.Search(len(t.times), func(i int) bool {
		return !t.times[i].Before(from)
	})
	endIdx := sort.Search(len(t.times), func(i int) bool {
		return !t.times[i].Before(to)
	})
	if startIdx > endIdx {
		startIdx = endIdx
	}

	out := &Table{
		times:   t.times[startIdx:endIdx],
		columns: make(map[Field][]float64, len(t.columns)),
	}
	for f, col := range t.columns {
		out.columns[f] = col[startIdx:endIdx]
	}
	return out
}

// Sum adds up a column, skipping NaN values.
func (t *Table) Sum(f Field) float64 {
	var sum float64
	for _, v := range t.Column(f) {
		if !math.IsNaN(v) {
			sum += v
		}
	}
	return sum
}

// ArgMax returns the index of the first occurrence of the column maximum.
// NaN values are skipped; ok is false when there is no numeric value.
func (t *Table) ArgMax(f Field) (idx int, ok bool) {
	col := t.Column(f)
	if len(col) == 0 {
		return -1, false
	}
	idx = floats.MaxIdx(col)
	if math.IsNaN(col[idx]) {
		return -1, false
	}
	return idx, true
}

// Elapsed returns each row's offset in seconds from origin.
func (t *Table) Elapsed(origin time.Time) []float64 {
	out := make([]float64, t.Len())
	for i, ts := range t.Times() {
		out[i] = ts.Sub(origin).Seconds()
	}
	return out
}
