package model

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var startTime = time.Date(2024, 6, 12, 9, 0, 0, 0, time.UTC)

func makeRows(values []float64, interval time.Duration) []Row {
	rows := make([]Row, len(values))
	for i, v := range values {
		rows[i] = Row{
			Time:   startTime.Add(time.Duration(i) * interval),
			Values: map[Field]float64{FieldCH4: v, FieldCO2: v * 10},
		}
	}
	return rows
}

func TestNewTable_SortsRows(t *testing.T) {
	rows := []Row{
		{Time: startTime.Add(2 * time.Second), Values: map[Field]float64{FieldCH4: 3}},
		{Time: startTime, Values: map[Field]float64{FieldCH4: 1}},
		{Time: startTime.Add(time.Second), Values: map[Field]float64{FieldCH4: 2}},
	}
	tbl := NewTable(rows)

	require.Equal(t, 3, tbl.Len())
	assert.Equal(t, []float64{1, 2, 3}, tbl.Column(FieldCH4))
	assert.Equal(t, startTime, tbl.Time(0))
}

func TestNewTable_MissingValuesAreNaN(t *testing.T) {
	rows := []Row{
		{Time: startTime, Values: map[Field]float64{FieldCH4: 1}},
		{Time: startTime.Add(time.Second), Values: map[Field]float64{FieldCO2: 400}},
	}
	tbl := NewTable(rows)

	assert.Equal(t, []Field{FieldCH4, FieldCO2}, tbl.Fields())
	assert.True(t, math.IsNaN(tbl.Column(FieldCH4)[1]))
	assert.True(t, math.IsNaN(tbl.Column(FieldCO2)[0]))
}

func TestNewTable_NormalizesToUTC(t *testing.T) {
	helsinki, err := time.LoadLocation("Europe/Helsinki")
	require.NoError(t, err)

	tbl := NewTable([]Row{{Time: startTime.In(helsinki), Values: map[Field]float64{FieldCH4: 1}}})
	assert.Equal(t, time.UTC, tbl.Time(0).Location())
	assert.True(t, startTime.Equal(tbl.Time(0)))
}

func TestTable_Slice(t *testing.T) {
	tbl := NewTable(makeRows([]float64{1, 2, 3, 4, 5}, time.Second))

	s := tbl.Slice(startTime.Add(time.Second), startTime.Add(3*time.Second))
	require.Equal(t, 2, s.Len())
	assert.Equal(t, []float64{2, 3}, s.Column(FieldCH4))
	assert.Equal(t, []float64{20, 30}, s.Column(FieldCO2))

	assert.True(t, tbl.Slice(startTime.Add(10*time.Second), startTime.Add(20*time.Second)).Empty())
	assert.True(t, tbl.Slice(startTime.Add(3*time.Second), startTime).Empty())
}

func TestTable_NilIsEmpty(t *testing.T) {
	var tbl *Table
	assert.True(t, tbl.Empty())
	assert.Nil(t, tbl.Column(FieldCH4))
	assert.True(t, tbl.Slice(startTime, startTime.Add(time.Hour)).Empty())
	_, ok := tbl.ArgMax(FieldCH4)
	assert.False(t, ok)
}

func TestTable_ArgMaxFirstOccurrence(t *testing.T) {
	tbl := NewTable(makeRows([]float64{1, 5, 2, 5, 0}, time.Second))

	idx, ok := tbl.ArgMax(FieldCH4)
	require.True(t, ok)
	assert.Equal(t, 1, idx)

	flat := NewTable(makeRows([]float64{7, 7, 7}, time.Second))
	idx, ok = flat.ArgMax(FieldCH4)
	require.True(t, ok)
	assert.Equal(t, 0, idx)
}

func TestTable_ArgMaxSkipsNaN(t *testing.T) {
	tbl := NewTable(makeRows([]float64{math.NaN(), 2, math.NaN()}, time.Second))

	idx, ok := tbl.ArgMax(FieldCH4)
	require.True(t, ok)
	assert.Equal(t, 1, idx)

	_, ok = tbl.ArgMax(FieldDiag)
	assert.False(t, ok)

	allNaN := NewTable(makeRows([]float64{math.NaN(), math.NaN()}, time.Second))
	_, ok = allNaN.ArgMax(FieldCH4)
	assert.False(t, ok)
}

func TestTable_SumAndElapsed(t *testing.T) {
	tbl := NewTable(makeRows([]float64{1, 2, math.NaN()}, 2*time.Second))

	assert.InDelta(t, 3.0, tbl.Sum(FieldCH4), 1e-9)
	assert.Equal(t, []float64{0, 2, 4}, tbl.Elapsed(startTime))
}

func TestParseFields(t *testing.T) {
	assert.Equal(t, []Field{FieldCH4, FieldCO2, FieldDiag}, ParseFields("CH4, CO2,DIAG"))
	assert.Empty(t, ParseFields(""))
}

func TestTagFilter_Match(t *testing.T) {
	tags := map[string]string{"site": "fen"}

	var none *TagFilter
	assert.True(t, none.Match(tags))
	assert.True(t, (&TagFilter{Tag: "site"}).Match(tags))
	assert.True(t, (&TagFilter{Tag: "site", Values: []string{"bog", "fen"}}).Match(tags))
	assert.False(t, (&TagFilter{Tag: "site", Values: []string{"bog"}}).Match(tags))
	assert.False(t, (&TagFilter{Tag: "plot", Values: []string{"fen"}}).Match(tags))
}
