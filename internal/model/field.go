package model

import (
	"strings"
	"time"
)

// Field is a column name in the gas analyzer measurement.
type Field string

const (
	FieldCH4  Field = "CH4"
	FieldCO2  Field = "CO2"
	FieldDiag Field = "DIAG"
)

// Gases are the concentration fields scored for every cycle, in display order.
var Gases = []Field{FieldCH4, FieldCO2}

// FieldInfo holds display name and unit for a field.
type FieldInfo struct {
	Name string
	Unit string
}

// FieldCatalog maps every known Field to its display name and unit.
var FieldCatalog = map[Field]FieldInfo{
	FieldCH4:  {Name: "Methane", Unit: "ppb"},
	FieldCO2:  {Name: "Carbon Dioxide", Unit: "ppm"},
	FieldDiag: {Name: "Analyzer Diagnostics", Unit: ""},
}

// ParseFields splits a comma separated field list ("CH4,CO2,DIAG").
func ParseFields(s string) []Field {
	var fields []Field
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			fields = append(fields, Field(name))
		}
	}
	return fields
}

// TagFilter restricts a query to rows whose tag takes one of the allowed values.
type TagFilter struct {
	Tag    string
	Values []string
}

// Match reports whether tags pass the filter. A nil filter or one with no
// allowed values matches everything.
func (f *TagFilter) Match(tags map[string]string) bool {
	if f == nil || len(f.Values) == 0 {
		return true
	}
	v, ok := tags[f.Tag]
	if !ok {
		return false
	}
	for _, allowed := range f.Values {
		if v == allowed {
			return true
		}
	}
	return false
}

// Query asks a time-series source for fields of one measurement over [Start, End].
type Query struct {
	Measurement string
	Fields      []Field
	Start       time.Time
	End         time.Time
	Tag         *TagFilter
}

// Record is one row written to a time-series sink.
type Record struct {
	Time   time.Time
	Tags   map[string]string
	Fields map[string]float64
}

type TimeRange struct {
	Start time.Time
	End   time.Time
}
