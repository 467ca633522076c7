// Package influx adapts an InfluxDB v2 bucket to the cycle data source and
// the lag sink.
package influx

import (
	"fmt"
	"strings"
	"time"

	"chamber_monitor/internal/model"
)

// fluxTime formats t for a Flux range() bound.
func fluxTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// fluxString quotes s as a Flux string literal.
func fluxString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

func fromBucket(bucket string) string {
	return "from(bucket: " + fluxString(bucket) + ")\n"
}

func rangeClause(start, stop string) string {
	return fmt.Sprintf("\t|> range(start: %s, stop: %s)\n", start, stop)
}

func measurementFilter(measurement string) string {
	return "\t|> filter(fn: (r) => r[\"_measurement\"] == " + fluxString(measurement) + ")\n"
}

// anyOf renders `r["col"] == "a" or r["col"] == "b"`.
func anyOf(column string, values []string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = "r[" + fluxString(column) + "] == " + fluxString(v)
	}
	return strings.Join(parts, " or ")
}

func fieldFilter(fields []model.Field) string {
	if len(fields) == 0 {
		return ""
	}
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = string(f)
	}
	return "\t|> filter(fn: (r) => " + anyOf("_field", names) + ")\n"
}

func tagFilter(tf *model.TagFilter) string {
	if tf == nil || len(tf.Values) == 0 {
		return ""
	}
	return "\t|> filter(fn: (r) => " + anyOf(tf.Tag, tf.Values) + ")\n"
}

// BuildQuery renders q as a Flux query returning one row per timestamp with
// a column per field. The range covers [q.Start, q.End].
func BuildQuery(bucket string, q model.Query) string {
	var b strings.Builder
	b.WriteString(fromBucket(bucket))
	b.WriteString(rangeClause(fluxTime(q.Start), fluxTime(q.End.Add(time.Nanosecond))))
	b.WriteString(measurementFilter(q.Measurement))
	b.WriteString(fieldFilter(q.Fields))
	b.WriteString(tagFilter(q.Tag))
	b.WriteString("\t|> pivot(rowKey: [\"_time\"], columnKey: [\"_field\"], valueColumn: \"_value\")")
	return b.String()
}

// boundQuery returns the first or last point time of a measurement over all
// stored data. fn is "first" or "last".
func boundQuery(bucket, measurement string, fields []model.Field, fn string) string {
	var b strings.Builder
	b.WriteString(fromBucket(bucket))
	b.WriteString(rangeClause("0", "now()"))
	b.WriteString(measurementFilter(measurement))
	b.WriteString(fieldFilter(fields))
	b.WriteString("\t|> group()\n")
	b.WriteString("\t|> sort(columns: [\"_time\"])\n")
	fmt.Fprintf(&b, "\t|> %s(column: \"_time\")\n", fn)
	fmt.Fprintf(&b, "\t|> yield(name: %q)", fn)
	return b.String()
}
