package influx

import (
	"context"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chamber_monitor/internal/model"
)

var t0 = time.Date(2024, 6, 12, 6, 0, 0, 0, time.UTC)

func TestBuildQuery(t *testing.T) {
	q := model.Query{
		Measurement: "AC LICOR",
		Fields:      []model.Field{model.FieldCH4, model.FieldCO2, model.FieldDiag},
		Start:       t0,
		End:         t0.Add(15 * time.Minute),
		Tag:         &model.TagFilter{Tag: "site", Values: []string{"fen", "bog"}},
	}

	got := BuildQuery("ac", q)
	want := `from(bucket: "ac")
	|> range(start: 2024-06-12T06:00:00Z, stop: 2024-06-12T06:15:00.000000001Z)
	|> filter(fn: (r) => r["_measurement"] == "AC LICOR")
	|> filter(fn: (r) => r["_field"] == "CH4" or r["_field"] == "CO2" or r["_field"] == "DIAG")
	|> filter(fn: (r) => r["site"] == "fen" or r["site"] == "bog")
	|> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")`
	assert.Equal(t, want, got)
}

func TestBuildQuery_NoTagFilter(t *testing.T) {
	got := BuildQuery("ac", model.Query{Measurement: `a"b`, Fields: []model.Field{model.FieldCH4}, Start: t0, End: t0})
	assert.NotContains(t, got, `r["site"]`)
	assert.Contains(t, got, `r["_measurement"] == "a\"b"`)
}

func TestBoundQuery(t *testing.T) {
	got := boundQuery("ac", "AC LICOR", []model.Field{model.FieldCH4}, "last")
	assert.Contains(t, got, "range(start: 0, stop: now())")
	assert.Contains(t, got, `last(column: "_time")`)
	assert.True(t, strings.HasSuffix(got, `yield(name: "last")`))
}

func TestConfigValidate(t *testing.T) {
	_, err := NewSource(Config{Org: "o", Bucket: "b"})
	assert.Error(t, err)
	_, err = NewSink(Config{URL: "http://x", Bucket: "b"})
	assert.Error(t, err)
	_, err = NewSink(Config{URL: "http://x", Org: "o"})
	assert.Error(t, err)
}

const pivotCSV = "#datatype,string,long,dateTime:RFC3339,double,double,long\r\n" +
	"#group,false,false,false,false,false,false\r\n" +
	"#default,_result,,,,,\r\n" +
	",result,table,_time,CH4,CO2,DIAG\r\n" +
	",,0,2024-06-12T06:00:01Z,2001.5,401,0\r\n" +
	",,0,2024-06-12T06:00:00Z,2000,400,2\r\n" +
	"\r\n"

type fakeInflux struct {
	mu      sync.Mutex
	queries []string
	writes  []string
	csv     func(query string) string
	status  int
}

func (f *fakeInflux) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/query", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		f.mu.Lock()
		f.queries = append(f.queries, string(body))
		f.mu.Unlock()
		assert.Equal(t, "my-org", r.URL.Query().Get("org"))
		if f.status != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(f.status)
			_, _ = w.Write([]byte(`{"code":"internal error","message":"boom"}`))
			return
		}
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		_, _ = w.Write([]byte(f.csv(string(body))))
	})
	mux.HandleFunc("/api/v2/write", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, "lags-bucket", r.URL.Query().Get("bucket"))
		f.mu.Lock()
		f.writes = append(f.writes, string(body))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func newFake(t *testing.T, f *fakeInflux) string {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestSource_Query(t *testing.T) {
	fake := &fakeInflux{csv: func(string) string { return pivotCSV }}
	src, err := NewSource(Config{URL: newFake(t, fake), Token: "tok", Org: "my-org", Bucket: "ac", Timeout: 5 * time.Second})
	require.NoError(t, err)
	defer src.Close()

	q := model.Query{
		Measurement: "AC LICOR",
		Fields:      []model.Field{model.FieldCH4, model.FieldCO2, model.FieldDiag, "N2O"},
		Start:       t0,
		End:         t0.Add(time.Minute),
	}
	tbl, err := src.Query(context.Background(), q)
	require.NoError(t, err)

	require.Equal(t, 2, tbl.Len())
	assert.Equal(t, t0, tbl.Time(0))
	assert.Equal(t, []float64{2000, 2001.5}, tbl.Column(model.FieldCH4))
	assert.Equal(t, []float64{2, 0}, tbl.Column(model.FieldDiag))
	assert.True(t, math.IsNaN(tbl.Column("N2O")[0]))

	require.Len(t, fake.queries, 1)
	assert.Contains(t, fake.queries[0], `from(bucket: \"ac\")`)
}

func TestSource_QueryServerError(t *testing.T) {
	fake := &fakeInflux{status: http.StatusInternalServerError}
	src, err := NewSource(Config{URL: newFake(t, fake), Org: "my-org", Bucket: "ac"})
	require.NoError(t, err)
	defer src.Close()

	tbl, err := src.Query(context.Background(), model.Query{Measurement: "AC LICOR", Fields: []model.Field{model.FieldCH4}, Start: t0, End: t0})
	assert.Error(t, err)
	assert.Nil(t, tbl)
}

func TestSource_Bounds(t *testing.T) {
	fake := &fakeInflux{csv: func(q string) string {
		ts := "2024-01-05T10:00:00Z"
		if strings.Contains(q, "last(") {
			ts = "2024-06-12T06:15:00Z"
		}
		return "#datatype,string,long,dateTime:RFC3339,double,string\r\n" +
			"#group,false,false,false,false,true\r\n" +
			"#default,_result,,,,\r\n" +
			",result,table,_time,_value,_field\r\n" +
			",,0," + ts + ",2000,CH4\r\n" +
			"\r\n"
	}}
	src, err := NewSource(Config{URL: newFake(t, fake), Org: "my-org", Bucket: "ac"})
	require.NoError(t, err)
	defer src.Close()

	tr, ok, err := src.Bounds(context.Background(), "AC LICOR", []model.Field{model.FieldCH4})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC), tr.Start)
	assert.Equal(t, time.Date(2024, 6, 12, 6, 15, 0, 0, time.UTC), tr.End)
	assert.Len(t, fake.queries, 2)
}

func TestSource_BoundsEmpty(t *testing.T) {
	fake := &fakeInflux{csv: func(string) string { return "" }}
	src, err := NewSource(Config{URL: newFake(t, fake), Org: "my-org", Bucket: "ac"})
	require.NoError(t, err)
	defer src.Close()

	_, ok, err := src.Bounds(context.Background(), "AC LICOR", []model.Field{model.FieldCH4})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, fake.queries, 1)
}

func TestSink_Write(t *testing.T) {
	fake := &fakeInflux{}
	sink, err := NewSink(Config{URL: newFake(t, fake), Token: "tok", Org: "my-org", Bucket: "lags-bucket"})
	require.NoError(t, err)

	sess, err := sink.Open(context.Background())
	require.NoError(t, err)
	rec := model.Record{
		Time:   t0.Add(270 * time.Second),
		Tags:   map[string]string{"chamber_id": "5"},
		Fields: map[string]float64{"lagtime_seconds": 30},
	}
	require.NoError(t, sess.Write(context.Background(), "lags", []model.Record{rec}))
	require.NoError(t, sess.Close())

	require.Len(t, fake.writes, 1)
	line := strings.TrimSpace(fake.writes[0])
	assert.Equal(t, "lags,chamber_id=5 lagtime_seconds=30 1718172270000000000", line)
}

func TestSink_OpenCancelled(t *testing.T) {
	sink, err := NewSink(Config{URL: "http://127.0.0.1:1", Org: "my-org", Bucket: "lags-bucket"})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = sink.Open(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
