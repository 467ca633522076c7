package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chamber_monitor/internal/config"
	"chamber_monitor/internal/review"
	"chamber_monitor/internal/schedule"
	"chamber_monitor/internal/session"
	"chamber_monitor/internal/store"
	"chamber_monitor/internal/ws"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	tod := func(s string) schedule.TimeOfDay {
		v, err := schedule.ParseTimeOfDay(s)
		require.NoError(t, err)
		return v
	}
	cfg := config.Defaults()
	cfg.Days = 1
	cfg.Cycles = []schedule.Template{
		{Chamber: "1", Start: tod("09:00"), Close: tod("09:04"), Open: tod("09:09"), End: tod("09:15")},
		{Chamber: "2", Start: tod("10:00"), Close: tod("10:04"), Open: tod("10:09"), End: tod("10:15")},
	}
	require.NoError(t, cfg.Validate())
	return &cfg
}

func TestNewRouter_Health(t *testing.T) {
	router := newRouter(http.NotFoundHandler())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestNewRouter_Metrics(t *testing.T) {
	router := newRouter(http.NotFoundHandler())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chamber_cycles_scheduled")
}

func TestNewRouter_WS(t *testing.T) {
	called := false
	router := newRouter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.True(t, called)
}

func TestOpenBackends_InMemory(t *testing.T) {
	cfg := testConfig(t)

	src, sink, closeFn, err := openBackends(context.Background(), cfg)
	require.NoError(t, err)
	defer closeFn()

	assert.IsType(t, &store.Store{}, src)
	assert.Same(t, src, sink)
}

func TestOpenBackends_BadInfluxConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Influx.URL = "http://localhost:8086"

	_, _, _, err := openBackends(context.Background(), cfg)
	assert.Error(t, err, "org and bucket are missing")
}

func TestOpenSessions_Memory(t *testing.T) {
	cfg := testConfig(t)

	s, closeFn := openSessions(context.Background(), cfg)
	defer closeFn()
	assert.IsType(t, &session.MemoryStore{}, s)
}

func TestOpenSessions_UnreachableRedis(t *testing.T) {
	cfg := testConfig(t)
	cfg.Redis.Addr = "127.0.0.1:1"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, closeFn := openSessions(ctx, cfg)
	defer closeFn()
	assert.IsType(t, &session.MemoryStore{}, s)
}

func TestRefresher_Run(t *testing.T) {
	cfg := testConfig(t)
	loc, err := cfg.Location()
	require.NoError(t, err)

	reviews, err := review.Open(":memory:")
	require.NoError(t, err)
	defer reviews.Close()

	// 2024-06-12 09:30 in Helsinki: both cycles of the previous day and
	// chamber 1 of today are due.
	now := time.Date(2024, 6, 12, 6, 30, 0, 0, time.UTC)

	prior, err := schedule.Generate(cfg.Cycles, schedule.PastDays(cfg.Days, now, loc), now, loc)
	require.NoError(t, err)
	marked := prior.ByChamber("1")[0]
	marked.SetManualValidity(false)
	require.NoError(t, reviews.Save(context.Background(), marked))

	handler := ws.NewHandler(ws.NewHub(), ws.Deps{Source: store.New()})
	ref := &refresher{cfg: cfg, loc: loc, handler: handler, reviews: reviews, now: func() time.Time { return now }}

	added, err := ref.run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, added)

	handler.Schedule(func(s *schedule.Schedule) {
		c, ok := s.Find(marked.Key())
		require.True(t, ok)
		valid, set := c.ManualValid()
		assert.True(t, set)
		assert.False(t, valid)
	})

	// An hour later chamber 2 of today is due too.
	now = now.Add(time.Hour)
	added, err = ref.run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	added, err = ref.run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, added)

	// A day later the previous day's cycles leave the range.
	now = now.Add(24 * time.Hour)
	added, err = ref.run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	handler.Schedule(func(s *schedule.Schedule) {
		assert.Equal(t, 4, s.Len())
		_, ok := s.Find(marked.Key())
		assert.False(t, ok)
	})
}

func TestRefresher_InvalidTemplates(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cycles[0].End = cfg.Cycles[0].Open
	loc, err := cfg.Location()
	require.NoError(t, err)

	handler := ws.NewHandler(ws.NewHub(), ws.Deps{Source: store.New()})
	ref := &refresher{cfg: cfg, loc: loc, handler: handler, now: time.Now}

	_, err = ref.run(context.Background())
	var cerr *schedule.ConfigError
	assert.ErrorAs(t, err, &cerr)
}
