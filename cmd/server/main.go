package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chamber_monitor/internal/config"
	"chamber_monitor/internal/cycle"
	"chamber_monitor/internal/influx"
	"chamber_monitor/internal/push"
	"chamber_monitor/internal/review"
	"chamber_monitor/internal/schedule"
	"chamber_monitor/internal/session"
	"chamber_monitor/internal/store"
	"chamber_monitor/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration")
	addr := flag.String("addr", "", "listen address (overrides addr in config)")
	flag.Parse()

	setupLogging(zerolog.InfoLevel)
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("loading config")
	}
	setupLogging(cfg.Level())
	if *addr != "" {
		cfg.Addr = *addr
	}
	loc, err := cfg.Location()
	if err != nil {
		log.Fatal().Err(err).Msg("loading timezone")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src, sink, closeBackends, err := openBackends(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("opening time-series backend")
	}
	defer closeBackends()

	reviews, err := review.Open(cfg.ReviewDB)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.ReviewDB).Msg("opening review store")
	}
	defer reviews.Close()

	sessions, closeSessions := openSessions(ctx, cfg)
	defer closeSessions()

	pusher := push.New(sink)
	pusher.Measurement = cfg.Sink.Measurement

	hub := ws.NewHub()
	handler := ws.NewHandler(hub, ws.Deps{
		Source:   src,
		Pusher:   pusher,
		Sessions: sessions,
		Verdicts: reviews,
	})

	ref := &refresher{cfg: cfg, loc: loc, handler: handler, reviews: reviews, now: time.Now}
	if _, err := ref.run(ctx); err != nil {
		log.Fatal().Err(err).Msg("generating cycle schedule")
	}

	cron := gocron.NewScheduler(loc)
	cron.SingletonModeAll()
	if cfg.RefreshInterval > 0 {
		_, err := cron.Every(cfg.RefreshInterval).WaitForSchedule().Do(func() {
			if _, err := ref.run(ctx); err != nil {
				log.Error().Err(err).Msg("refreshing cycle schedule")
			}
		})
		if err != nil {
			log.Fatal().Err(err).Msg("scheduling refresh job")
		}
	}
	cron.StartAsync()
	defer cron.Stop()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
}

func setupLogging(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func newRouter(handler http.Handler) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}).Methods(http.MethodGet)
	r.Handle("/ws", handler)
	r.Path("/metrics").Handler(promhttp.Handler())
	return r
}

// openBackends returns the cycle source and lag sink. Without an InfluxDB URL
// both are an empty in-memory store.
func openBackends(ctx context.Context, cfg *config.Config) (cycle.Source, push.Sink, func(), error) {
	if !cfg.UseInflux() {
		log.Warn().Msg("influx.url not set, using an in-memory store")
		st := store.New()
		return st, st, func() {}, nil
	}

	src, err := influx.NewSource(cfg.InfluxSource())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("influx source: %w", err)
	}
	sink, err := influx.NewSink(cfg.InfluxSink())
	if err != nil {
		src.Close()
		return nil, nil, nil, fmt.Errorf("influx sink: %w", err)
	}

	boundsCtx, cancel := context.WithTimeout(ctx, cfg.Influx.Timeout)
	defer cancel()
	tr, ok, err := src.Bounds(boundsCtx, cfg.Source.Measurement, cfg.SourceFields())
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("probing source data range")
	case !ok:
		log.Warn().Str("measurement", cfg.Source.Measurement).Msg("source holds no data")
	default:
		log.Info().
			Str("measurement", cfg.Source.Measurement).
			Time("oldest", tr.Start).
			Time("newest", tr.End).
			Msg("source data range")
	}
	return src, sink, src.Close, nil
}

// openSessions uses Redis when configured and reachable, otherwise keeps
// cursors in memory.
func openSessions(ctx context.Context, cfg *config.Config) (session.Store, func()) {
	if cfg.Redis.Addr == "" {
		return session.NewMemoryStore(), func() {}
	}
	rs, err := session.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.TTL)
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable, keeping cursors in memory")
		return session.NewMemoryStore(), func() {}
	}
	log.Info().Str("addr", cfg.Redis.Addr).Msg("connected to redis")
	return rs, func() {
		if err := rs.Close(); err != nil {
			log.Warn().Err(err).Msg("closing redis")
		}
	}
}

type restorer interface {
	Restore(ctx context.Context, cycles []*cycle.Cycle) (int, error)
}

// refresher regenerates the schedule over the configured past days and merges
// newly due cycles into the handler.
type refresher struct {
	cfg     *config.Config
	loc     *time.Location
	handler *ws.Handler
	reviews restorer
	now     func() time.Time
}

func (r *refresher) run(ctx context.Context) (int, error) {
	now := r.now()
	s, err := schedule.Generate(r.cfg.Cycles, schedule.PastDays(r.cfg.Days, now, r.loc), now, r.loc, r.cfg.CycleOptions()...)
	if err != nil {
		return 0, err
	}
	if r.reviews != nil {
		n, err := r.reviews.Restore(ctx, s.All())
		if err != nil {
			log.Warn().Err(err).Msg("restoring verdicts")
		} else if n > 0 {
			log.Debug().Int("restored", n).Msg("restored operator verdicts")
		}
	}
	added := r.handler.Refresh(s)
	log.Info().Int("added", added).Int("days", r.cfg.Days).Msg("cycle schedule refreshed")
	return added, nil
}
