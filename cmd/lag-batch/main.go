package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chamber_monitor/internal/config"
	"chamber_monitor/internal/cycle"
	"chamber_monitor/internal/influx"
	"chamber_monitor/internal/model"
	"chamber_monitor/internal/push"
	"chamber_monitor/internal/review"
	"chamber_monitor/internal/schedule"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration")
	urlFlag := flag.String("url", "", "InfluxDB URL (overrides INFLUX_URL)")
	tokenFlag := flag.String("token", "", "InfluxDB token (overrides INFLUX_TOKEN)")
	days := flag.Int("days", -1, "past days to analyze besides today (overrides days in config)")
	chambers := flag.String("chambers", "", "comma separated chamber ids, empty for all")
	doPush := flag.Bool("push", false, "write found lags to the sink")
	validOnly := flag.Bool("valid-only", false, "push only cycles judged valid")
	timeout := flag.Duration("timeout", 10*time.Minute, "overall run timeout")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("loading config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	cfg.Influx.URL = resolveFlag(*urlFlag, cfg.Influx.URL)
	cfg.Influx.Token = resolveFlag(*tokenFlag, cfg.Influx.Token)
	if !cfg.UseInflux() {
		log.Fatal().Msg("INFLUX_URL not set, use -url or set INFLUX_URL in .env")
	}
	if *days >= 0 {
		cfg.Days = *days
	}
	loc, err := cfg.Location()
	if err != nil {
		log.Fatal().Err(err).Msg("loading timezone")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	src, err := influx.NewSource(cfg.InfluxSource())
	if err != nil {
		log.Fatal().Err(err).Msg("opening influx source")
	}
	defer src.Close()

	sink, err := influx.NewSink(cfg.InfluxSink())
	if err != nil {
		log.Fatal().Err(err).Msg("opening influx sink")
	}

	reviews, err := review.Open(cfg.ReviewDB)
	if err != nil {
		log.Warn().Err(err).Msg("opening review store, operator verdicts ignored")
	} else {
		defer reviews.Close()
	}

	opts := options{
		chambers:  parseChambers(*chambers),
		push:      *doPush,
		validOnly: *validOnly,
		now:       time.Now(),
	}
	rep, err := run(ctx, cfg, loc, src, sink, reviews, os.Stdout, opts)
	if err != nil {
		log.Fatal().Err(err).Msg("lag batch failed")
	}
	if *doPush {
		fmt.Fprintf(os.Stderr, "pushed %d, skipped %d, failed %d\n",
			rep.Pushed, rep.Skipped, len(rep.Failures)-rep.Skipped)
	}
}

type options struct {
	chambers  []string
	push      bool
	validOnly bool
	now       time.Time
}

// run generates the schedule up to opts.now, analyzes the selected cycles,
// writes the result table to out and, when asked, pushes the found lags.
// Operator verdicts from reviews are applied first; reviews may be nil.
func run(ctx context.Context, cfg *config.Config, loc *time.Location, src cycle.Source, sink push.Sink, reviews *review.Store, out io.Writer, opts options) (push.Report, error) {
	sched, err := schedule.Generate(cfg.Cycles, schedule.PastDays(cfg.Days, opts.now, loc), opts.now, loc, cfg.CycleOptions()...)
	if err != nil {
		return push.Report{}, fmt.Errorf("generating cycle schedule: %w", err)
	}
	cycles := sched.Select(opts.chambers...)
	log.Info().Int("cycles", len(cycles)).Int("days", cfg.Days).Msg("analyzing cycles")

	if reviews != nil {
		n, err := reviews.Restore(ctx, cycles)
		if err != nil {
			log.Warn().Err(err).Msg("restoring verdicts")
		} else if n > 0 {
			log.Info().Int("restored", n).Msg("operator verdicts restored")
		}
	}

	if err := writeTable(out, analyze(ctx, src, cycles)); err != nil {
		return push.Report{}, fmt.Errorf("writing table: %w", err)
	}
	if !opts.push {
		return push.Report{}, nil
	}

	toPush := cycles
	if opts.validOnly {
		toPush = filterValid(cycles)
	}
	pusher := push.New(sink)
	pusher.Measurement = cfg.Sink.Measurement
	rep, err := pusher.PushAll(ctx, src, toPush)
	if err != nil {
		return rep, err
	}
	for _, f := range rep.Failures {
		log.Warn().Err(f.Err).Str("cycle", f.Key).Msg("cycle not pushed")
	}
	if reviews != nil {
		for _, c := range rep.Written {
			if err := reviews.MarkPushed(ctx, c); err != nil {
				log.Warn().Err(err).Str("cycle", c.Key()).Msg("recording push")
			}
		}
	}
	return rep, nil
}

func resolveFlag(flagVal, fallback string) string {
	if flagVal != "" {
		return flagVal
	}
	return fallback
}

// parseChambers splits a comma separated chamber list, dropping blanks.
func parseChambers(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type row struct {
	chamber  string
	start    time.Time
	lag      float64
	hasLag   bool
	r        float64
	rOK      bool
	valid    bool
	reason   cycle.Reason
	status   cycle.LagStatus
	diagErrs bool
}

// analyze loads each cycle, searches its lag and collects the outcome.
// Cycles are processed one at a time.
func analyze(ctx context.Context, src cycle.Source, cycles []*cycle.Cycle) []row {
	rows := make([]row, 0, len(cycles))
	for _, c := range cycles {
		if ctx.Err() != nil {
			break
		}
		c.LoadData(ctx, src)
		c.FindLag()
		r, ok := c.Correlation(c.Params().ValidityGas)
		rows = append(rows, row{
			chamber:  c.ChamberID,
			start:    c.Local(c.Start()),
			lag:      c.LagSeconds(),
			hasLag:   c.HasLag(),
			r:        r,
			rOK:      ok,
			valid:    c.Valid(),
			reason:   c.Reason(),
			status:   c.LagStatus(),
			diagErrs: c.HasDiagnosticErrors(),
		})
	}
	return rows
}

func writeTable(w io.Writer, rows []row) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CHAMBER\tSTART\tLAG_S\tR_"+string(model.FieldCH4)+"\tVALID\tREASON\tNOTES")
	for _, r := range rows {
		lag := "-"
		if r.hasLag {
			lag = fmt.Sprintf("%.0f", r.lag)
		}
		corr := "-"
		if r.rOK {
			corr = fmt.Sprintf("%.3f", r.r)
		}
		reason := string(r.reason)
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			r.chamber, r.start.Format("2006-01-02 15:04"), lag, corr, r.valid, reason, notes(r))
	}
	return tw.Flush()
}

func notes(r row) string {
	var parts []string
	if r.status.Saturated {
		parts = append(parts, "saturated")
	}
	if r.status.LeftEdgeExhausted {
		parts = append(parts, "left-edge-exhausted")
	}
	if r.status.LeftEdgeRetries > 0 {
		parts = append(parts, fmt.Sprintf("left-retries=%d", r.status.LeftEdgeRetries))
	}
	if r.status.RightEdgeRetries > 0 {
		parts = append(parts, fmt.Sprintf("right-retries=%d", r.status.RightEdgeRetries))
	}
	if r.diagErrs {
		parts = append(parts, "diag")
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ",")
}

// filterValid keeps cycles whose effective verdict is valid.
func filterValid(cycles []*cycle.Cycle) []*cycle.Cycle {
	var out []*cycle.Cycle
	for _, c := range cycles {
		if c.Valid() {
			out = append(out, c)
		}
	}
	return out
}
