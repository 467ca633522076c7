// Package config loads the monitor configuration from a YAML file, an
// optional .env file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"chamber_monitor/internal/cycle"
	"chamber_monitor/internal/influx"
	"chamber_monitor/internal/model"
	"chamber_monitor/internal/schedule"
)

type Influx struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Org     string        `yaml:"org"`
	Bucket  string        `yaml:"bucket"`
	Timeout time.Duration `yaml:"timeout"`
}

// Source describes where cycle data is read from.
type Source struct {
	Measurement string   `yaml:"measurement"`
	Tag         string   `yaml:"tag"`
	TagValues   []string `yaml:"tag_values"`
}

type Sink struct {
	Measurement string `yaml:"measurement"`
	// Bucket overrides influx.bucket for lag writes.
	Bucket string `yaml:"bucket"`
}

// Lag overrides cycle.DefaultParams. Unset keys keep the default.
type Lag struct {
	SearchWindow            *time.Duration `yaml:"search_window"`
	LeftEdgeStep            *time.Duration `yaml:"left_edge_step"`
	MaxLeftEdgeRetries      *int           `yaml:"max_left_edge_retries"`
	NearRightEdge           *time.Duration `yaml:"near_right_edge"`
	RightEdgeBackOffset     *time.Duration `yaml:"right_edge_back_offset"`
	MaxRightEdgeRetries     *int           `yaml:"max_right_edge_retries"`
	MinCorrelation          *float64       `yaml:"min_correlation"`
	AbsoluteCorrelation     *bool          `yaml:"absolute_correlation"`
	InvalidateOnDiagnostics *bool          `yaml:"invalidate_on_diagnostics"`
}

type Redis struct {
	Addr string        `yaml:"addr"`
	TTL  time.Duration `yaml:"ttl"`
}

type Config struct {
	Influx          Influx              `yaml:"influx"`
	Source          Source              `yaml:"source"`
	Sink            Sink                `yaml:"sink"`
	Lag             Lag                 `yaml:"lag"`
	Redis           Redis               `yaml:"redis"`
	Timezone        string              `yaml:"timezone"`
	Days            int                 `yaml:"days"`
	ReviewDB        string              `yaml:"review_db"`
	Addr            string              `yaml:"addr"`
	RefreshInterval time.Duration       `yaml:"refresh_interval"`
	LogLevel        string              `yaml:"log_level"`
	Cycles          []schedule.Template `yaml:"cycles"`
}

// Defaults returns the configuration used for keys the file leaves unset.
func Defaults() Config {
	return Config{
		Influx:          Influx{Timeout: 30 * time.Second},
		Source:          Source{Measurement: cycle.DefaultMeasurement},
		Sink:            Sink{Measurement: "lags"},
		Redis:           Redis{TTL: 12 * time.Hour},
		Timezone:        cycle.DisplayZone,
		Days:            7,
		ReviewDB:        "review.db",
		Addr:            ":8080",
		RefreshInterval: 10 * time.Minute,
		LogLevel:        "info",
	}
}

// Load reads path (if non-empty) over Defaults, loads .env files from the
// working directory, then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading .env: %w", err)
	}

	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Influx.URL = getEnv("INFLUX_URL", c.Influx.URL)
	c.Influx.Token = getEnv("INFLUX_TOKEN", c.Influx.Token)
	c.Influx.Org = getEnv("INFLUX_ORG", c.Influx.Org)
	c.Influx.Bucket = getEnv("INFLUX_BUCKET", c.Influx.Bucket)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.ReviewDB = getEnv("REVIEW_DB", c.ReviewDB)
	c.Addr = getEnv("LISTEN_ADDR", c.Addr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	if v := os.Getenv("DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Days = n
		} else {
			log.Warn().Str("value", v).Msg("ignoring non-numeric DAYS")
		}
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// Validate checks the cycle templates and scalar settings.
func (c *Config) Validate() error {
	if err := schedule.ValidateAll(c.Cycles); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.Days < 0 {
		return fmt.Errorf("days must not be negative, got %d", c.Days)
	}
	if c.Lag.MinCorrelation != nil && (*c.Lag.MinCorrelation < 0 || *c.Lag.MinCorrelation > 1) {
		return fmt.Errorf("lag.min_correlation must be within [0, 1], got %v", *c.Lag.MinCorrelation)
	}
	return nil
}

// Location loads the configured display zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Level returns the configured log level, defaulting to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Params applies the lag overrides to cycle.DefaultParams.
func (c *Config) Params() cycle.Params {
	p := cycle.DefaultParams()
	l := c.Lag
	if l.SearchWindow != nil {
		p.LagSearchWindow = *l.SearchWindow
	}
	if l.LeftEdgeStep != nil {
		p.LeftEdgeStep = *l.LeftEdgeStep
	}
	if l.MaxLeftEdgeRetries != nil {
		p.MaxLeftEdgeRetries = *l.MaxLeftEdgeRetries
	}
	if l.NearRightEdge != nil {
		p.NearRightEdge = *l.NearRightEdge
	}
	if l.RightEdgeBackOffset != nil {
		p.RightEdgeBackOffset = *l.RightEdgeBackOffset
	}
	if l.MaxRightEdgeRetries != nil {
		p.MaxRightEdgeRetries = *l.MaxRightEdgeRetries
	}
	if l.MinCorrelation != nil {
		p.MinCorrelation = *l.MinCorrelation
	}
	if l.AbsoluteCorrelation != nil {
		p.AbsoluteCorrelation = *l.AbsoluteCorrelation
	}
	if l.InvalidateOnDiagnostics != nil {
		p.InvalidateOnDiagnostics = *l.InvalidateOnDiagnostics
	}
	return p
}

// CycleOptions returns the options every generated cycle is built with.
func (c *Config) CycleOptions() []cycle.Option {
	opts := []cycle.Option{
		cycle.WithParams(c.Params()),
		cycle.WithMeasurement(c.Source.Measurement),
	}
	if c.Source.Tag != "" && len(c.Source.TagValues) > 0 {
		opts = append(opts, cycle.WithTagFilter(c.Source.Tag, c.Source.TagValues...))
	}
	if loc, err := c.Location(); err == nil {
		opts = append(opts, cycle.WithLocation(loc))
	}
	return opts
}

// InfluxSource returns the connection settings for reading cycle data.
func (c *Config) InfluxSource() influx.Config {
	return influx.Config{
		URL:     c.Influx.URL,
		Token:   c.Influx.Token,
		Org:     c.Influx.Org,
		Bucket:  c.Influx.Bucket,
		Timeout: c.Influx.Timeout,
	}
}

// InfluxSink returns the connection settings for writing lags.
func (c *Config) InfluxSink() influx.Config {
	ic := c.InfluxSource()
	if c.Sink.Bucket != "" {
		ic.Bucket = c.Sink.Bucket
	}
	return ic
}

// UseInflux reports whether an InfluxDB connection is configured.
func (c *Config) UseInflux() bool {
	return c.Influx.URL != ""
}

// SourceFields are the fields every cycle query requests.
func (c *Config) SourceFields() []model.Field {
	return append(append([]model.Field{}, model.Gases...), model.FieldDiag)
}
