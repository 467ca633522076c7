// Package review persists operator verdicts in SQLite so a review can be
// resumed after a restart.
package review

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"chamber_monitor/internal/cycle"
)

// Verdict is the stored review state of one cycle.
type Verdict struct {
	Chamber     string
	Start       time.Time
	ManualValid *bool
	LagSeconds  *float64
	PushedAt    *time.Time
	UpdatedAt   time.Time
}

// Store is a SQLite-backed verdict table keyed by chamber and cycle start.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path. ":memory:" is accepted.
func Open(path string) (*Store, error) {
	if path == "" {
		path = "review.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS verdicts (
		chamber TEXT NOT NULL,
		start INTEGER NOT NULL,
		manual_valid INTEGER,
		lag_seconds REAL,
		pushed_at INTEGER,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (chamber, start)
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create verdicts table: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save records the operator verdict and found lag of c. A cleared verdict or
// lag is stored as NULL.
func (s *Store) Save(ctx context.Context, c *cycle.Cycle) error {
	var manual sql.NullInt64
	if v, set := c.ManualValid(); set {
		manual = sql.NullInt64{Int64: boolInt(v), Valid: true}
	}
	var lag sql.NullFloat64
	if c.HasLag() {
		lag = sql.NullFloat64{Float64: c.LagSeconds(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO verdicts (chamber, start, manual_valid, lag_seconds, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (chamber, start) DO UPDATE SET
			manual_valid = excluded.manual_valid,
			lag_seconds = excluded.lag_seconds,
			updated_at = excluded.updated_at`,
		c.ChamberID, c.Start().Unix(), manual, lag, s.now().Unix())
	if err != nil {
		return fmt.Errorf("saving verdict %s: %w", c.Key(), err)
	}
	return nil
}

// MarkPushed records that the lag of c reached the sink.
func (s *Store) MarkPushed(ctx context.Context, c *cycle.Cycle) error {
	if err := s.Save(ctx, c); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE verdicts SET pushed_at = ? WHERE chamber = ? AND start = ?`,
		s.now().Unix(), c.ChamberID, c.Start().Unix())
	if err != nil {
		return fmt.Errorf("marking %s pushed: %w", c.Key(), err)
	}
	return nil
}

// Load returns the stored verdict of one cycle.
func (s *Store) Load(ctx context.Context, chamber string, start time.Time) (Verdict, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT chamber, start, manual_valid, lag_seconds, pushed_at, updated_at
		FROM verdicts WHERE chamber = ? AND start = ?`, chamber, start.Unix())
	v, err := scanVerdict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Verdict{}, false, nil
	}
	if err != nil {
		return Verdict{}, false, fmt.Errorf("loading verdict: %w", err)
	}
	return v, true, nil
}

// List returns every stored verdict ordered by start then chamber.
func (s *Store) List(ctx context.Context) ([]Verdict, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chamber, start, manual_valid, lag_seconds, pushed_at, updated_at
		FROM verdicts ORDER BY start, chamber`)
	if err != nil {
		return nil, fmt.Errorf("select verdicts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Verdict
	for rows.Next() {
		v, err := scanVerdict(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Restore applies stored operator verdicts to freshly generated cycles and
// returns how many were restored.
func (s *Store) Restore(ctx context.Context, cycles []*cycle.Cycle) (int, error) {
	verdicts, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	byKey := make(map[string]Verdict, len(verdicts))
	for _, v := range verdicts {
		byKey[key(v.Chamber, v.Start)] = v
	}

	restored := 0
	for _, c := range cycles {
		v, ok := byKey[key(c.ChamberID, c.Start())]
		if !ok || v.ManualValid == nil {
			continue
		}
		c.SetManualValidity(*v.ManualValid)
		restored++
	}
	return restored, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVerdict(sc scanner) (Verdict, error) {
	var (
		v       Verdict
		start   int64
		manual  sql.NullInt64
		lag     sql.NullFloat64
		pushed  sql.NullInt64
		updated int64
	)
	if err := sc.Scan(&v.Chamber, &start, &manual, &lag, &pushed, &updated); err != nil {
		return Verdict{}, err
	}
	v.Start = time.Unix(start, 0).UTC()
	v.UpdatedAt = time.Unix(updated, 0).UTC()
	if manual.Valid {
		b := manual.Int64 != 0
		v.ManualValid = &b
	}
	if lag.Valid {
		f := lag.Float64
		v.LagSeconds = &f
	}
	if pushed.Valid {
		ts := time.Unix(pushed.Int64, 0).UTC()
		v.PushedAt = &ts
	}
	return v, nil
}

func key(chamber string, start time.Time) string {
	return fmt.Sprintf("%s@%d", chamber, start.Unix())
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
