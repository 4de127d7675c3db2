package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/pthm-cable/disperse/config"
)

var storeSchema = []string{`CREATE TABLE IF NOT EXISTS runs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at TEXT NOT NULL,
	seed       INTEGER NOT NULL,
	config     BLOB NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS steps (
	run_id     INTEGER NOT NULL REFERENCES runs(id),
	replicate  INTEGER NOT NULL,
	timestep   INTEGER NOT NULL,
	total      REAL NOT NULL,
	absorbed   REAL NOT NULL,
	occupied   INTEGER NOT NULL,
	elapsed_us INTEGER NOT NULL,
	PRIMARY KEY (run_id, replicate, timestep)
)`,
	`CREATE TABLE IF NOT EXISTS stage_steps (
	run_id       INTEGER NOT NULL REFERENCES runs(id),
	replicate    INTEGER NOT NULL,
	timestep     INTEGER NOT NULL,
	stage        TEXT NOT NULL,
	engine       TEXT NOT NULL,
	total_before REAL NOT NULL,
	total_after  REAL NOT NULL,
	dispersing   REAL NOT NULL,
	absorbed     REAL NOT NULL,
	occupied     INTEGER NOT NULL,
	spread       REAL NOT NULL,
	PRIMARY KEY (run_id, replicate, timestep, stage)
)`,
	`CREATE TABLE IF NOT EXISTS events (
	run_id      INTEGER NOT NULL REFERENCES runs(id),
	replicate   INTEGER NOT NULL,
	timestep    INTEGER NOT NULL,
	type        TEXT NOT NULL,
	stage       TEXT NOT NULL,
	description TEXT NOT NULL
)`,
}

// ErrNoRun is returned when recording into a store before BeginRun.
var ErrNoRun = errors.New("telemetry: no run started")

// Store persists run summaries to SQLite. One Store records one run at a
// time; replicates may record concurrently.
type Store struct {
	db    *sql.DB
	mu    sync.Mutex
	path  string
	runID int64
}

// OpenStore opens or creates the database at path.
// Returns nil if path is empty (store disabled).
func OpenStore(path string) (*Store, error) {
	if path == "" {
		return nil, nil
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
	// A single connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)
	for _, stmt := range storeSchema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &Store{db: db, path: path}, nil
}

// BeginRun records a new run and makes it the target of later writes.
func (s *Store) BeginRun(ctx context.Context, seed int64, cfg *config.Config) (int64, error) {
	if s == nil {
		return 0, nil
	}
	blob, err := yaml.Marshal(cfg)
	if err != nil {
		return 0, fmt.Errorf("marshal config: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(started_at, seed, config) VALUES(?,?,?)`,
		time.Now().UTC().Format(time.RFC3339), seed, blob)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("run id: %w", err)
	}
	s.mu.Lock()
	s.runID = id
	s.mu.Unlock()
	return id, nil
}

func (s *Store) currentRun() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runID == 0 {
		return 0, ErrNoRun
	}
	return s.runID, nil
}

// RecordStep stores one step summary and its stage records in a single
// transaction.
func (s *Store) RecordStep(ctx context.Context, summary StepSummary, stages []StageStats) (retErr error) {
	if s == nil {
		return nil
	}
	runID, err := s.currentRun()
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO steps(run_id, replicate, timestep, total, absorbed, occupied, elapsed_us) VALUES(?,?,?,?,?,?,?)`,
		runID, summary.Replicate, summary.Timestep, summary.Total, summary.Absorbed, summary.Occupied, summary.ElapsedUS,
	); err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	for _, st := range stages {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stage_steps(run_id, replicate, timestep, stage, engine, total_before, total_after, dispersing, absorbed, occupied, spread) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
			runID, st.Replicate, st.Timestep, st.Stage, st.Engine, st.Before, st.After, st.Dispersing, st.Absorbed, st.Occupied, st.Spread,
		); err != nil {
			return fmt.Errorf("insert stage %s: %w", st.Stage, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RecordEvent stores a detected event.
func (s *Store) RecordEvent(ctx context.Context, e Event) error {
	if s == nil {
		return nil
	}
	runID, err := s.currentRun()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO events(run_id, replicate, timestep, type, stage, description) VALUES(?,?,?,?,?,?)`,
		runID, e.Replicate, e.Timestep, string(e.Type), e.Stage, e.Description,
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Steps returns the recorded step summaries of a replicate in the current
// run, ordered by timestep.
func (s *Store) Steps(ctx context.Context, replicate int) ([]StepSummary, error) {
	runID, err := s.currentRun()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT replicate, timestep, total, absorbed, occupied, elapsed_us FROM steps WHERE run_id = ? AND replicate = ? ORDER BY timestep`,
		runID, replicate)
	if err != nil {
		return nil, fmt.Errorf("select steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []StepSummary
	for rows.Next() {
		var st StepSummary
		if err := rows.Scan(&st.Replicate, &st.Timestep, &st.Total, &st.Absorbed, &st.Occupied, &st.ElapsedUS); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// EventCounts returns the number of recorded events per type in the current run.
func (s *Store) EventCounts(ctx context.Context) (map[EventType]int, error) {
	runID, err := s.currentRun()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, COUNT(*) FROM events WHERE run_id = ? GROUP BY type`, runID)
	if err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[EventType]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		counts[EventType(typ)] = n
	}
	return counts, rows.Err()
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}
