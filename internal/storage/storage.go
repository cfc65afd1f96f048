package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for pipeline runs and their summaries.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; workers share the handle
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
            id TEXT PRIMARY KEY,
            dataset_dir TEXT NOT NULL,
            status TEXT NOT NULL,
            outcome TEXT,
            final_state TEXT,
            frame_count INTEGER,
            surviving_frames INTEGER,
            instrument TEXT,
            filter TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS run_summaries (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            stage TEXT NOT NULL,
            level TEXT NOT NULL,
            message TEXT NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_run_summaries_run_id ON run_summaries(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_pipeline_runs_dataset ON pipeline_runs(dataset_dir);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures persisted run info.
type RunRecord struct {
	ID              string     `json:"id"`
	DatasetDir      string     `json:"dataset_dir"`
	Status          string     `json:"status"`
	Outcome         string     `json:"outcome,omitempty"`
	FinalState      string     `json:"final_state,omitempty"`
	FrameCount      int        `json:"frame_count"`
	SurvivingFrames int        `json:"surviving_frames"`
	Instrument      string     `json:"instrument,omitempty"`
	Filter          string     `json:"filter,omitempty"`
	OptionsJSON     string     `json:"options,omitempty"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// RunOutcome is the terminal information written when a run finishes.
type RunOutcome struct {
	Outcome         string
	FinalState      string
	SurvivingFrames int
	Instrument      string
	Filter          string
	Error           string
}

// SummaryRecord is one stage status line of a run.
type SummaryRecord struct {
	RunID     string    `json:"run_id"`
	Stage     string    `json:"stage"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordRunQueued inserts a pending run.
func (s *Store) RecordRunQueued(rec RunRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO pipeline_runs (id, dataset_dir, status, frame_count, options_json) VALUES (?, ?, ?, ?, ?);`,
		rec.ID, rec.DatasetDir, rec.Status, rec.FrameCount, rec.OptionsJSON)
	return err
}

// RecordRunStart marks a run as running.
func (s *Store) RecordRunStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE pipeline_runs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordRunResult finalizes a run.
func (s *Store) RecordRunResult(id string, status string, out RunOutcome) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE pipeline_runs SET status=?, outcome=?, final_state=?, surviving_frames=?, instrument=?, filter=?, error_message=?, completed_at=CURRENT_TIMESTAMP WHERE id=?;`,
		status, out.Outcome, out.FinalState, out.SurvivingFrames, out.Instrument, out.Filter, out.Error, id)
	return err
}

// RecordSummary appends a stage status line for a run.
func (s *Store) RecordSummary(rec SummaryRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO run_summaries (run_id, stage, level, message) VALUES (?, ?, ?, ?);`,
		rec.RunID, rec.Stage, rec.Level, rec.Message)
	return err
}

const runColumns = `id, dataset_dir, status, outcome, final_state, frame_count, surviving_frames, instrument, filter, options_json, created_at, started_at, completed_at, error_message`

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+runColumns+` FROM pipeline_runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Run fetches a single run by ID.
func (s *Store) Run(id string) (RunRecord, error) {
	if s == nil {
		return RunRecord{}, errors.New("store not initialized")
	}
	row := s.DB.QueryRow(`SELECT `+runColumns+` FROM pipeline_runs WHERE id=?;`, id)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("run %s: %w", id, err)
	}
	return rec, err
}

// RunSummaries returns a run's status lines in the order they were recorded.
func (s *Store) RunSummaries(id string) ([]SummaryRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, stage, level, message, created_at FROM run_summaries WHERE run_id=? ORDER BY id;`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []SummaryRecord
	for rows.Next() {
		var rec SummaryRecord
		if err := rows.Scan(&rec.RunID, &rec.Stage, &rec.Level, &rec.Message, &rec.CreatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var rec RunRecord
	var outcome, state, instrument, filter, options, errorMsg sql.NullString
	var frames, surviving sql.NullInt64
	var started, completed sql.NullTime
	if err := row.Scan(&rec.ID, &rec.DatasetDir, &rec.Status, &outcome, &state, &frames, &surviving, &instrument, &filter, &options, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
		return RunRecord{}, err
	}
	rec.Outcome = outcome.String
	rec.FinalState = state.String
	rec.FrameCount = int(frames.Int64)
	rec.SurvivingFrames = int(surviving.Int64)
	rec.Instrument = instrument.String
	rec.Filter = filter.String
	rec.OptionsJSON = options.String
	rec.Error = errorMsg.String
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return rec, nil
}

// MarshalOptions renders run options for the ledger.
func MarshalOptions(opts any) string {
	data, err := json.Marshal(opts)
	if err != nil {
		return ""
	}
	return string(data)
}
