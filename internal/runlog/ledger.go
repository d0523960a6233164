// Package runlog records every batch run and the outcome of each
// (patient, trial) unit in SQLite.
package runlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	StatusEligible   = "eligible"
	StatusIneligible = "ineligible"
	StatusFailed     = "failed"

	RunRunning  = "running"
	RunFinished = "finished"
)

var ErrRunNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	status      TEXT NOT NULL DEFAULT 'running',
	started_at  TEXT NOT NULL,
	finished_at TEXT NOT NULL DEFAULT '',
	patients    INTEGER NOT NULL DEFAULT 0,
	trials      INTEGER NOT NULL DEFAULT 0,
	eligible    INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS units (
	run_id       TEXT NOT NULL,
	patient_id   TEXT NOT NULL,
	trial_id     TEXT NOT NULL,
	status       TEXT NOT NULL,
	failure_kind TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	verdicts     TEXT NOT NULL DEFAULT '',
	recorded_at  TEXT NOT NULL,
	PRIMARY KEY (run_id, patient_id, trial_id)
);

CREATE INDEX IF NOT EXISTS units_patient ON units (patient_id, recorded_at);
`

type RunRecord struct {
	RunID      string `db:"run_id"`
	Status     string `db:"status"`
	StartedAt  string `db:"started_at"`
	FinishedAt string `db:"finished_at"`
	Patients   int    `db:"patients"`
	Trials     int    `db:"trials"`
	Eligible   int    `db:"eligible"`
	Failed     int    `db:"failed"`
}

// UnitRecord is the outcome of one patient evaluated against one trial.
// Verdicts holds the parsed verdicts as JSON when classification succeeded.
type UnitRecord struct {
	RunID       string `db:"run_id"`
	PatientID   string `db:"patient_id"`
	TrialID     string `db:"trial_id"`
	Status      string `db:"status"`
	FailureKind string `db:"failure_kind"`
	Error       string `db:"error"`
	Verdicts    string `db:"verdicts"`
	RecordedAt  string `db:"recorded_at"`
}

type Ledger struct {
	db    *sqlx.DB
	clock func() time.Time
}

func Open(dbPath string) (*Ledger, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Ledger{db: db, clock: time.Now}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) now() string {
	return l.clock().UTC().Format(time.RFC3339Nano)
}

func (l *Ledger) StartRun(ctx context.Context, runID string) error {
	_, err := l.db.ExecContext(ctx, `INSERT INTO runs (run_id, status, started_at) VALUES (?, ?, ?)`, runID, RunRunning, l.now())
	if err != nil {
		return fmt.Errorf("start run %s: %w", runID, err)
	}
	return nil
}

// FinishRun stores the run's final counts.
func (l *Ledger) FinishRun(ctx context.Context, run RunRecord) error {
	run.Status = RunFinished
	run.FinishedAt = l.now()
	res, err := l.db.NamedExecContext(ctx, `UPDATE runs SET
		status = :status, finished_at = :finished_at, patients = :patients,
		trials = :trials, eligible = :eligible, failed = :failed
		WHERE run_id = :run_id`, run)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", run.RunID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", run.RunID, ErrRunNotFound)
	}
	return nil
}

// RecordUnit stores u, replacing an earlier record of the same unit in the
// same run.
func (l *Ledger) RecordUnit(ctx context.Context, u UnitRecord) error {
	if u.RecordedAt == "" {
		u.RecordedAt = l.now()
	}
	_, err := l.db.NamedExecContext(ctx, `INSERT OR REPLACE INTO units
		(run_id, patient_id, trial_id, status, failure_kind, error, verdicts, recorded_at)
		VALUES (:run_id, :patient_id, :trial_id, :status, :failure_kind, :error, :verdicts, :recorded_at)`, u)
	if err != nil {
		return fmt.Errorf("record unit %s/%s: %w", u.PatientID, u.TrialID, err)
	}
	return nil
}

func (l *Ledger) Run(ctx context.Context, runID string) (RunRecord, error) {
	var run RunRecord
	err := l.db.GetContext(ctx, &run, `SELECT * FROM runs WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, ErrRunNotFound
	}
	return run, err
}

// Units returns the run's unit records ordered by patient then trial.
func (l *Ledger) Units(ctx context.Context, runID string) ([]UnitRecord, error) {
	var out []UnitRecord
	err := l.db.SelectContext(ctx, &out, `SELECT * FROM units WHERE run_id = ? ORDER BY patient_id, trial_id`, runID)
	return out, err
}

// Failures returns the failed units of a run.
func (l *Ledger) Failures(ctx context.Context, runID string) ([]UnitRecord, error) {
	var out []UnitRecord
	err := l.db.SelectContext(ctx, &out, `SELECT * FROM units WHERE run_id = ? AND status = ? ORDER BY patient_id, trial_id`, runID, StatusFailed)
	return out, err
}
