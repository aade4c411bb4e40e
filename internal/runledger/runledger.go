// Package runledger keeps scrape run history in a local SQLite
// database. The ledger is an observability aid: every operation is
// best-effort, and a broken or missing database never fails a scrape.
package runledger

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"

	"github.com/chargescope/chargescope/internal/status"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at   TEXT NOT NULL,
	finished_at  TEXT,
	state_filter TEXT,
	ccn_filter   TEXT,
	total        INTEGER NOT NULL DEFAULT 0,
	success      INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0,
	skipped      INTEGER NOT NULL DEFAULT 0,
	records      INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS results (
	run_id        INTEGER NOT NULL REFERENCES runs(id),
	state         TEXT NOT NULL,
	ccn           TEXT NOT NULL,
	hospital      TEXT,
	status        TEXT NOT NULL,
	file_url      TEXT,
	records       INTEGER NOT NULL DEFAULT 0,
	error_type    TEXT,
	error_message TEXT,
	duration      REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_results_ccn ON results(ccn);
`

// Ledger records runs and their per-hospital results. A nil *Ledger is
// valid and drops everything, so callers never branch on whether the
// ledger opened.
type Ledger struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// Open creates or opens the ledger database at path. Errors are
// returned so the caller can log them, but the expected response is to
// carry on with a nil ledger.
func Open(path string, log *zap.SugaredLogger) (*Ledger, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init run ledger schema: %w", err)
	}
	return &Ledger{db: db, log: log}, nil
}

func (l *Ledger) Close() error {
	if l == nil {
		return nil
	}
	return l.db.Close()
}

// BeginRun opens a run row and returns its id. Returns 0 on any
// failure, which the other methods treat as a no-op run.
func (l *Ledger) BeginRun(stateFilter, ccnFilter string) int64 {
	if l == nil {
		return 0
	}
	res, err := l.db.Exec(
		"INSERT INTO runs (started_at, state_filter, ccn_filter) VALUES (?, ?, ?)",
		time.Now().UTC().Format(time.RFC3339), stateFilter, ccnFilter,
	)
	if err != nil {
		l.log.Warnw("run ledger insert failed", "error", err)
		return 0
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0
	}
	return id
}

// Record appends one hospital result to the run.
func (l *Ledger) Record(runID int64, r status.Result) {
	if l == nil || runID == 0 {
		return
	}
	_, err := l.db.Exec(
		`INSERT INTO results (run_id, state, ccn, hospital, status, file_url, records, error_type, error_message, duration)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, r.State, r.CCN, r.Hospital, r.Status, r.FileURL,
		r.Records, r.ErrorType, status.TruncateError(r.ErrorMessage), r.Duration,
	)
	if err != nil {
		l.log.Warnw("run ledger result insert failed", "ccn", r.CCN, "error", err)
	}
}

// FinishRun stamps the run row with its totals.
func (l *Ledger) FinishRun(runID int64, summaries []status.StateSummary) {
	if l == nil || runID == 0 {
		return
	}
	total, success, failed, skipped, records := 0, 0, 0, 0, 0
	for _, s := range summaries {
		total += s.Total
		success += s.Success
		failed += s.Failed
		skipped += s.Skipped
		records += s.Records
	}
	_, err := l.db.Exec(
		`UPDATE runs SET finished_at = ?, total = ?, success = ?, failed = ?, skipped = ?, records = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), total, success, failed, skipped, records, runID,
	)
	if err != nil {
		l.log.Warnw("run ledger finish failed", "run", runID, "error", err)
	}
}

// Entry is one historical result row for a hospital.
type Entry struct {
	RunID     int64
	Status    string
	Records   int
	ErrorType string
	Duration  float64
}

// History returns a hospital's most recent results, newest first. Handy
// when triaging a flaky feed.
func (l *Ledger) History(ccn string, limit int) ([]Entry, error) {
	if l == nil {
		return nil, nil
	}
	rows, err := l.db.Query(
		`SELECT run_id, status, records, error_type, duration
		 FROM results WHERE ccn = ? ORDER BY run_id DESC LIMIT ?`,
		ccn, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var errType sql.NullString
		if err := rows.Scan(&e.RunID, &e.Status, &e.Records, &errType, &e.Duration); err != nil {
			return nil, err
		}
		e.ErrorType = errType.String
		out = append(out, e)
	}
	return out, rows.Err()
}
