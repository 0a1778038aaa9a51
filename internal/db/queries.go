package db

import (
	"database/sql"
	"fmt"
	"time"
)

// LabEvent is a row in lab_events.
type LabEvent struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	Event     string `json:"event"`
	Stage     string `json:"stage,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ValidationRun is a row in validation_runs.
type ValidationRun struct {
	ID          int64  `json:"id"`
	SessionID   string `json:"session_id"`
	ExecutionID string `json:"execution_id"`
	Outcome     string `json:"outcome"` // "pass", "fail", "timed_out", "poll_failed", "job_failed", "artifacts_unavailable"
	Success     bool   `json:"success"`
	TotalSteps  int    `json:"total_steps"`
	Passed      int    `json:"passed"`
	Failed      int    `json:"failed"`
	DurationMs  int64  `json:"duration_ms"`
	Timestamp   string `json:"timestamp"`
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// LogLabEvent inserts a lab event.
func (d *DB) LogLabEvent(sessionID, event, stage, detail string) error {
	_, err := d.conn.Exec(
		d.rebind(`INSERT INTO lab_events (session_id, event, stage, detail, timestamp) VALUES (?, ?, ?, ?, ?)`),
		sessionID, event, nullable(stage), nullable(detail), now(),
	)
	if err != nil {
		return fmt.Errorf("log lab event: %w", err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// GetLabHistory returns the events of a session in insertion order.
func (d *DB) GetLabHistory(sessionID string) ([]LabEvent, error) {
	rows, err := d.conn.Query(
		d.rebind(`SELECT id, session_id, event, stage, detail, timestamp
		 FROM lab_events WHERE session_id = ? ORDER BY id ASC`),
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("get lab history: %w", err)
	}
	defer rows.Close()

	var events []LabEvent
	for rows.Next() {
		var e LabEvent
		var stage, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Event, &stage, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan lab event: %w", err)
		}
		e.Stage = stage.String
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// LogValidationRun records the outcome of one validation job.
func (d *DB) LogValidationRun(r ValidationRun) error {
	_, err := d.conn.Exec(
		d.rebind(`INSERT INTO validation_runs
		 (session_id, execution_id, outcome, success, total_steps, passed, failed, duration_ms, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.SessionID, r.ExecutionID, r.Outcome, r.Success, r.TotalSteps, r.Passed, r.Failed, r.DurationMs, now(),
	)
	if err != nil {
		return fmt.Errorf("log validation run: %w", err)
	}
	return nil
}

// GetValidationRuns returns the validation runs of a session, oldest first.
// Pass "" to return runs for every session, newest first.
func (d *DB) GetValidationRuns(sessionID string) ([]ValidationRun, error) {
	query := `SELECT id, session_id, execution_id, outcome, success, total_steps, passed, failed, duration_ms, timestamp
		 FROM validation_runs`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ? ORDER BY id ASC`
		args = append(args, sessionID)
	} else {
		query += ` ORDER BY id DESC`
	}

	rows, err := d.conn.Query(d.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("get validation runs: %w", err)
	}
	defer rows.Close()

	var runs []ValidationRun
	for rows.Next() {
		var r ValidationRun
		if err := rows.Scan(&r.ID, &r.SessionID, &r.ExecutionID, &r.Outcome, &r.Success,
			&r.TotalSteps, &r.Passed, &r.Failed, &r.DurationMs, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan validation run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// OutcomeCounts tallies validation runs by outcome.
func (d *DB) OutcomeCounts() (map[string]int, error) {
	rows, err := d.conn.Query(`SELECT outcome, COUNT(*) FROM validation_runs GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("count outcomes: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan outcome count: %w", err)
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}
