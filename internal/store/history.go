// Package store archives executed plans and results to a local SQLite
// database so `otto history` can show past runs.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"otto/internal/logging"
	"otto/internal/task"
)

const schema = `
CREATE TABLE IF NOT EXISTS plans (
	id                TEXT PRIMARY KEY,
	user_request      TEXT NOT NULL,
	task_count        INTEGER NOT NULL,
	estimated_seconds INTEGER NOT NULL,
	approved          INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS results (
	task_id     TEXT PRIMARY KEY,
	plan_id     TEXT NOT NULL REFERENCES plans(id),
	status      TEXT NOT NULL,
	error       TEXT,
	duration_ms INTEGER NOT NULL,
	executed_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_plan ON results(plan_id);
`

// History is the plan archive. A nil *History is a valid no-op archive, so
// callers can degrade when the database cannot be opened.
type History struct {
	db     *sql.DB
	logger logging.Logger
}

// Open opens (creating if needed) the history database at path.
func Open(path string, logger logging.Logger) (*History, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}
	return &History{db: db, logger: logging.OrNop(logger)}, nil
}

// Close closes the underlying database.
func (h *History) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}

// SavePlan archives an approved plan.
func (h *History) SavePlan(plan *task.Plan) error {
	if h == nil {
		return nil
	}
	_, err := h.db.Exec(
		`INSERT OR REPLACE INTO plans (id, user_request, task_count, estimated_seconds, approved, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		plan.ID, plan.UserRequest, len(plan.Tasks),
		int(plan.EstimatedTotalDuration.Seconds()), plan.Approved, plan.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("archive plan %s: %w", plan.ID, err)
	}
	return nil
}

// SaveResult archives one task result under its plan.
func (h *History) SaveResult(planID string, result *task.ExecutionResult) error {
	if h == nil {
		return nil
	}
	_, err := h.db.Exec(
		`INSERT OR REPLACE INTO results (task_id, plan_id, status, error, duration_ms, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		result.TaskID, planID, string(result.Status), result.Error,
		result.Duration.Milliseconds(), result.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("archive result %s: %w", result.TaskID, err)
	}
	return nil
}

// PlanRecord is one archived plan row.
type PlanRecord struct {
	ID            string
	UserRequest   string
	TaskCount     int
	Estimated     time.Duration
	Approved      bool
	CreatedAt     time.Time
	Succeeded     int
	Failed        int
}

// RecentPlans returns the latest archived plans with per-plan result
// tallies, newest first.
func (h *History) RecentPlans(limit int) ([]PlanRecord, error) {
	if h == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := h.db.Query(`
		SELECT p.id, p.user_request, p.task_count, p.estimated_seconds, p.approved, p.created_at,
		       COALESCE(SUM(CASE WHEN r.status = 'success' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN r.status != 'success' THEN 1 ELSE 0 END), 0)
		FROM plans p LEFT JOIN results r ON r.plan_id = p.id
		GROUP BY p.id ORDER BY p.created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PlanRecord
	for rows.Next() {
		var rec PlanRecord
		var estimatedSeconds int
		if err := rows.Scan(&rec.ID, &rec.UserRequest, &rec.TaskCount, &estimatedSeconds,
			&rec.Approved, &rec.CreatedAt, &rec.Succeeded, &rec.Failed); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		rec.Estimated = time.Duration(estimatedSeconds) * time.Second
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ResultRecord is one archived result row.
type ResultRecord struct {
	TaskID     string
	Status     task.ResultStatus
	Error      string
	Duration   time.Duration
	ExecutedAt time.Time
}

// Results returns archived results for one plan, in execution order.
func (h *History) Results(planID string) ([]ResultRecord, error) {
	if h == nil {
		return nil, nil
	}
	rows, err := h.db.Query(
		`SELECT task_id, status, COALESCE(error, ''), duration_ms, executed_at
		 FROM results WHERE plan_id = ? ORDER BY executed_at`, planID)
	if err != nil {
		return nil, fmt.Errorf("query results for %s: %w", planID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []ResultRecord
	for rows.Next() {
		var rec ResultRecord
		var status string
		var durationMS int64
		if err := rows.Scan(&rec.TaskID, &status, &rec.Error, &durationMS, &rec.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		rec.Status = task.ResultStatus(status)
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}
