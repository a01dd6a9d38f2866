package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/dagrun/internal/scheduler"
)

// ErrRunNotFound is returned by GetRun for an unknown id.
var ErrRunNotFound = errors.New("run not found")

// TaskRecord is one ledger entry of an archived run.
type TaskRecord struct {
	Name   string
	Status string
	Start  time.Time // zero if the task never started
	End    time.Time // zero if the task never finished
	Error  string
}

// Duration returns how long the task ran, or zero if it did not finish.
func (t TaskRecord) Duration() time.Duration {
	if t.Start.IsZero() || t.End.IsZero() {
		return 0
	}
	return t.End.Sub(t.Start)
}

// Run is an archived run: its outcome and the final ledger.
type Run struct {
	ID         string
	Pipeline   string
	Outcome    string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
	Tasks      []TaskRecord
}

// NewRun starts a record for a run of pipeline.
func NewRun(pipeline string, startedAt time.Time) *Run {
	return &Run{
		ID:        uuid.NewString(),
		Pipeline:  pipeline,
		Outcome:   "running",
		StartedAt: startedAt,
	}
}

// Finish fills in the outcome and copies the ledger entries.
func (r *Run) Finish(entries []scheduler.Entry, outcome string, runErr error, finishedAt time.Time) {
	r.Outcome = outcome
	r.FinishedAt = finishedAt
	if runErr != nil {
		r.Error = runErr.Error()
	}

	r.Tasks = make([]TaskRecord, 0, len(entries))
	for _, e := range entries {
		rec := TaskRecord{
			Name:   e.Name,
			Status: e.Status.String(),
			Start:  e.Start,
			End:    e.End,
		}
		if e.Err != nil {
			rec.Error = e.Err.Error()
		}
		r.Tasks = append(r.Tasks, rec)
	}
}

// Failed returns the tasks that finished with an error.
func (r *Run) Failed() []TaskRecord {
	var out []TaskRecord
	for _, t := range r.Tasks {
		if t.Error != "" {
			out = append(out, t)
		}
	}
	return out
}

// SaveRun stores a run and its task records, replacing any earlier copy.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *Run) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, pipeline, outcome, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pipeline = excluded.pipeline,
			outcome = excluded.outcome,
			error = excluded.error,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`, run.ID, run.Pipeline, run.Outcome, nullString(run.Error), run.StartedAt.UnixMicro(), nullTime(run.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM run_tasks WHERE run_id = ?", run.ID); err != nil {
		return fmt.Errorf("failed to clear task records: %w", err)
	}

	for i, t := range run.Tasks {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO run_tasks (run_id, position, name, status, start_us, end_us, error)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, run.ID, i, t.Name, t.Status, nullTime(t.Start), nullTime(t.End), nullString(t.Error))
		if err != nil {
			return fmt.Errorf("failed to save task record %q: %w", t.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetRun retrieves a run with its task records in ledger order.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, pipeline, outcome, error, started_at, finished_at
		FROM runs
		WHERE id = ?
	`, id)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}

	tasks, err := s.loadTasks(ctx, id)
	if err != nil {
		return nil, err
	}
	run.Tasks = tasks

	return run, nil
}

// ListRuns returns the most recent runs first, without task records.
// A non-positive limit returns every run.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline, outcome, error, started_at, finished_at
		FROM runs
		ORDER BY started_at DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// Prune deletes all but the keep most recent runs and returns how many were removed.
func (s *SQLiteStore) Prune(ctx context.Context, keep int) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM runs WHERE id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC, id LIMIT ?
		)
	`, max(keep, 0))
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) loadTasks(ctx context.Context, runID string) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, status, start_us, end_us, error
		FROM run_tasks
		WHERE run_id = ?
		ORDER BY position
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task records: %w", err)
	}
	defer rows.Close()

	var tasks []TaskRecord
	for rows.Next() {
		var t TaskRecord
		var start, end sql.NullInt64
		var errText sql.NullString
		if err := rows.Scan(&t.Name, &t.Status, &start, &end, &errText); err != nil {
			return nil, fmt.Errorf("failed to scan task record: %w", err)
		}
		t.Start = fromNull(start)
		t.End = fromNull(end)
		t.Error = errText.String
		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var errText sql.NullString
	var started int64
	var finished sql.NullInt64
	if err := row.Scan(&run.ID, &run.Pipeline, &run.Outcome, &errText, &started, &finished); err != nil {
		return nil, err
	}
	run.Error = errText.String
	run.StartedAt = time.UnixMicro(started)
	run.FinishedAt = fromNull(finished)
	return &run, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMicro(), Valid: true}
}

func fromNull(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMicro(v.Int64)
}
