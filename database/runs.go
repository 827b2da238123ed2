package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	stackresize "github.com/superfly/stackresize"
)

// Run is one recorded resize orchestration.
type Run struct {
	RunID               string
	Device              string
	Op                  string
	RequestedDeltaBytes int64
	EffectiveDeltaBytes int64
	Status              string
	FinalSizeBytes      int64
	Error               string
	StartedAt           time.Time
	FinishedAt          time.Time
}

// RunStep is one recorded step outcome.
type RunStep struct {
	RunID        string
	StepIndex    int
	Layer        string
	LayerID      string
	OldSizeBytes int64
	NewSizeBytes int64
	Outcome      string
	Error        string
	DurationMS   int64
}

// StoreRunStart records the beginning of a run.
func (d *DB) StoreRunStart(ctx context.Context, runID string, p *stackresize.ResizePlan) error {
	query := `INSERT INTO runs (run_id, device, op, requested_delta_bytes, effective_delta_bytes, status)
	          VALUES (?, ?, ?, ?, ?, 'running')`
	_, err := d.db.ExecContext(ctx, query,
		runID, p.Device, string(p.Op()), p.RequestedDeltaBytes, p.EffectiveDeltaBytes)
	if err != nil {
		return fmt.Errorf("failed to store run start: %w", err)
	}
	return nil
}

// StoreRunResult records the outcome of a run and all of its steps.
func (d *DB) StoreRunResult(ctx context.Context, result *stackresize.ExecutionResult, runErr error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	status := "succeeded"
	errText := ""
	if runErr != nil {
		status = "failed"
		errText = runErr.Error()
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, final_size_bytes = ?, error = ?, finished_at = CURRENT_TIMESTAMP WHERE run_id = ?`,
		status, result.FinalSizeBytes, errText, result.RunID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	for i, sr := range result.Steps {
		outcome := string(sr.Outcome)
		if outcome == "" {
			outcome = string(stackresize.OutcomeSkipped)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO run_steps (run_id, step_index, layer, layer_id, old_size_bytes, new_size_bytes, outcome, error, duration_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			result.RunID, i, string(sr.Step.Layer.Kind), sr.Step.Layer.ID,
			sr.Step.OldSizeBytes, sr.Step.NewSizeBytes, outcome, sr.Error, sr.Duration.Milliseconds())
		if err != nil {
			return fmt.Errorf("failed to store step %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// GetRun returns one run by ID, or nil if it does not exist.
func (d *DB) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT run_id, device, op, requested_delta_bytes, effective_delta_bytes, status,
		        COALESCE(final_size_bytes, 0), COALESCE(error, ''), started_at, finished_at
		 FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListRuns returns the most recent runs, newest first.
func (d *DB) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT run_id, device, op, requested_delta_bytes, effective_delta_bytes, status,
		        COALESCE(final_size_bytes, 0), COALESCE(error, ''), started_at, finished_at
		 FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// GetRunSteps returns the recorded steps of a run in execution order.
func (d *DB) GetRunSteps(ctx context.Context, runID string) ([]RunStep, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT run_id, step_index, layer, layer_id, old_size_bytes, new_size_bytes, outcome, COALESCE(error, ''), duration_ms
		 FROM run_steps WHERE run_id = ? ORDER BY step_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run steps: %w", err)
	}
	defer rows.Close()

	var steps []RunStep
	for rows.Next() {
		var s RunStep
		if err := rows.Scan(&s.RunID, &s.StepIndex, &s.Layer, &s.LayerID,
			&s.OldSizeBytes, &s.NewSizeBytes, &s.Outcome, &s.Error, &s.DurationMS); err != nil {
			return nil, fmt.Errorf("failed to scan run step: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var finished sql.NullTime
	err := row.Scan(&r.RunID, &r.Device, &r.Op, &r.RequestedDeltaBytes, &r.EffectiveDeltaBytes,
		&r.Status, &r.FinalSizeBytes, &r.Error, &r.StartedAt, &finished)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	if finished.Valid {
		r.FinishedAt = finished.Time
	}
	return &r, nil
}
