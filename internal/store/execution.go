package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/roach88/scenepipe/internal/ir"
)

const executionColumns = `id, activity_id, job_id, queue, status, attempts, error_kind, error_message, environment, args_digest, retries_exhausted, started_at, finished_at`

// RecordPending registers a job that has been enqueued but not yet picked
// up. A record already present for jobID is left untouched.
func (q *Queries) RecordPending(ctx context.Context, activityID int64, jobID, queue string) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO executions (activity_id, job_id, queue, status, attempts, started_at)
		VALUES (?, ?, ?, 'pending', 0, ?)
		ON CONFLICT(job_id) DO NOTHING
	`, activityID, jobID, queue, toMicros(q.now()))
	if err != nil {
		return fmt.Errorf("record pending execution %s: %w", jobID, classify(err))
	}
	return nil
}

// ExecutionStart describes a delivery about to run a stage body.
type ExecutionStart struct {
	ActivityID  int64
	JobID       string
	Queue       string
	Environment map[string]string
	ArgsDigest  string
}

// BeginExecution marks the record for start.JobID as running, incrementing
// its attempt counter, or creates it if the job was never registered.
// A redelivered job reuses its record. Starting a job whose record is
// already terminal is a ValidationError.
func (q *Queries) BeginExecution(ctx context.Context, start ExecutionStart) (ir.ExecutionRecord, error) {
	envJSON, err := marshalEnvironment(start.Environment)
	if err != nil {
		return ir.ExecutionRecord{}, fmt.Errorf("begin execution: %w", err)
	}

	var rec ir.ExecutionRecord
	err = q.atomic(ctx, func(tx querier) error {
		now := toMicros(q.now())
		existing, err := scanExecution(tx.QueryRowContext(ctx,
			`SELECT `+executionColumns+` FROM executions WHERE job_id = ?`, start.JobID))
		switch {
		case err == ErrNotFound:
			result, err := tx.ExecContext(ctx, `
				INSERT INTO executions
				(activity_id, job_id, queue, status, attempts, environment, args_digest, started_at)
				VALUES (?, ?, ?, 'running', 1, ?, ?, ?)
			`, start.ActivityID, start.JobID, start.Queue, envJSON, start.ArgsDigest, now)
			if err != nil {
				return classify(err)
			}
			id, err := result.LastInsertId()
			if err != nil {
				return err
			}
			rec, err = scanExecution(tx.QueryRowContext(ctx,
				`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
			return err
		case err != nil:
			return err
		}

		if existing.ActivityID != start.ActivityID {
			return ir.Invalid("job %s belongs to activity %d, not %d", start.JobID, existing.ActivityID, start.ActivityID)
		}
		if err := ir.CheckTransition(existing.Status, ir.StatusRunning); err != nil {
			return err
		}
		// started_at is kept from the first attempt so history stays ordered
		// by when the job was first run.
		if _, err := tx.ExecContext(ctx, `
			UPDATE executions
			SET status = 'running', attempts = attempts + 1, environment = ?, args_digest = ?,
			    error_kind = '', error_message = '', retries_exhausted = 0,
			    started_at = CASE WHEN status = 'pending' THEN ? ELSE started_at END
			WHERE id = ?
		`, envJSON, start.ArgsDigest, now, existing.ID); err != nil {
			return classify(err)
		}
		rec, err = scanExecution(tx.QueryRowContext(ctx,
			`SELECT `+executionColumns+` FROM executions WHERE id = ?`, existing.ID))
		return err
	})
	if err != nil {
		return ir.ExecutionRecord{}, fmt.Errorf("begin execution %s: %w", start.JobID, err)
	}
	return rec, nil
}

// FinishExecution moves a record to status. Terminal statuses stamp
// finished_at; the schema trigger rejects any later change.
func (q *Queries) FinishExecution(ctx context.Context, recordID int64, status ir.Status, cause error) error {
	return q.finishExecution(ctx, recordID, status, cause, false)
}

// ExhaustExecution records a failure that would have been retried had the
// attempt budget allowed it.
func (q *Queries) ExhaustExecution(ctx context.Context, recordID int64, cause error) error {
	return q.finishExecution(ctx, recordID, ir.StatusFailure, cause, true)
}

func (q *Queries) finishExecution(ctx context.Context, recordID int64, status ir.Status, cause error, exhausted bool) error {
	if !status.Valid() {
		return ir.Invalid("unknown execution status %q", status)
	}
	kind := ir.KindOf(cause)
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	var finishedAt any
	if status.Terminal() {
		finishedAt = toMicros(q.now())
	}

	return q.atomic(ctx, func(tx querier) error {
		var current string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, recordID).Scan(&current); err != nil {
			return fmt.Errorf("finish execution %d: %w", recordID, classify(err))
		}
		if err := ir.CheckTransition(ir.Status(current), status); err != nil {
			return fmt.Errorf("finish execution %d: %w", recordID, err)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE executions
			SET status = ?, error_kind = ?, error_message = ?, retries_exhausted = ?, finished_at = ?
			WHERE id = ?
		`, string(status), string(kind), message, exhausted, finishedAt, recordID)
		if isTerminalTrigger(err) {
			return fmt.Errorf("finish execution %d: %w", recordID, ir.NewError(ir.ValidationError, "execution record is terminal", err))
		}
		if err != nil {
			return fmt.Errorf("finish execution %d: %w", recordID, classify(err))
		}
		return nil
	})
}

// ExecutionByJob returns the record for a queued job id.
func (q *Queries) ExecutionByJob(ctx context.Context, jobID string) (ir.ExecutionRecord, error) {
	rec, err := scanExecution(q.q.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE job_id = ?`, jobID))
	if err != nil {
		return ir.ExecutionRecord{}, fmt.Errorf("execution for job %s: %w", jobID, err)
	}
	return rec, nil
}

// ExecutionsFor returns the execution history of an activity, oldest first.
func (q *Queries) ExecutionsFor(ctx context.Context, activityID int64) ([]ir.ExecutionRecord, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE activity_id = ?
		ORDER BY started_at ASC, id ASC
	`, activityID)
	if err != nil {
		return nil, fmt.Errorf("executions for activity %d: %w", activityID, classify(err))
	}
	defer rows.Close()

	records := []ir.ExecutionRecord{}
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("executions for activity %d: %w", activityID, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return records, nil
}

// Outcome classifies an activity's history.
func (q *Queries) Outcome(ctx context.Context, activityID int64) (ir.Outcome, error) {
	records, err := q.ExecutionsFor(ctx, activityID)
	if err != nil {
		return "", err
	}
	return ir.ClassifyHistory(records), nil
}

func scanExecution(row rowScanner) (ir.ExecutionRecord, error) {
	var (
		rec        ir.ExecutionRecord
		status     string
		kind       string
		envJSON    string
		startedAt  int64
		finishedAt sql.NullInt64
	)
	err := row.Scan(&rec.ID, &rec.ActivityID, &rec.JobID, &rec.Queue, &status, &rec.Attempts,
		&kind, &rec.ErrorMessage, &envJSON, &rec.ArgsDigest, &rec.RetriesExhausted, &startedAt, &finishedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return ir.ExecutionRecord{}, ErrNotFound
		}
		return ir.ExecutionRecord{}, classify(err)
	}
	rec.Status = ir.Status(status)
	rec.ErrorKind = ir.ErrorKind(kind)
	if rec.Environment, err = unmarshalEnvironment(envJSON); err != nil {
		return ir.ExecutionRecord{}, err
	}
	rec.StartedAt = fromMicros(startedAt)
	if finishedAt.Valid {
		t := fromMicros(finishedAt.Int64)
		rec.FinishedAt = &t
	}
	return rec, nil
}

// isTerminalTrigger reports whether err came from the immutability trigger.
func isTerminalTrigger(err error) bool {
	return err != nil && strings.Contains(err.Error(), "execution record is terminal")
}
