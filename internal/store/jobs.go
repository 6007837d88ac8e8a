package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// JobState is the lifecycle state of a row in the durable queue.
type JobState string

const (
	JobReady   JobState = "ready"
	JobClaimed JobState = "claimed"
	JobDone    JobState = "done"
	JobDead    JobState = "dead"
)

// Job is one message on a durable stage queue.
type Job struct {
	ID         string
	Queue      string
	Payload    []byte
	State      JobState
	Attempt    int
	NotBefore  time.Time
	ClaimToken string
	LastError  string
	EnqueuedAt time.Time
}

const jobColumns = `id, queue, payload, state, attempt, not_before, COALESCE(claim_token, ''), last_error, enqueued_at`

// EnqueueJob inserts a ready job. Enqueueing an id that already exists is a
// no-op, so a publisher retrying after a lost acknowledgement cannot
// duplicate a message.
func (q *Queries) EnqueueJob(ctx context.Context, id, queue string, payload []byte, notBefore time.Time) error {
	now := toMicros(q.now())
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO jobs (id, queue, payload, state, attempt, not_before, last_error, enqueued_at, updated_at)
		VALUES (?, ?, ?, 'ready', 1, ?, '', ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, queue, string(payload), toMicros(notBefore), now, now)
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", id, classify(err))
	}
	return nil
}

// ClaimJob hands the oldest due ready job of queue to the caller under
// token. ok is false when nothing is due.
func (q *Queries) ClaimJob(ctx context.Context, queue, token string) (job Job, ok bool, err error) {
	err = q.atomic(ctx, func(tx querier) error {
		now := toMicros(q.now())
		var id string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM jobs
			WHERE queue = ? AND state = 'ready' AND not_before <= ?
			ORDER BY not_before ASC, enqueued_at ASC, id ASC
			LIMIT 1
		`, queue, now).Scan(&id)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return classify(err)
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE jobs SET state = 'claimed', claim_token = ?, claimed_at = ?, updated_at = ?
			WHERE id = ? AND state = 'ready'
		`, token, now, now, id)
		if err != nil {
			return classify(err)
		}
		if n, err := result.RowsAffected(); err != nil || n == 0 {
			return err
		}

		job, err = scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
		if err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return Job{}, false, fmt.Errorf("claim job on %s: %w", queue, err)
	}
	return job, ok, nil
}

// CompleteJob marks a claimed job done. A stale token (the job was
// reclaimed by the janitor and handed to someone else) is reported as
// ErrNotFound.
func (q *Queries) CompleteJob(ctx context.Context, id, token string) error {
	return q.settleJob(ctx, `
		UPDATE jobs SET state = 'done', claim_token = NULL, updated_at = ?
		WHERE id = ? AND state = 'claimed' AND claim_token = ?
	`, toMicros(q.now()), id, token)
}

// KillJob marks a claimed job dead after an unrecoverable error.
func (q *Queries) KillJob(ctx context.Context, id, token, reason string) error {
	return q.settleJob(ctx, `
		UPDATE jobs SET state = 'dead', claim_token = NULL, last_error = ?, updated_at = ?
		WHERE id = ? AND state = 'claimed' AND claim_token = ?
	`, reason, toMicros(q.now()), id, token)
}

// RescheduleJob puts a claimed job back on its queue under the same id,
// due at notBefore, with its attempt counter incremented.
func (q *Queries) RescheduleJob(ctx context.Context, id, token string, notBefore time.Time, reason string) error {
	return q.settleJob(ctx, `
		UPDATE jobs
		SET state = 'ready', claim_token = NULL, claimed_at = NULL, attempt = attempt + 1,
		    not_before = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND state = 'claimed' AND claim_token = ?
	`, toMicros(notBefore), reason, toMicros(q.now()), id, token)
}

func (q *Queries) settleJob(ctx context.Context, query string, args ...any) error {
	result, err := q.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("settle job: %w", classify(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("settle job: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("settle job: claim lost: %w", ErrNotFound)
	}
	return nil
}

// ReclaimStaleJobs returns jobs claimed longer than visibility ago to the
// ready state. Their consumer is presumed dead.
func (q *Queries) ReclaimStaleJobs(ctx context.Context, visibility time.Duration) (int, error) {
	now := q.now()
	result, err := q.q.ExecContext(ctx, `
		UPDATE jobs SET state = 'ready', claim_token = NULL, claimed_at = NULL, updated_at = ?
		WHERE state = 'claimed' AND claimed_at <= ?
	`, toMicros(now), toMicros(now.Add(-visibility)))
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", classify(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return int(n), nil
}

// QueueDepth counts jobs waiting on queue, due or delayed.
func (q *Queries) QueueDepth(ctx context.Context, queue string) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE queue = ? AND state = 'ready'`, queue).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth of %s: %w", queue, classify(err))
	}
	return n, nil
}

// GetJob returns a job by id.
func (q *Queries) GetJob(ctx context.Context, id string) (Job, error) {
	job, err := scanJob(q.q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

func scanJob(row rowScanner) (Job, error) {
	var (
		job        Job
		payload    string
		state      string
		notBefore  int64
		enqueuedAt int64
	)
	err := row.Scan(&job.ID, &job.Queue, &payload, &state, &job.Attempt, &notBefore, &job.ClaimToken, &job.LastError, &enqueuedAt)
	if err != nil {
		return Job{}, classify(err)
	}
	job.Payload = []byte(payload)
	job.State = JobState(state)
	job.NotBefore = fromMicros(notBefore)
	job.EnqueuedAt = fromMicros(enqueuedAt)
	return job, nil
}
