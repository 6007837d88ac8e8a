package ir

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of an ExecutionRecord.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	// StatusRetry means the last attempt failed with a retryable error and the
	// job has been redelivered with the same job id.
	StatusRetry Status = "retry"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// Valid reports whether s is a declared status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusRetry, StatusSuccess, StatusFailure:
		return true
	}
	return false
}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", Invalid("unknown execution status %q", s)
	}
	return st, nil
}

// ExecutionRecord is one queued job's attempt history for an Activity.
// A retry redelivers the same job id, so the same record is reused and
// Attempts is incremented; a restart gets a new job id and a new record.
type ExecutionRecord struct {
	ID               int64             `json:"id"`
	ActivityID       int64             `json:"activity_id"`
	JobID            string            `json:"job_id"`
	Queue            string            `json:"queue"`
	Status           Status            `json:"status"`
	Attempts         int               `json:"attempts"`
	ErrorKind        ErrorKind         `json:"error_kind,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	Environment      map[string]string `json:"environment,omitempty"`
	ArgsDigest       string            `json:"args_digest,omitempty"`
	// RetriesExhausted marks a failure whose kind was eligible for retry
	// but whose attempt budget had run out.
	RetriesExhausted bool              `json:"retries_exhausted,omitempty"`
	StartedAt        time.Time         `json:"started_at"`
	FinishedAt       *time.Time        `json:"finished_at,omitempty"`
}

// Outcome summarizes an Activity's execution history for restart decisions.
type Outcome string

const (
	OutcomeNeverAttempted   Outcome = "never_attempted"
	OutcomeInProgress       Outcome = "in_progress"
	OutcomeSucceeded        Outcome = "succeeded"
	OutcomeExhaustedRetries Outcome = "exhausted_retries"
	OutcomeTerminalFailure  Outcome = "terminal_failure"
)

// ClassifyHistory derives the Outcome from the execution records of one
// activity. Records may be in any order; the most recently started one
// decides. Jobs that were enqueued but never run leave the activity
// never attempted until one of them starts.
func ClassifyHistory(records []ExecutionRecord) Outcome {
	if len(records) == 0 {
		return OutcomeNeverAttempted
	}
	latest := records[0]
	for _, rec := range records[1:] {
		if rec.StartedAt.After(latest.StartedAt) ||
			(rec.StartedAt.Equal(latest.StartedAt) && rec.ID > latest.ID) {
			latest = rec
		}
	}
	switch latest.Status {
	case StatusSuccess:
		return OutcomeSucceeded
	case StatusFailure:
		if latest.RetriesExhausted {
			return OutcomeExhaustedRetries
		}
		return OutcomeTerminalFailure
	case StatusPending:
		for _, rec := range records {
			if rec.Attempts > 0 {
				return OutcomeInProgress
			}
		}
		return OutcomeNeverAttempted
	default:
		return OutcomeInProgress
	}
}

// CheckTransition rejects any change to a record that already reached a
// terminal status.
func CheckTransition(from, to Status) error {
	if from.Terminal() {
		return NewError(ValidationError,
			fmt.Sprintf("execution record is %s and cannot move to %s", from, to), nil)
	}
	if !to.Valid() {
		return Invalid("unknown execution status %q", to)
	}
	return nil
}
