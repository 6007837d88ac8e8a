package ir

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyHistory(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := func(id int64, offset time.Duration, st Status, kind ErrorKind) ExecutionRecord {
		return ExecutionRecord{ID: id, StartedAt: t0.Add(offset), Status: st, ErrorKind: kind}
	}
	ran := func(r ExecutionRecord) ExecutionRecord {
		r.Attempts = 1
		return r
	}
	exhausted := func(r ExecutionRecord) ExecutionRecord {
		r.Attempts = 72
		r.RetriesExhausted = true
		return r
	}

	tests := []struct {
		name    string
		records []ExecutionRecord
		want    Outcome
	}{
		{"none", nil, OutcomeNeverAttempted},
		{"running", []ExecutionRecord{rec(1, 0, StatusRunning, KindNone)}, OutcomeInProgress},
		{"retrying", []ExecutionRecord{rec(1, 0, StatusRetry, TemporarilyUnavailable)}, OutcomeInProgress},
		{"success", []ExecutionRecord{rec(1, 0, StatusSuccess, KindNone)}, OutcomeSucceeded},
		{"exhausted", []ExecutionRecord{exhausted(rec(1, 0, StatusFailure, TemporarilyUnavailable))}, OutcomeExhaustedRetries},
		{"retryable kind without budget", []ExecutionRecord{rec(1, 0, StatusFailure, TransientInfra)}, OutcomeTerminalFailure},
		{"enqueued, never picked up", []ExecutionRecord{rec(1, 0, StatusPending, KindNone)}, OutcomeNeverAttempted},
		{
			"restart queued after a failure",
			[]ExecutionRecord{
				ran(rec(1, 0, StatusFailure, ProcessingFailure)),
				rec(2, time.Hour, StatusPending, KindNone),
			},
			OutcomeInProgress,
		},
		{"terminal", []ExecutionRecord{rec(1, 0, StatusFailure, ProcessingFailure)}, OutcomeTerminalFailure},
		{
			"latest wins regardless of order",
			[]ExecutionRecord{
				rec(2, time.Hour, StatusSuccess, KindNone),
				rec(1, 0, StatusFailure, ProcessingFailure),
			},
			OutcomeSucceeded,
		},
		{
			"id breaks timestamp ties",
			[]ExecutionRecord{
				rec(5, 0, StatusFailure, ConfigurationError),
				rec(4, 0, StatusSuccess, KindNone),
			},
			OutcomeTerminalFailure,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyHistory(tt.records))
		})
	}
}

func TestCheckTransition(t *testing.T) {
	assert.NoError(t, CheckTransition(StatusRunning, StatusSuccess))
	assert.NoError(t, CheckTransition(StatusRetry, StatusRunning))

	err := CheckTransition(StatusSuccess, StatusRunning)
	require.Error(t, err)
	assert.Equal(t, ValidationError, KindOf(err))
	assert.Error(t, CheckTransition(StatusFailure, StatusSuccess))
	assert.Error(t, CheckTransition(StatusPending, Status("bogus")))
}

func TestErrorKinds(t *testing.T) {
	base := errors.New("boom")
	wrapped := fmt.Errorf("stage body: %w", Offline("X1", base))

	assert.Equal(t, TemporarilyUnavailable, KindOf(wrapped))
	assert.True(t, KindOf(wrapped).Retryable())
	assert.ErrorIs(t, wrapped, base)
	assert.True(t, IsKind(wrapped, TemporarilyUnavailable))

	assert.Equal(t, ProcessingFailure, KindOf(base))
	assert.Equal(t, KindNone, KindOf(nil))
	assert.False(t, IsKind(nil, KindNone))
	assert.False(t, ValidationError.Retryable())
	assert.True(t, TransientInfra.Retryable())

	assert.Equal(t, "CONFIGURATION_ERROR: no providers for collection 3", Misconfigured("no providers for collection %d", 3).Error())
}
