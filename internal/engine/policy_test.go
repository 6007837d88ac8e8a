package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/scenepipe/internal/ir"
)

func TestPolicy_Decide(t *testing.T) {
	p := DefaultPolicy(time.Minute)
	offline := ir.Offline("S1", nil)
	contention := ir.Transient("database is locked", nil)

	tests := []struct {
		name     string
		stage    ir.ActivityType
		err      error
		attempts int
		want     Decision
	}{
		{"download offline", ir.ActivityDownload, offline, 1, Decision{Retry: true, Delay: time.Minute}},
		{"download offline last attempt", ir.ActivityDownload, offline, 72, Decision{Exhausted: true}},
		{"download contention", ir.ActivityDownload, contention, 1, Decision{}},
		{"publish contention", ir.ActivityPublish, contention, 2, Decision{Retry: true, Delay: time.Minute}},
		{"publish contention exhausted", ir.ActivityPublish, contention, 3, Decision{Exhausted: true}},
		{"upload contention", ir.ActivityUpload, contention, 1, Decision{}},
		{"publish offline", ir.ActivityPublish, offline, 1, Decision{}},
		{"correction offline", ir.ActivityCorrection, offline, 1, Decision{}},
		{"validation", ir.ActivityDownload, ir.Invalid("bad scene"), 1, Decision{}},
		{"unclassified", ir.ActivityDownload, errors.New("exit status 1"), 1, Decision{}},
		{"wrapped offline", ir.ActivityDownload, errors.Join(errors.New("usgs"), offline), 1, Decision{Retry: true, Delay: time.Minute}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Decide(tt.stage, tt.err, tt.attempts))
		})
	}
}

func TestPolicy_NonRetryableKindNeverRetried(t *testing.T) {
	p := Policy{Default: StagePolicy{
		MaxAttempts: 10,
		RetryOn:     []ir.ErrorKind{ir.ProcessingFailure, ir.ConfigurationError},
	}}
	assert.False(t, p.Decide(ir.ActivityUpload, ir.Failed("boom", nil), 1).Retry)
	assert.False(t, p.Decide(ir.ActivityUpload, ir.Misconfigured("no bucket"), 1).Retry)
}

func TestPolicy_SingleRunBudgetIsNotExhausted(t *testing.T) {
	p := Policy{Default: StagePolicy{MaxAttempts: 1, RetryOn: []ir.ErrorKind{ir.TransientInfra}}}
	assert.Equal(t, Decision{}, p.Decide(ir.ActivityUpload, ir.Transient("bucket busy", nil), 1))
}

func TestDefaultPolicy_DelayFallback(t *testing.T) {
	p := DefaultPolicy(0)
	assert.Equal(t, DefaultRetryDelay, p.For(ir.ActivityDownload).Delay)
	assert.Equal(t, 1, p.For(ir.ActivityHarmonization).MaxAttempts)
}
