package engine

import (
	"slices"
	"time"

	"github.com/roach88/scenepipe/internal/ir"
)

// DefaultRetryDelay is the fixed delay between automatic retries.
const DefaultRetryDelay = time.Hour

// StagePolicy holds the retry tunables of one stage.
type StagePolicy struct {
	// MaxAttempts bounds the runs of one job, the first included.
	MaxAttempts int
	// Delay is the fixed wait before a retry is delivered.
	Delay time.Duration
	// RetryOn lists the error kinds eligible for automatic retry.
	RetryOn []ir.ErrorKind
}

// Policy is the retry policy of every stage.
type Policy struct {
	Default StagePolicy
	Stages  map[ir.ActivityType]StagePolicy
}

// DefaultPolicy retries downloads for a long horizon while the scene is
// offline and publishes briefly on infrastructure contention. Every other
// stage fails on the first error.
func DefaultPolicy(delay time.Duration) Policy {
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	return Policy{
		Default: StagePolicy{MaxAttempts: 1, Delay: delay},
		Stages: map[ir.ActivityType]StagePolicy{
			ir.ActivityDownload: {MaxAttempts: 72, Delay: delay, RetryOn: []ir.ErrorKind{ir.TemporarilyUnavailable}},
			ir.ActivityPublish:  {MaxAttempts: 3, Delay: delay, RetryOn: []ir.ErrorKind{ir.TransientInfra}},
		},
	}
}

// For returns the policy of stage t.
func (p Policy) For(t ir.ActivityType) StagePolicy {
	if sp, ok := p.Stages[t]; ok {
		return sp
	}
	return p.Default
}

// Decision is the outcome of a failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
	// Exhausted is set when the error was eligible for retry but the
	// stage's attempt budget, larger than one run, is used up.
	Exhausted bool
}

// Decide reports whether a job of stage t that failed with err on its
// attempts-th run is retried. Kinds that are never retryable
// (validation, configuration, processing) are terminal even when listed.
func (p Policy) Decide(t ir.ActivityType, err error, attempts int) Decision {
	sp := p.For(t)
	kind := ir.KindOf(err)
	if !kind.Retryable() || !slices.Contains(sp.RetryOn, kind) {
		return Decision{}
	}
	if attempts >= sp.MaxAttempts {
		return Decision{Exhausted: sp.MaxAttempts > 1}
	}
	return Decision{Retry: true, Delay: sp.Delay}
}
