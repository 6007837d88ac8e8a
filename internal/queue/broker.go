package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/scenepipe/internal/ir"
)

// ErrClosed is returned by Receive after the broker is closed.
var ErrClosed = errors.New("queue: broker closed")

// Broker moves task messages between dispatchers and stage workers.
type Broker interface {
	// Publish enqueues msg on queue and returns its job id.
	Publish(ctx context.Context, queue string, msg ir.TaskMessage, opts PublishOptions) (string, error)

	// Receive blocks until a message is due on queue or ctx is done.
	Receive(ctx context.Context, queue string) (*Delivery, error)

	// Ack settles a delivery as processed.
	Ack(ctx context.Context, d *Delivery) error

	// Reject settles a delivery as dead. It is never redelivered.
	Reject(ctx context.Context, d *Delivery, reason string) error

	// Redeliver settles a delivery by scheduling the same job id again
	// after delay, with its attempt number incremented.
	Redeliver(ctx context.Context, d *Delivery, delay time.Duration, reason string) error

	// Depth returns the number of messages waiting on queue.
	Depth(ctx context.Context, queue string) (int, error)

	Close() error
}

// PublishOptions tunes a single Publish call.
type PublishOptions struct {
	// JobID overrides the generated job id. Publishing an id that is
	// already queued is a no-op on brokers that can detect it.
	JobID string

	// Delay postpones the first delivery.
	Delay time.Duration
}

// Delivery is one received message.
type Delivery struct {
	JobID   string
	Queue   string
	Attempt int
	Body    []byte

	// handle carries broker-specific settlement state.
	handle any
}

// Message decodes and validates the delivery body.
func (d *Delivery) Message() (ir.TaskMessage, error) {
	return ir.DecodeMessage(d.Body)
}

// NewJobID returns a time-ordered job id.
func NewJobID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// DerivedJobID returns the job id of the successor at plan node of job
// parent. Re-publishing the successors of a redelivered job yields the same
// ids, so brokers that dedup job ids never run a successor twice.
func DerivedJobID(parent string, node int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(parent+"#"+strconv.Itoa(node))).String()
}

func jobIDFor(opts PublishOptions) string {
	if opts.JobID != "" {
		return opts.JobID
	}
	return NewJobID()
}
