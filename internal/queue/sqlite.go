package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/scenepipe/internal/ir"
	"github.com/roach88/scenepipe/internal/store"
)

// DefaultPollInterval is how often an idle SQLiteBroker re-checks a queue.
const DefaultPollInterval = 500 * time.Millisecond

// SQLiteBroker keeps stage queues in the jobs table of the shared store.
// Several worker processes may consume the same file.
type SQLiteBroker struct {
	store  *store.Store
	poll   time.Duration
	logger *slog.Logger
	done   chan struct{}
	once   sync.Once
}

// SQLiteOption configures a SQLiteBroker.
type SQLiteOption func(*SQLiteBroker)

// WithPollInterval sets how long Receive sleeps between empty claims.
func WithPollInterval(d time.Duration) SQLiteOption {
	return func(b *SQLiteBroker) {
		if d > 0 {
			b.poll = d
		}
	}
}

// WithSQLiteLogger sets the broker logger.
func WithSQLiteLogger(l *slog.Logger) SQLiteOption {
	return func(b *SQLiteBroker) {
		b.logger = l
	}
}

// NewSQLiteBroker creates a broker over s. The store is not closed by
// the broker.
func NewSQLiteBroker(s *store.Store, opts ...SQLiteOption) *SQLiteBroker {
	b := &SQLiteBroker{
		store:  s,
		poll:   DefaultPollInterval,
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "sqlite-broker")
	return b
}

// Publish implements Broker.
func (b *SQLiteBroker) Publish(ctx context.Context, queue string, msg ir.TaskMessage, opts PublishOptions) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}
	body, err := ir.EncodeMessage(msg)
	if err != nil {
		return "", err
	}
	jobID := jobIDFor(opts)
	if err := b.store.EnqueueJob(ctx, jobID, queue, body, b.store.Now().Add(opts.Delay)); err != nil {
		return "", fmt.Errorf("publish to %s: %w", queue, err)
	}
	return jobID, nil
}

// Receive implements Broker.
func (b *SQLiteBroker) Receive(ctx context.Context, queue string) (*Delivery, error) {
	for {
		select {
		case <-b.done:
			return nil, ErrClosed
		default:
		}

		token := NewJobID()
		job, ok, err := b.store.ClaimJob(ctx, queue, token)
		if err != nil {
			if !ir.IsKind(err, ir.TransientInfra) {
				return nil, err
			}
			b.logger.Debug("claim contended", "queue", queue, "error", err)
		}
		if ok {
			return &Delivery{
				JobID:   job.ID,
				Queue:   job.Queue,
				Attempt: job.Attempt,
				Body:    job.Payload,
				handle:  token,
			}, nil
		}

		t := time.NewTimer(b.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-b.done:
			t.Stop()
			return nil, ErrClosed
		case <-t.C:
		}
	}
}

func claimToken(d *Delivery) (string, error) {
	token, ok := d.handle.(string)
	if !ok || token == "" {
		return "", fmt.Errorf("delivery %s was not received from a sqlite broker", d.JobID)
	}
	return token, nil
}

// Ack implements Broker.
func (b *SQLiteBroker) Ack(ctx context.Context, d *Delivery) error {
	token, err := claimToken(d)
	if err != nil {
		return err
	}
	return b.store.CompleteJob(ctx, d.JobID, token)
}

// Reject implements Broker.
func (b *SQLiteBroker) Reject(ctx context.Context, d *Delivery, reason string) error {
	token, err := claimToken(d)
	if err != nil {
		return err
	}
	return b.store.KillJob(ctx, d.JobID, token, reason)
}

// Redeliver implements Broker.
func (b *SQLiteBroker) Redeliver(ctx context.Context, d *Delivery, delay time.Duration, reason string) error {
	token, err := claimToken(d)
	if err != nil {
		return err
	}
	return b.store.RescheduleJob(ctx, d.JobID, token, b.store.Now().Add(delay), reason)
}

// Depth implements Broker.
func (b *SQLiteBroker) Depth(ctx context.Context, queue string) (int, error) {
	return b.store.QueueDepth(ctx, queue)
}

// Close stops blocked receivers. Safe to call more than once.
func (b *SQLiteBroker) Close() error {
	b.once.Do(func() { close(b.done) })
	return nil
}
