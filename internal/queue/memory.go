package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/scenepipe/internal/ir"
)

// entry is one message waiting on an in-memory queue.
type entry struct {
	jobID   string
	body    []byte
	attempt int
	due     time.Time
}

// memoryQueue is a thread-safe FIFO with delayed entries.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in Receive. The buffer of 1 coalesces multiple signals.
type memoryQueue struct {
	entries []entry
	signal  chan struct{}
}

// MemoryBroker is an in-process Broker. It is unbounded and loses
// everything on exit.
type MemoryBroker struct {
	mu       sync.Mutex
	queues   map[string]*memoryQueue
	inflight map[string]entry
	closed   bool
	done     chan struct{}
	now      func() time.Time
}

// MemoryOption configures a MemoryBroker.
type MemoryOption func(*MemoryBroker)

// WithMemoryClock overrides the clock used to decide when delayed entries
// become due.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(b *MemoryBroker) {
		b.now = now
	}
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker(opts ...MemoryOption) *MemoryBroker {
	b := &MemoryBroker{
		queues:   make(map[string]*memoryQueue),
		inflight: make(map[string]entry),
		done:     make(chan struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// queueLocked returns the named queue, creating it on first use.
// Caller must hold b.mu.
func (b *MemoryBroker) queueLocked(name string) *memoryQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memoryQueue{
			entries: make([]entry, 0, 64),
			signal:  make(chan struct{}, 1),
		}
		b.queues[name] = q
	}
	return q
}

// queuedLocked reports whether jobID is waiting or in flight anywhere.
func (b *MemoryBroker) queuedLocked(jobID string) bool {
	if _, ok := b.inflight[jobID]; ok {
		return true
	}
	for _, q := range b.queues {
		for _, e := range q.entries {
			if e.jobID == jobID {
				return true
			}
		}
	}
	return false
}

func (b *MemoryBroker) pushLocked(name string, e entry) {
	q := b.queueLocked(name)
	q.entries = append(q.entries, e)
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Publish implements Broker.
func (b *MemoryBroker) Publish(ctx context.Context, queue string, msg ir.TaskMessage, opts PublishOptions) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}
	body, err := ir.EncodeMessage(msg)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}
	jobID := jobIDFor(opts)
	if b.queuedLocked(jobID) {
		return jobID, nil
	}
	b.pushLocked(queue, entry{jobID: jobID, body: body, attempt: 1, due: b.now().Add(opts.Delay)})
	return jobID, nil
}

// tryReceive pops the first due entry. wait is the time until the next
// delayed entry becomes due, or zero when none is waiting.
func (b *MemoryBroker) tryReceive(name string) (d *Delivery, signal <-chan struct{}, wait time.Duration, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, 0, ErrClosed
	}
	q := b.queueLocked(name)
	now := b.now()
	for i, e := range q.entries {
		if e.due.After(now) {
			if until := e.due.Sub(now); wait == 0 || until < wait {
				wait = until
			}
			continue
		}
		q.entries = append(q.entries[:i:i], q.entries[i+1:]...)
		b.inflight[e.jobID] = e
		return &Delivery{JobID: e.jobID, Queue: name, Attempt: e.attempt, Body: e.body}, nil, 0, nil
	}
	return nil, q.signal, wait, nil
}

// Receive implements Broker.
func (b *MemoryBroker) Receive(ctx context.Context, queue string) (*Delivery, error) {
	for {
		d, signal, wait, err := b.tryReceive(queue)
		if err != nil || d != nil {
			return d, err
		}

		var timer *time.Timer
		var due <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			due = timer.C
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-b.done:
			err = ErrClosed
		case <-signal:
		case <-due:
		}
		if timer != nil {
			timer.Stop()
		}
		if err != nil {
			return nil, err
		}
	}
}

func (b *MemoryBroker) settle(d *Delivery) (entry, error) {
	e, ok := b.inflight[d.JobID]
	if !ok {
		return entry{}, fmt.Errorf("settle %s: delivery not in flight", d.JobID)
	}
	delete(b.inflight, d.JobID)
	return e, nil
}

// Ack implements Broker.
func (b *MemoryBroker) Ack(_ context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.settle(d)
	return err
}

// Reject implements Broker.
func (b *MemoryBroker) Reject(_ context.Context, d *Delivery, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.settle(d)
	return err
}

// Redeliver implements Broker.
func (b *MemoryBroker) Redeliver(_ context.Context, d *Delivery, delay time.Duration, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, err := b.settle(d)
	if err != nil {
		return err
	}
	e.attempt++
	e.due = b.now().Add(delay)
	b.pushLocked(d.Queue, e)
	return nil
}

// Depth implements Broker.
func (b *MemoryBroker) Depth(_ context.Context, queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queueLocked(queue).entries), nil
}

// Idle reports whether nothing is waiting or in flight on any queue.
func (b *MemoryBroker) Idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.inflight) > 0 {
		return false
	}
	for _, q := range b.queues {
		if len(q.entries) > 0 {
			return false
		}
	}
	return true
}

// Close wakes every blocked Receive. Safe to call more than once.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}
