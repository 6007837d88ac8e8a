package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/roach88/scenepipe/internal/ir"
)

// Message attributes carried alongside the encoded task.
const (
	attrJobID     = "job_id"
	attrAttempt   = "attempt"
	attrNotBefore = "not_before"
)

// PubSubBroker maps each stage queue to a topic and a subscription with the
// same id, prefixed by the configured topic prefix.
//
// Pub/Sub cannot delay a message, so delayed and redelivered messages carry
// a not_before attribute and Receive holds them until they are due. The
// client library extends the ack deadline meanwhile.
type PubSubBroker struct {
	client *pubsub.Client
	prefix string
	logger *slog.Logger

	outstanding int

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	subs   map[string]chan *pubsub.Message
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// PubSubOption configures a PubSubBroker.
type PubSubOption func(*PubSubBroker)

// WithTopicPrefix prefixes every topic and subscription id.
func WithTopicPrefix(prefix string) PubSubOption {
	return func(b *PubSubBroker) {
		b.prefix = prefix
	}
}

// WithMaxOutstanding bounds unsettled messages per subscription.
func WithMaxOutstanding(n int) PubSubOption {
	return func(b *PubSubBroker) {
		if n > 0 {
			b.outstanding = n
		}
	}
}

// WithPubSubLogger sets the broker logger.
func WithPubSubLogger(l *slog.Logger) PubSubOption {
	return func(b *PubSubBroker) {
		b.logger = l
	}
}

// NewPubSubBroker creates a broker over client. Close stops the receivers
// but does not close the client.
func NewPubSubBroker(client *pubsub.Client, opts ...PubSubOption) *PubSubBroker {
	ctx, cancel := context.WithCancel(context.Background())
	b := &PubSubBroker{
		client:      client,
		logger:      slog.Default(),
		outstanding: 10,
		topics:      make(map[string]*pubsub.Topic),
		subs:        make(map[string]chan *pubsub.Message),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "pubsub-broker")
	return b
}

func (b *PubSubBroker) id(queue string) string {
	return b.prefix + queue
}

// EnsureQueues creates the topic and subscription of each queue if missing.
func (b *PubSubBroker) EnsureQueues(ctx context.Context, queues ...string) error {
	for _, queue := range queues {
		id := b.id(queue)
		topic := b.client.Topic(id)
		exists, err := topic.Exists(ctx)
		if err != nil {
			return fmt.Errorf("check topic %s: %w", id, err)
		}
		if !exists {
			if topic, err = b.client.CreateTopic(ctx, id); err != nil {
				return fmt.Errorf("create topic %s: %w", id, err)
			}
		}

		sub := b.client.Subscription(id)
		exists, err = sub.Exists(ctx)
		if err != nil {
			return fmt.Errorf("check subscription %s: %w", id, err)
		}
		if !exists {
			_, err = b.client.CreateSubscription(ctx, id, pubsub.SubscriptionConfig{
				Topic:       topic,
				AckDeadline: time.Minute,
			})
			if err != nil {
				return fmt.Errorf("create subscription %s: %w", id, err)
			}
		}
	}
	return nil
}

func (b *PubSubBroker) topic(queue string) *pubsub.Topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[queue]
	if !ok {
		t = b.client.Topic(b.id(queue))
		b.topics[queue] = t
	}
	return t
}

func (b *PubSubBroker) publish(ctx context.Context, queue string, body []byte, attrs map[string]string) error {
	res := b.topic(queue).Publish(ctx, &pubsub.Message{Data: body, Attributes: attrs})
	if _, err := res.Get(ctx); err != nil {
		return ir.Transient(fmt.Sprintf("publish to %s", b.id(queue)), err)
	}
	return nil
}

// Publish implements Broker.
func (b *PubSubBroker) Publish(ctx context.Context, queue string, msg ir.TaskMessage, opts PublishOptions) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}
	body, err := ir.EncodeMessage(msg)
	if err != nil {
		return "", err
	}
	jobID := jobIDFor(opts)
	attrs := map[string]string{attrJobID: jobID, attrAttempt: "1"}
	if opts.Delay > 0 {
		attrs[attrNotBefore] = time.Now().Add(opts.Delay).UTC().Format(time.RFC3339Nano)
	}
	if err := b.publish(ctx, queue, body, attrs); err != nil {
		return "", err
	}
	return jobID, nil
}

// messages starts the receiver of queue on first use.
func (b *PubSubBroker) messages(queue string) (chan *pubsub.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx.Err() != nil {
		return nil, ErrClosed
	}
	ch, ok := b.subs[queue]
	if ok {
		return ch, nil
	}

	ch = make(chan *pubsub.Message)
	b.subs[queue] = ch
	sub := b.client.Subscription(b.id(queue))
	sub.ReceiveSettings.MaxOutstandingMessages = b.outstanding

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		err := sub.Receive(b.ctx, func(ctx context.Context, m *pubsub.Message) {
			select {
			case ch <- m:
			case <-ctx.Done():
				m.Nack()
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Error("subscription receive stopped", "queue", queue, "error", err)
		}
	}()
	return ch, nil
}

// Receive implements Broker.
func (b *PubSubBroker) Receive(ctx context.Context, queue string) (*Delivery, error) {
	ch, err := b.messages(queue)
	if err != nil {
		return nil, err
	}

	var m *pubsub.Message
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.ctx.Done():
		return nil, ErrClosed
	case m = <-ch:
	}

	if raw, ok := m.Attributes[attrNotBefore]; ok {
		if due, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			if wait := time.Until(due); wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					m.Nack()
					return nil, ctx.Err()
				case <-t.C:
				}
			}
		}
	}

	jobID := m.Attributes[attrJobID]
	if jobID == "" {
		jobID = m.ID
	}
	attempt, err := strconv.Atoi(m.Attributes[attrAttempt])
	if err != nil || attempt < 1 {
		attempt = 1
	}
	return &Delivery{JobID: jobID, Queue: queue, Attempt: attempt, Body: m.Data, handle: m}, nil
}

func pubsubMessage(d *Delivery) (*pubsub.Message, error) {
	m, ok := d.handle.(*pubsub.Message)
	if !ok {
		return nil, fmt.Errorf("delivery %s was not received from a pubsub broker", d.JobID)
	}
	return m, nil
}

// Ack implements Broker.
func (b *PubSubBroker) Ack(_ context.Context, d *Delivery) error {
	m, err := pubsubMessage(d)
	if err != nil {
		return err
	}
	m.Ack()
	return nil
}

// Reject acknowledges the message so it is never redelivered. Pub/Sub keeps
// no dead state, so the reason is only logged.
func (b *PubSubBroker) Reject(_ context.Context, d *Delivery, reason string) error {
	m, err := pubsubMessage(d)
	if err != nil {
		return err
	}
	b.logger.Warn("message rejected", "queue", d.Queue, "job_id", d.JobID, "reason", reason)
	m.Ack()
	return nil
}

// Redeliver republishes the body under the same job id and acknowledges the
// original only once the copy is durable.
func (b *PubSubBroker) Redeliver(ctx context.Context, d *Delivery, delay time.Duration, reason string) error {
	m, err := pubsubMessage(d)
	if err != nil {
		return err
	}
	attrs := map[string]string{
		attrJobID:     d.JobID,
		attrAttempt:   strconv.Itoa(d.Attempt + 1),
		attrNotBefore: time.Now().Add(delay).UTC().Format(time.RFC3339Nano),
	}
	if err := b.publish(ctx, d.Queue, d.Body, attrs); err != nil {
		m.Nack()
		return fmt.Errorf("redeliver %s: %w", d.JobID, err)
	}
	b.logger.Debug("message redelivered", "queue", d.Queue, "job_id", d.JobID, "delay", delay, "reason", reason)
	m.Ack()
	return nil
}

// Depth is not available through the Pub/Sub data plane.
func (b *PubSubBroker) Depth(context.Context, string) (int, error) {
	return 0, fmt.Errorf("pubsub queue depth: %w", errors.ErrUnsupported)
}

// Close stops every receiver and flushes pending publishes.
func (b *PubSubBroker) Close() error {
	b.cancel()
	b.wg.Wait()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.topics {
		t.Stop()
	}
	return nil
}
