// Package metrics exposes Prometheus metrics for workers, the lock pool
// and the provider resolver.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scenepipe"

// Metrics holds every collector scenepipe registers.
type Metrics struct {
	registry *prometheus.Registry

	messages       *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	retries        *prometheus.CounterVec
	successors     *prometheus.CounterVec
	lockWait       *prometheus.HistogramVec
	lockHeld       *prometheus.GaugeVec
	lockForceClear *prometheus.CounterVec
	providerTries  *prometheus.CounterVec
	queueDepth     *prometheus.GaugeVec
}

// New creates and registers the scenepipe collectors on a fresh registry,
// together with the standard Go and process collectors.
func New() (*Metrics, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("registering go collector: %w", err)
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("registering process collector: %w", err)
	}

	m := &Metrics{
		registry: reg,
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Stage messages processed, by queue and outcome.",
		}, []string{"queue", "outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time spent in stage bodies.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
		}, []string{"queue"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Messages redelivered by the retry policy, by error kind.",
		}, []string{"queue", "kind"}),
		successors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "successors_enqueued_total",
			Help:      "Successor stages enqueued after a successful stage.",
		}, []string{"queue"}),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for a free account slot.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"pool"}),
		lockHeld: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lock_slots_held",
			Help:      "Account slots currently held by this process.",
		}, []string{"pool"}),
		lockForceClear: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_mutex_force_clears_total",
			Help:      "Times the pool mutex was force cleared as abandoned.",
		}, []string{"pool"}),
		providerTries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Acquire attempts against data providers, by result.",
		}, []string{"provider", "result"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Messages waiting on a stage queue.",
		}, []string{"queue"}),
	}

	for _, c := range []prometheus.Collector{
		m.messages, m.stageDuration, m.retries, m.successors,
		m.lockWait, m.lockHeld, m.lockForceClear, m.providerTries, m.queueDepth,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering collector: %w", err)
		}
	}
	return m, nil
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// MessageProcessed records one settled message.
func (m *Metrics) MessageProcessed(queue, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(queue, outcome).Inc()
	m.stageDuration.WithLabelValues(queue).Observe(elapsed.Seconds())
}

// Retried records a redelivery.
func (m *Metrics) Retried(queue, kind string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(queue, kind).Inc()
}

// SuccessorsEnqueued records successors published after a stage.
func (m *Metrics) SuccessorsEnqueued(queue string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.successors.WithLabelValues(queue).Add(float64(n))
}

// LockAcquired records the wait before a slot was granted.
func (m *Metrics) LockAcquired(pool string, waited time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.WithLabelValues(pool).Observe(waited.Seconds())
	m.lockHeld.WithLabelValues(pool).Inc()
}

// LockReleased records a returned slot.
func (m *Metrics) LockReleased(pool string) {
	if m == nil {
		return
	}
	m.lockHeld.WithLabelValues(pool).Dec()
}

// MutexForceCleared records a force clear of the pool mutex.
func (m *Metrics) MutexForceCleared(pool string) {
	if m == nil {
		return
	}
	m.lockForceClear.WithLabelValues(pool).Inc()
}

// ProviderAttempt records one provider call.
func (m *Metrics) ProviderAttempt(provider, result string) {
	if m == nil {
		return
	}
	m.providerTries.WithLabelValues(provider, result).Inc()
}

// SetQueueDepth publishes the sampled depth of a queue.
func (m *Metrics) SetQueueDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}
