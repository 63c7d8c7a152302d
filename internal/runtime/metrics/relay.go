// Package metrics holds the Prometheus collectors for the relay.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric name.
const Namespace = "orderrelay"

// Disposition labels.
const (
	DispositionCompleted    = "completed"
	DispositionAbandoned    = "abandoned"
	DispositionDeadLettered = "dead_lettered"
)

// BrokerMetrics counts delivery dispositions per topic.
type BrokerMetrics struct {
	mu           sync.Mutex
	dispositions *prometheus.CounterVec
	registerer   prometheus.Registerer
	registered   bool
}

// NewBrokerMetrics creates the broker collectors. A nil registerer uses the
// Prometheus default registry.
func NewBrokerMetrics(registerer prometheus.Registerer) *BrokerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &BrokerMetrics{
		registerer: registerer,
		dispositions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "broker",
			Name:      "dispositions_total",
			Help:      "Deliveries settled by the broker subscription, by disposition",
		}, []string{"topic", "disposition"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *BrokerMetrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	if err := register(m.registerer, m.dispositions); err != nil {
		return err
	}
	m.registered = true
	return nil
}

// RecordDisposition counts one settled delivery.
func (m *BrokerMetrics) RecordDisposition(topic, disposition string) {
	if m == nil {
		return
	}
	m.dispositions.WithLabelValues(topic, disposition).Inc()
}

// Dispositions exposes the underlying counter, mostly for tests.
func (m *BrokerMetrics) Dispositions() *prometheus.CounterVec {
	if m == nil {
		return nil
	}
	return m.dispositions
}

// RelayMetrics tracks processed orders.
type RelayMetrics struct {
	mu         sync.Mutex
	orders     *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	registerer prometheus.Registerer
	registered bool
}

// NewRelayMetrics creates the relay collectors. A nil registerer uses the
// Prometheus default registry.
func NewRelayMetrics(registerer prometheus.Registerer) *RelayMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &RelayMetrics{
		registerer: registerer,
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "relay",
			Name:      "orders_total",
			Help:      "Orders handled by the relay processor, by outcome",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "relay",
			Name:      "processing_duration_seconds",
			Help:      "Time spent handling one order delivery",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *RelayMetrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	if err := register(m.registerer, m.orders, m.duration); err != nil {
		return err
	}
	m.registered = true
	return nil
}

// RecordOrder counts one handled order and observes its duration.
func (m *RelayMetrics) RecordOrder(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(outcome).Inc()
	m.duration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// Orders exposes the outcome counter, mostly for tests.
func (m *RelayMetrics) Orders() *prometheus.CounterVec {
	if m == nil {
		return nil
	}
	return m.orders
}
